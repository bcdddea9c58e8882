// Package abuse derives reschedule and cancellation counts for a citizen from
// the status history of their appointments, and turns them into allow/deny
// decisions. Nothing is cached: callers evaluate at the moment of the action.
package abuse

import (
	"time"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
)

const (
	DefaultWindowDays = 7
	DefaultLimit      = 3
)

// FilterAny counts every cancellation regardless of its category.
const FilterAny appointment.CancellationCategory = "any"

// Policy is a rolling window and the number of events that trips it.
type Policy struct {
	WindowDays int
	Limit      int
}

var DefaultPolicy = Policy{WindowDays: DefaultWindowDays, Limit: DefaultLimit}

// Normalized replaces unset fields with the defaults.
func (p Policy) Normalized() Policy {
	if p.WindowDays <= 0 {
		p.WindowDays = DefaultWindowDays
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	return p
}

func (p Policy) windowStart(now time.Time) time.Time {
	return now.Add(-time.Duration(p.Normalized().WindowDays) * 24 * time.Hour)
}

// CountRecentReschedules counts history entries that moved an appointment of
// identity to another date or time within the window ending at now.
func CountRecentReschedules(appts []appointment.Appointment, identity string, p Policy, now time.Time) int {
	since := p.windowStart(now)
	count := 0
	forEachEntry(appts, identity, func(ch appointment.StatusChange) {
		if isReschedule(ch) && inWindow(ch.ChangedAt, since, now) {
			count++
		}
	})
	return count
}

// IsRescheduleBlocked reports whether identity reached the reschedule limit.
func IsRescheduleBlocked(appts []appointment.Appointment, identity string, p Policy, now time.Time) bool {
	return CountRecentReschedules(appts, identity, p, now) >= p.Normalized().Limit
}

// CountRecentCancellations counts transitions to cancelled within the window
// whose category matches filter. Entries without an explicit category fall
// back to InferCategory on the free-text reason.
func CountRecentCancellations(appts []appointment.Appointment, identity string, filter appointment.CancellationCategory, p Policy, now time.Time) int {
	if filter == "" {
		filter = FilterAny
	}
	since := p.windowStart(now)
	count := 0
	forEachEntry(appts, identity, func(ch appointment.StatusChange) {
		if ch.To != appointment.StatusCancelled || !inWindow(ch.ChangedAt, since, now) {
			return
		}
		if filter == FilterAny || EntryCategory(ch) == filter {
			count++
		}
	})
	return count
}

// IsCancellationBlocked reports whether identity reached the cancellation limit.
func IsCancellationBlocked(appts []appointment.Appointment, identity string, filter appointment.CancellationCategory, p Policy, now time.Time) bool {
	return CountRecentCancellations(appts, identity, filter, p, now) >= p.Normalized().Limit
}

// EntryCategory returns the tagged category of a cancellation entry, or the
// legacy inference when the tag is missing.
func EntryCategory(ch appointment.StatusChange) appointment.CancellationCategory {
	if c := appointment.CancellationCategory(ch.Metadata[appointment.MetaCancellationCategory]); c.Valid() {
		return c
	}
	return InferCategory(ch.Reason)
}

func forEachEntry(appts []appointment.Appointment, identity string, fn func(appointment.StatusChange)) {
	key := appointment.NormalizeIdentity(identity)
	if key == "" {
		return
	}
	for _, a := range appts {
		if appointment.NormalizeIdentity(a.Identity) != key {
			continue
		}
		for _, ch := range a.StatusHistory {
			fn(ch)
		}
	}
}

func isReschedule(ch appointment.StatusChange) bool {
	md := ch.Metadata
	hasOld := md[appointment.MetaOldDate] != "" || md[appointment.MetaOldTime] != ""
	hasNew := md[appointment.MetaNewDate] != "" || md[appointment.MetaNewTime] != ""
	return hasOld && hasNew
}

func inWindow(at, since, now time.Time) bool {
	return !at.Before(since) && !at.After(now)
}
