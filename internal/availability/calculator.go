// Package availability decides which (location, date, time) slots can still
// be booked. Every function here is pure: it reads the snapshot it is given,
// performs no I/O and never fails. Missing configuration resolves to open
// availability; blocks and full slots resolve to closed.
package availability

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
)

const (
	DefaultMaxAdvanceDays = 60
	MaxAdvanceDaysCeiling = 365
)

// TimeSlot is derived on every call and never persisted.
type TimeSlot struct {
	Time      string `json:"time"`
	Available bool   `json:"available"`
	Occupancy int    `json:"occupancy"`
}

// Request is the read-only input to the calculator.
type Request struct {
	Date         string
	LocationID   string // empty for unconfigured, single-location tenants
	WorkingHours []string
	BlockedDates []appointment.BlockedDate
	Appointments []appointment.Appointment
	MaxPerSlot   int
	// MaxAdvanceDays bounds the horizon; clamped to [1,365], 0 means the default.
	MaxAdvanceDays int
	// Exclude is the appointment being rescheduled, if any.
	Exclude uuid.UUID
	Now     time.Time
}

// ForLocation fills the location-derived fields of a request.
func ForLocation(l appointment.Location, date string, s appointment.Snapshot, now time.Time) Request {
	return Request{
		Date:           date,
		LocationID:     l.ID,
		WorkingHours:   l.WorkingHours,
		BlockedDates:   s.BlockedDates,
		Appointments:   s.Appointments,
		MaxPerSlot:     l.MaxPerSlot,
		MaxAdvanceDays: l.MaxAdvanceDays,
		Now:            now,
	}
}

// DateAvailable reports whether at least one slot on req.Date can be booked.
func DateAvailable(req Request) bool {
	date, ok := appointment.NormalizeDate(req.Date)
	if !ok || !withinHorizon(date, req) {
		return false
	}
	if fullDayBlocked(date, req) {
		return false
	}
	if req.LocationID == "" || len(req.WorkingHours) == 0 {
		return true
	}
	for _, slot := range computeSlots(date, req) {
		if slot.Available {
			return true
		}
	}
	return false
}

// Slots evaluates every working hour on req.Date in configured order.
func Slots(req Request) []TimeSlot {
	date, ok := appointment.NormalizeDate(req.Date)
	if !ok {
		return closedSlots(req.WorkingHours)
	}
	if !withinHorizon(date, req) || fullDayBlocked(date, req) {
		return closedSlots(req.WorkingHours)
	}
	if req.LocationID == "" {
		slots := make([]TimeSlot, 0, len(req.WorkingHours))
		for _, wh := range req.WorkingHours {
			t, ok := appointment.NormalizeTime(wh)
			if !ok {
				t = wh
			}
			slots = append(slots, TimeSlot{Time: t, Available: ok})
		}
		return slots
	}
	return computeSlots(date, req)
}

// SlotAvailable reports whether clock on req.Date is bookable.
func SlotAvailable(req Request, clock string) bool {
	t, ok := appointment.NormalizeTime(clock)
	if !ok {
		return false
	}
	if !DateAvailable(req) {
		return false
	}
	if req.LocationID == "" || len(req.WorkingHours) == 0 {
		return true
	}
	for _, slot := range Slots(req) {
		if slot.Time == t {
			return slot.Available
		}
	}
	return false
}

// ClampAdvanceDays maps a configured lookahead into [1,365].
func ClampAdvanceDays(days int) int {
	switch {
	case days == 0:
		return DefaultMaxAdvanceDays
	case days < 1:
		return 1
	case days > MaxAdvanceDaysCeiling:
		return MaxAdvanceDaysCeiling
	}
	return days
}

func today(now time.Time) string {
	return now.Format(appointment.DateLayout)
}

func withinHorizon(date string, req Request) bool {
	t := today(req.Now)
	if date < t {
		return false
	}
	d, _ := time.Parse(appointment.DateLayout, t)
	last := d.AddDate(0, 0, ClampAdvanceDays(req.MaxAdvanceDays)).Format(appointment.DateLayout)
	return date <= last
}

func fullDayBlocked(date string, req Request) bool {
	for _, b := range req.BlockedDates {
		if b.AppliesTo(date, req.LocationID) && b.Type == appointment.BlockFullDay {
			return true
		}
	}
	return false
}

func blockedTimes(date string, req Request) map[string]struct{} {
	set := make(map[string]struct{})
	for _, b := range req.BlockedDates {
		if !b.AppliesTo(date, req.LocationID) || b.Type != appointment.BlockSpecificTimes {
			continue
		}
		for _, raw := range b.Times {
			if t, ok := appointment.NormalizeTime(raw); ok {
				set[t] = struct{}{}
			}
		}
	}
	return set
}

func occupancy(date string, req Request) map[string]int {
	counts := make(map[string]int)
	for _, a := range req.Appointments {
		if a.Date != date || a.LocationID != req.LocationID || !a.Status.Active() {
			continue
		}
		if req.Exclude != uuid.Nil && a.ID == req.Exclude {
			continue
		}
		if t, ok := appointment.NormalizeTime(a.Time); ok {
			counts[t]++
		}
	}
	return counts
}

func computeSlots(date string, req Request) []TimeSlot {
	maxPerSlot := req.MaxPerSlot
	if maxPerSlot < 1 {
		maxPerSlot = 1
	}

	isToday := date == today(req.Now)
	nowClock := req.Now.Format(appointment.TimeLayout)
	blocked := blockedTimes(date, req)
	counts := occupancy(date, req)

	slots := make([]TimeSlot, 0, len(req.WorkingHours))
	for _, wh := range req.WorkingHours {
		t, ok := appointment.NormalizeTime(wh)
		if !ok {
			slots = append(slots, TimeSlot{Time: wh})
			continue
		}

		slot := TimeSlot{Time: t, Occupancy: counts[t]}
		switch {
		case isToday && t <= nowClock:
		case hasKey(blocked, t):
		default:
			slot.Available = slot.Occupancy < maxPerSlot
		}
		slots = append(slots, slot)
	}
	return slots
}

func closedSlots(hours []string) []TimeSlot {
	slots := make([]TimeSlot, 0, len(hours))
	for _, wh := range hours {
		t, ok := appointment.NormalizeTime(wh)
		if !ok {
			t = wh
		}
		slots = append(slots, TimeSlot{Time: t})
	}
	return slots
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}
