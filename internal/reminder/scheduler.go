// Package reminder runs the periodic sweep that sends pre-appointment
// reminders and the single post-readiness pickup reminder.
//
// Per appointment and offset a reminder moves not-due -> due-and-unsent -> sent
// and never goes back. An offset is due while the time left before the
// appointment lies in the hour leading up to offset x 24h. Once the hour has
// passed without a successful delivery the offset is skipped for good.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	redisclient "github.com/hackgods/rg-appointment-portal/internal/redis"
)

const (
	ActionReminderSent      = "APPOINTMENT_REMINDER_SENT"
	ActionReadyReminderSent = "DOCUMENT_READY_REMINDER_SENT"

	sweepLockKey = "reminder:sweep"
)

type SkipReason string

const (
	SkipInFlight  SkipReason = "in_flight"
	SkipUnchanged SkipReason = "unchanged"
	SkipLocked    SkipReason = "locked"
)

type Kind string

const (
	KindReminder Kind = "reminder"
	KindReady    Kind = "ready_for_pickup"
)

// Dispatch is the outcome of one due notification.
type Dispatch struct {
	AppointmentID uuid.UUID
	Kind          Kind
	Offset        int
	Delivery      Delivery
	Duplicate     bool
	Err           error
}

func (d Dispatch) sent() bool {
	return !d.Duplicate && d.Err == nil && d.Delivery.Delivered()
}

// Report summarizes one sweep.
type Report struct {
	Skipped    SkipReason
	Due        int
	Sent       int
	Failed     int
	Duplicates int
	Dispatches []Dispatch
}

type job struct {
	appt   appointment.Appointment
	kind   Kind
	offset int
	hours  float64
	place  Place
	key    string
}

type Scheduler struct {
	store    Store
	notifier Notifier
	audit    AuditLog
	attempts AttemptTracker
	locker   Locker
	notices  NoticeSink
	logger   zerolog.Logger
	cfg      Config
	now      func() time.Time

	running atomic.Bool
	trigger chan struct{}

	mu      sync.Mutex
	lastKey uint64
	hasKey  bool
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithAttemptTracker(t AttemptTracker) Option {
	return func(s *Scheduler) { s.attempts = t }
}

func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithNoticeSink(n NoticeSink) Option {
	return func(s *Scheduler) { s.notices = n }
}

func New(store Store, notifier Notifier, audit AuditLog, cfg Config, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		notifier: notifier,
		audit:    audit,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "reminder").Logger(),
		now:      time.Now,
		trigger:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.attempts == nil {
		s.attempts = NewMemoryTracker(DefaultAttemptCacheSize, DefaultAttemptCacheTTL)
	}
	if s.notices == nil {
		s.notices = logNotices{logger: s.logger}
	}
	return s
}

// Run sweeps once immediately, then on every tick and on every Trigger that
// arrives while no sweep is running. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runOnce(ctx, "startup")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, "tick")
		case <-s.trigger:
			s.runOnce(ctx, "data_change")
		}
	}
}

// Trigger requests an immediate sweep. It returns false, dropping the
// request, when a sweep is already executing or Run is not active.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) runOnce(ctx context.Context, cause string) {
	start := time.Now()
	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("cause", cause).Msg("reminder sweep failed")
		return
	}
	if report.Skipped != "" {
		s.logger.Debug().Str("cause", cause).Str("skipped", string(report.Skipped)).Msg("reminder sweep skipped")
		return
	}
	s.logger.Info().
		Str("cause", cause).
		Int("due", report.Due).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Int("duplicates", report.Duplicates).
		Dur("duration", time.Since(start)).
		Msg("reminder sweep complete")
}

// Sweep performs one due-check-and-dispatch pass. A sweep that is already in
// flight, in this process or (with a Locker) in another, makes it return a
// skipped report instead of waiting.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{Skipped: SkipInFlight}, nil
	}
	defer s.running.Store(false)

	if s.locker == nil {
		return s.sweep(ctx)
	}

	var report Report
	err := s.locker.WithLock(ctx, sweepLockKey, func(lockCtx context.Context) error {
		var err error
		report, err = s.sweep(lockCtx)
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return Report{Skipped: SkipLocked}, nil
	}
	return report, err
}

func (s *Scheduler) sweep(ctx context.Context) (Report, error) {
	now := s.now()

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load snapshot: %w", err)
	}

	jobs := s.plan(snap, now)
	due := make([]string, len(jobs))
	for i, j := range jobs {
		due[i] = j.key
	}

	key := changeKey(snap.Appointments, due, now)
	s.mu.Lock()
	unchanged := s.hasKey && s.lastKey == key
	s.mu.Unlock()
	if unchanged {
		return Report{Skipped: SkipUnchanged}, nil
	}

	dispatches := s.dispatch(ctx, jobs)

	report := Report{Due: len(jobs), Dispatches: dispatches}
	reminded := make(map[uuid.UUID][]int)
	readied := make(map[uuid.UUID]bool)
	var pending []string
	for i, d := range dispatches {
		if !d.sent() {
			pending = append(pending, jobs[i].key)
		}
		switch {
		case d.Duplicate:
			report.Duplicates++
		case d.sent():
			report.Sent++
			if d.Kind == KindReminder {
				reminded[d.AppointmentID] = append(reminded[d.AppointmentID], d.Offset)
			} else {
				readied[d.AppointmentID] = true
			}
		default:
			report.Failed++
		}
	}

	if len(reminded) > 0 || len(readied) > 0 {
		touched := make([]uuid.UUID, 0, len(reminded)+len(readied))
		for id := range reminded {
			touched = append(touched, id)
		}
		for id := range readied {
			if _, ok := reminded[id]; !ok {
				touched = append(touched, id)
			}
		}
		err := s.store.Update(ctx, func(current []appointment.Appointment) []appointment.Appointment {
			next := make([]appointment.Appointment, len(current))
			for i, a := range current {
				for _, offset := range reminded[a.ID] {
					a = a.WithReminderOffset(offset)
				}
				if readied[a.ID] {
					a = a.Clone()
					a.ReadyRemindersSent++
				}
				next[i] = a
			}
			return next
		}, touched...)
		if err != nil {
			return report, fmt.Errorf("record dispatch state: %w", err)
		}
	}

	s.publish(ctx, jobs, dispatches)

	// A failed dispatch keeps the key open so the next trigger retries it.
	// Sent jobs drop out of the next plan, so the stored key omits them.
	if report.Failed == 0 {
		s.mu.Lock()
		s.lastKey, s.hasKey = changeKey(snap.Appointments, pending, now), true
		s.mu.Unlock()
	}

	return report, nil
}

// plan lists every due notification in a stable order: appointment date,
// time and id, then the larger offset first.
func (s *Scheduler) plan(snap appointment.Snapshot, now time.Time) []job {
	appts := append([]appointment.Appointment(nil), snap.Appointments...)
	sort.SliceStable(appts, func(i, j int) bool {
		a, b := appts[i], appts[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.ID.String() < b.ID.String()
	})

	offsets := s.cfg.Offsets()
	readyAfter := time.Duration(s.cfg.ReadyReminderAfterDays) * 24 * time.Hour

	var jobs []job
	for _, a := range appts {
		place := placeFor(snap, a.LocationID)

		switch a.Status {
		case appointment.StatusPending, appointment.StatusConfirmed:
			if !s.cfg.channelsEnabled() {
				continue
			}
			at, ok := a.StartsAt(s.cfg.Location)
			if !ok {
				s.logger.Warn().Str("appointment", a.ID.String()).Str("date", a.Date).Str("time", a.Time).
					Msg("skipping appointment with unparseable date or time")
				continue
			}
			hours := at.Sub(now).Hours()
			for _, offset := range offsets {
				if a.HasReminderOffset(offset) || !dueWithin(hours, offset) {
					continue
				}
				jobs = append(jobs, job{
					appt: a, kind: KindReminder, offset: offset, hours: hours, place: place,
					key: reminderKey(a.ID, offset),
				})
			}

		case appointment.StatusDocumentReady:
			if !s.cfg.ReadyReminderEnabled || a.ReadyRemindersSent > 0 || a.ReadyAt == nil {
				continue
			}
			if now.Sub(*a.ReadyAt) < readyAfter {
				continue
			}
			jobs = append(jobs, job{appt: a, kind: KindReady, place: place, key: readyKey(a.ID)})
		}
	}
	return jobs
}

// dueWithin reports whether hours remaining falls in the hour before offset days.
func dueWithin(hours float64, offset int) bool {
	target := float64(offset * 24)
	return hours > target-1 && hours <= target
}

func placeFor(snap appointment.Snapshot, locationID string) Place {
	l, ok := snap.Location(locationID)
	if !ok {
		return Place{}
	}
	return Place{Name: l.Name, Address: l.Address, MapURL: l.MapURL}
}

// dispatch runs the notifier for every job with at most cfg.Concurrency calls
// in flight. Results are positional, so audit order does not depend on
// completion order.
func (s *Scheduler) dispatch(ctx context.Context, jobs []job) []Dispatch {
	results := make([]Dispatch, len(jobs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			results[i] = s.runJob(ctx, j)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Scheduler) runJob(ctx context.Context, j job) (d Dispatch) {
	d = Dispatch{AppointmentID: j.appt.ID, Kind: j.kind, Offset: j.offset}

	defer func() {
		if r := recover(); r != nil {
			d.Err = fmt.Errorf("notifier panic: %v", r)
			s.forget(ctx, j.key)
		}
	}()

	ok, err := s.attempts.Begin(ctx, j.key)
	if err != nil {
		// Without the tracker we cannot rule out a duplicate send.
		d.Err = fmt.Errorf("attempt tracker: %w", err)
		return d
	}
	if !ok {
		d.Duplicate = true
		return d
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()

	switch j.kind {
	case KindReminder:
		d.Delivery, d.Err = s.notifier.SendReminder(callCtx, j.appt, s.cfg, j.place, OffsetInfo{Days: j.offset, HoursRemaining: j.hours})
	case KindReady:
		d.Delivery, d.Err = s.notifier.SendReadyForPickup(callCtx, j.appt, s.cfg, j.place)
	}

	if d.Err == nil && !d.Delivery.Delivered() {
		d.Err = errors.New("no channel delivered the notification")
	}
	if d.Err != nil && d.Delivery.Delivered() {
		// A channel got through; the offset is consumed even though another failed.
		s.logger.Warn().Err(d.Err).Str("appointment", j.appt.ID.String()).Msg("partial notification delivery")
		d.Err = nil
	}
	if d.Err != nil {
		s.forget(ctx, j.key)
	}
	return d
}

func (s *Scheduler) forget(ctx context.Context, key string) {
	if err := s.attempts.Forget(ctx, key); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("failed to release reminder attempt")
	}
}

// publish writes audit entries and notices in plan order.
func (s *Scheduler) publish(ctx context.Context, jobs []job, dispatches []Dispatch) {
	for i, d := range dispatches {
		j := jobs[i]
		if d.Duplicate {
			continue
		}

		log := s.logger.With().
			Str("appointment", d.AppointmentID.String()).
			Str("kind", string(d.Kind)).
			Int("offset", d.Offset).
			Logger()

		if !d.sent() {
			log.Error().Err(d.Err).Msg("notification dispatch failed")
			s.notices.Notice(Notice{
				Level:         NoticeError,
				AppointmentID: d.AppointmentID,
				Message:       fmt.Sprintf("Falha ao enviar lembrete para %s: %v", j.appt.CitizenName, d.Err),
			})
			continue
		}

		channels := d.Delivery.Channels()
		log.Info().Strs("channels", channels).Msg("notification dispatched")

		entry := AuditEntry{
			PerformedBy: "system",
			TargetID:    d.AppointmentID,
			Metadata: map[string]any{
				"channels": channels,
				"identity": j.appt.Identity,
			},
			Tags: []string{"reminder", "automatic"},
		}
		var message string
		switch d.Kind {
		case KindReminder:
			entry.Action = ActionReminderSent
			entry.Description = fmt.Sprintf("Lembrete de %d dia(s) enviado via %s", d.Offset, strings.Join(channels, ", "))
			entry.Metadata["offsetDays"] = d.Offset
			message = fmt.Sprintf("Lembrete enviado para %s", j.appt.CitizenName)
		case KindReady:
			entry.Action = ActionReadyReminderSent
			entry.Description = fmt.Sprintf("Aviso de documento pronto para retirada enviado via %s", strings.Join(channels, ", "))
			entry.Tags = append(entry.Tags, "document-ready")
			message = fmt.Sprintf("Aviso de retirada enviado para %s", j.appt.CitizenName)
		}
		s.audit.Append(ctx, entry)

		level := NoticeSuccess
		if len(channels) == 1 && s.cfg.EmailEnabled && s.cfg.MessagingEnabled {
			level = NoticeWarning
			message += " (apenas " + channels[0] + ")"
		}
		s.notices.Notice(Notice{Level: level, AppointmentID: d.AppointmentID, Message: message})
	}
}

type logNotices struct {
	logger zerolog.Logger
}

func (l logNotices) Notice(n Notice) {
	ev := l.logger.Info()
	if n.Level == NoticeError {
		ev = l.logger.Warn()
	}
	ev.Str("appointment", n.AppointmentID.String()).Str("level", string(n.Level)).Msg(n.Message)
}
