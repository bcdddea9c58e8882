package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	redisclient "github.com/hackgods/rg-appointment-portal/internal/redis"
)

var brt = time.FixedZone("BRT", -3*60*60)

type reminderCall struct {
	ID     uuid.UUID
	Offset int
	Place  Place
}

type fakeNotifier struct {
	mu        sync.Mutex
	reminders []reminderCall
	ready     []uuid.UUID
	behave    func(a appointment.Appointment) (Delivery, error)
}

func (f *fakeNotifier) SendReminder(_ context.Context, a appointment.Appointment, _ Config, place Place, offset OffsetInfo) (Delivery, error) {
	f.mu.Lock()
	f.reminders = append(f.reminders, reminderCall{ID: a.ID, Offset: offset.Days, Place: place})
	behave := f.behave
	f.mu.Unlock()
	if behave != nil {
		return behave(a)
	}
	return Delivery{Success: true, EmailSent: true, MessagingSent: true}, nil
}

func (f *fakeNotifier) SendReadyForPickup(_ context.Context, a appointment.Appointment, _ Config, _ Place) (Delivery, error) {
	f.mu.Lock()
	f.ready = append(f.ready, a.ID)
	behave := f.behave
	f.mu.Unlock()
	if behave != nil {
		return behave(a)
	}
	return Delivery{Success: true, EmailSent: true}, nil
}

func (f *fakeNotifier) reminderCalls() []reminderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reminderCall(nil), f.reminders...)
}

func (f *fakeNotifier) readyCalls() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.ready...)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (f *fakeAudit) Append(_ context.Context, e AuditEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func (f *fakeAudit) all() []AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AuditEntry(nil), f.entries...)
}

type fakeNotices struct {
	mu      sync.Mutex
	notices []Notice
}

func (f *fakeNotices) Notice(n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store    *appointment.MemoryStore
	notifier *fakeNotifier
	audit    *fakeAudit
	notices  *fakeNotices
	clock    *clock
	sched    *Scheduler
}

func baseConfig() Config {
	return Config{
		OffsetsDays:            []int{1},
		EmailEnabled:           true,
		MessagingEnabled:       true,
		ReadyReminderEnabled:   true,
		ReadyReminderAfterDays: 7,
		Location:               brt,
	}
}

func newFixture(t *testing.T, cfg Config, now time.Time, appts ...appointment.Appointment) *fixture {
	t.Helper()
	f := &fixture{
		store: appointment.NewMemoryStore(appointment.Snapshot{
			Appointments: appts,
			Locations: []appointment.Location{
				{ID: "centro", Name: "Posto Centro", Address: "Rua Principal, 100", MapURL: "https://maps.example/centro"},
			},
		}),
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
		notices:  &fakeNotices{},
		clock:    &clock{now: now},
	}
	f.sched = New(f.store, f.notifier, f.audit, cfg, zerolog.Nop(),
		WithClock(f.clock.Now),
		WithNoticeSink(f.notices),
	)
	return f
}

func booked(date, clock string, status appointment.Status) appointment.Appointment {
	return appointment.Appointment{
		ID:          uuid.New(),
		Identity:    "12345678909",
		CitizenName: "Maria Souza",
		Email:       "maria@example.com",
		Phone:       "+5511999990000",
		LocationID:  "centro",
		Date:        date,
		Time:        clock,
		Status:      status,
	}
}

func stored(t *testing.T, f *fixture, id uuid.UUID) appointment.Appointment {
	t.Helper()
	a, err := f.store.GetAppointmentByID(context.Background(), id)
	require.NoError(t, err)
	return *a
}

func TestSweepSendsDayBeforeReminder(t *testing.T) {
	a := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 30, 0, 0, brt), a)

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Sent)
	calls := f.notifier.reminderCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, a.ID, calls[0].ID)
	assert.Equal(t, 1, calls[0].Offset)
	assert.Equal(t, "Posto Centro", calls[0].Place.Name)

	assert.Equal(t, []int{1}, stored(t, f, a.ID).ReminderSentOffsets)

	entries := f.audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionReminderSent, entries[0].Action)
	assert.Equal(t, "system", entries[0].PerformedBy)
	assert.Equal(t, a.ID, entries[0].TargetID)
	assert.Equal(t, 1, entries[0].Metadata["offsetDays"])
	assert.Equal(t, []string{"email", "messaging"}, entries[0].Metadata["channels"])
}

func TestSweepSkipsUnchangedDataWithinHour(t *testing.T) {
	a := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 30, 0, 0, brt), a)

	_, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)

	f.clock.Set(time.Date(2025, 1, 14, 9, 50, 0, 0, brt))
	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipUnchanged, report.Skipped)

	f.clock.Set(time.Date(2025, 1, 14, 10, 5, 0, 0, brt))
	report, err = f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Skipped, "a new hour invalidates the key")
	assert.Zero(t, report.Due)
	assert.Len(t, f.notifier.reminderCalls(), 1)
}

func TestSweepCatchesWindowOpeningWithinHour(t *testing.T) {
	a := booked("2025-01-15", "09:30", appointment.StatusConfirmed)
	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 10, 0, 0, brt), a)

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due, "window opens at 09:30")

	f.clock.Set(time.Date(2025, 1, 14, 9, 45, 0, 0, brt))
	report, err = f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 1, report.Sent)

	f.clock.Set(time.Date(2025, 1, 14, 10, 45, 0, 0, brt))
	report, err = f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	calls := f.notifier.reminderCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, a.ID, calls[0].ID)
	assert.Equal(t, []int{1}, stored(t, f, a.ID).ReminderSentOffsets)
}

func TestSweepDoesNotResendAcrossSchedulers(t *testing.T) {
	a := booked("2025-01-15", "09:00", appointment.StatusPending)
	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 30, 0, 0, brt), a)

	_, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)

	again := New(f.store, f.notifier, f.audit, baseConfig(), zerolog.Nop(), WithClock(f.clock.Now))
	report, err := again.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due, "offset already recorded on the appointment")
	assert.Len(t, f.notifier.reminderCalls(), 1)
}

func TestSweepSkipsAttemptedKeys(t *testing.T) {
	a := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	tracker := NewMemoryTracker(10, time.Hour)
	ok, err := tracker.Begin(context.Background(), reminderKey(a.ID, 1))
	require.NoError(t, err)
	require.True(t, ok)

	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 30, 0, 0, brt), a)
	f.sched = New(f.store, f.notifier, f.audit, baseConfig(), zerolog.Nop(),
		WithClock(f.clock.Now), WithAttemptTracker(tracker))

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Empty(t, f.notifier.reminderCalls())
	assert.Empty(t, f.audit.all())
}

func TestSweepMultipleOffsets(t *testing.T) {
	cfg := baseConfig()
	cfg.OffsetsDays = []int{1, 3, 3, 0}
	a := booked("2025-01-17", "10:00", appointment.StatusConfirmed)
	f := newFixture(t, cfg, time.Date(2025, 1, 14, 10, 0, 0, 0, brt), a)

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	assert.Equal(t, 3, f.notifier.reminderCalls()[0].Offset)

	f.clock.Set(time.Date(2025, 1, 16, 10, 0, 0, 0, brt))
	report, err = f.sched.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)

	assert.ElementsMatch(t, []int{3, 1}, stored(t, f, a.ID).ReminderSentOffsets)
}

func TestSweepWindowBoundaries(t *testing.T) {
	a := booked("2025-01-15", "09:00", appointment.StatusConfirmed)

	tests := []struct {
		name string
		now  time.Time
		due  bool
	}{
		{"exactly 24h before", time.Date(2025, 1, 14, 9, 0, 0, 0, brt), true},
		{"just over 24h before", time.Date(2025, 1, 14, 8, 59, 0, 0, brt), false},
		{"exactly 23h before", time.Date(2025, 1, 14, 10, 0, 0, 0, brt), false},
		{"window missed", time.Date(2025, 1, 14, 20, 0, 0, 0, brt), false},
		{"appointment passed", time.Date(2025, 1, 15, 10, 0, 0, 0, brt), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, baseConfig(), tt.now, a)
			report, err := f.sched.Sweep(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.due, report.Due == 1)
		})
	}
}

func TestSweepIgnoresInactiveAppointments(t *testing.T) {
	now := time.Date(2025, 1, 14, 9, 30, 0, 0, brt)
	appts := []appointment.Appointment{
		booked("2025-01-15", "09:00", appointment.StatusCancelled),
		booked("2025-01-15", "09:00", appointment.StatusCompleted),
		booked("2025-01-15", "bogus", appointment.StatusConfirmed),
	}
	f := newFixture(t, baseConfig(), now, appts...)

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	cfg := baseConfig()
	cfg.EmailEnabled, cfg.MessagingEnabled = false, false
	f = newFixture(t, cfg, now, booked("2025-01-15", "09:00", appointment.StatusConfirmed))
	report, err = f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due, "no channel enabled")
}

func TestSweepPartialDeliveryConsumesOffset(t *testing.T) {
	a := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 30, 0, 0, brt), a)
	f.notifier.behave = func(appointment.Appointment) (Delivery, error) {
		return Delivery{EmailSent: true}, errors.New("messaging gateway down")
	}

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []int{1}, stored(t, f, a.ID).ReminderSentOffsets)

	require.Len(t, f.notices.notices, 1)
	assert.Equal(t, NoticeWarning, f.notices.notices[0].Level)
	assert.Equal(t, []string{"email"}, f.audit.all()[0].Metadata["channels"])
}

func TestSweepTotalFailureIsRetriedInsideWindow(t *testing.T) {
	a := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 10, 0, 0, brt), a)
	f.notifier.behave = func(appointment.Appointment) (Delivery, error) {
		return Delivery{}, errors.New("smtp: connection refused")
	}

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, stored(t, f, a.ID).ReminderSentOffsets)
	assert.Empty(t, f.audit.all())
	require.Len(t, f.notices.notices, 1)
	assert.Equal(t, NoticeError, f.notices.notices[0].Level)

	f.notifier.mu.Lock()
	f.notifier.behave = nil
	f.notifier.mu.Unlock()
	f.clock.Set(time.Date(2025, 1, 14, 9, 40, 0, 0, brt))

	report, err = f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []int{1}, stored(t, f, a.ID).ReminderSentOffsets)
}

func TestSweepIsolatesFailingAppointments(t *testing.T) {
	ok := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	broken := booked("2025-01-15", "09:15", appointment.StatusConfirmed)
	failing := booked("2025-01-15", "09:20", appointment.StatusConfirmed)

	cfg := baseConfig()
	cfg.Concurrency = 3
	f := newFixture(t, cfg, time.Date(2025, 1, 14, 9, 30, 0, 0, brt), ok, broken, failing)
	f.notifier.behave = func(a appointment.Appointment) (Delivery, error) {
		switch a.ID {
		case broken.ID:
			panic("template exploded")
		case failing.ID:
			return Delivery{}, errors.New("timeout")
		}
		return Delivery{Success: true, EmailSent: true, MessagingSent: true}, nil
	}

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Due)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 2, report.Failed)

	assert.Equal(t, []int{1}, stored(t, f, ok.ID).ReminderSentOffsets)
	assert.Empty(t, stored(t, f, broken.ID).ReminderSentOffsets)
	assert.Empty(t, stored(t, f, failing.ID).ReminderSentOffsets)
}

func TestSweepAuditFollowsPlanOrder(t *testing.T) {
	first := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	second := booked("2025-01-15", "09:10", appointment.StatusConfirmed)
	third := booked("2025-01-15", "09:20", appointment.StatusConfirmed)

	cfg := baseConfig()
	cfg.Concurrency = 4
	f := newFixture(t, cfg, time.Date(2025, 1, 14, 9, 30, 0, 0, brt), third, first, second)
	f.notifier.behave = func(a appointment.Appointment) (Delivery, error) {
		if a.ID == first.ID {
			time.Sleep(20 * time.Millisecond)
		}
		return Delivery{Success: true, EmailSent: true, MessagingSent: true}, nil
	}

	_, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)

	entries := f.audit.all()
	require.Len(t, entries, 3)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID, third.ID},
		[]uuid.UUID{entries[0].TargetID, entries[1].TargetID, entries[2].TargetID})
}

func TestSweepReadyForPickupReminder(t *testing.T) {
	now := time.Date(2025, 1, 20, 12, 0, 0, 0, brt)
	readyAt := now.Add(-8 * 24 * time.Hour)
	recent := now.Add(-2 * 24 * time.Hour)

	due := booked("2025-01-05", "09:00", appointment.StatusDocumentReady)
	due.ReadyAt = &readyAt
	notYet := booked("2025-01-05", "10:00", appointment.StatusDocumentReady)
	notYet.ReadyAt = &recent
	noTimestamp := booked("2025-01-05", "11:00", appointment.StatusDocumentReady)

	f := newFixture(t, baseConfig(), now, due, notYet, noTimestamp)

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []uuid.UUID{due.ID}, f.notifier.readyCalls())
	assert.Equal(t, 1, stored(t, f, due.ID).ReadyRemindersSent)
	assert.Zero(t, stored(t, f, notYet.ID).ReadyRemindersSent)

	entries := f.audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionReadyReminderSent, entries[0].Action)
	assert.Contains(t, entries[0].Tags, "document-ready")

	f.clock.Set(now.Add(2 * time.Hour))
	_, err = f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.notifier.readyCalls(), 1, "the pickup reminder is sent once")
	assert.Equal(t, 1, stored(t, f, due.ID).ReadyRemindersSent)
}

func TestSweepReadyReminderDisabled(t *testing.T) {
	now := time.Date(2025, 1, 20, 12, 0, 0, 0, brt)
	readyAt := now.Add(-30 * 24 * time.Hour)
	a := booked("2024-12-10", "09:00", appointment.StatusDocumentReady)
	a.ReadyAt = &readyAt

	cfg := baseConfig()
	cfg.ReadyReminderEnabled = false
	f := newFixture(t, cfg, now, a)

	report, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)
}

type blockingNotifier struct {
	fakeNotifier
	entered chan struct{}
	release chan struct{}
}

func (b *blockingNotifier) SendReminder(ctx context.Context, a appointment.Appointment, cfg Config, place Place, offset OffsetInfo) (Delivery, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeNotifier.SendReminder(ctx, a, cfg, place, offset)
}

func TestSweepSkipsWhileInFlight(t *testing.T) {
	a := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 30, 0, 0, brt), a)

	notifier := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	sched := New(f.store, notifier, f.audit, baseConfig(), zerolog.Nop(), WithClock(f.clock.Now))

	done := make(chan Report, 1)
	go func() {
		report, _ := sched.Sweep(context.Background())
		done <- report
	}()

	<-notifier.entered
	report, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipInFlight, report.Skipped)
	assert.False(t, sched.Trigger(), "trigger is dropped while Run is not listening")

	close(notifier.release)
	first := <-done
	assert.Equal(t, 1, first.Sent)
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestSweepSkipsWhenAnotherWorkerHoldsLock(t *testing.T) {
	a := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 30, 0, 0, brt), a)
	sched := New(f.store, f.notifier, f.audit, baseConfig(), zerolog.Nop(),
		WithClock(f.clock.Now), WithLocker(busyLocker{}))

	report, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipLocked, report.Skipped)
	assert.Empty(t, f.notifier.reminderCalls())
}

func TestRunSweepsOnStartupAndTrigger(t *testing.T) {
	first := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	f := newFixture(t, baseConfig(), time.Date(2025, 1, 14, 9, 30, 0, 0, brt), first)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return len(f.notifier.reminderCalls()) == 1 }, time.Second, 5*time.Millisecond)

	second := booked("2025-01-15", "09:10", appointment.StatusConfirmed)
	_, err := f.store.CreateAppointment(ctx, second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.sched.Trigger()
		return len(f.notifier.reminderCalls()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestConfigOffsets(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []int
	}{
		{"default", Config{}, []int{1}},
		{"sorted descending", Config{OffsetsDays: []int{1, 7, 3}}, []int{7, 3, 1}},
		{"deduplicated and floored", Config{OffsetsDays: []int{0, -2, 1, 2, 2}}, []int{2, 1}},
		{"legacy hours", Config{HoursBeforeAppointment: 48}, []int{2}},
		{"legacy hours rounded up", Config{HoursBeforeAppointment: 30}, []int{2}},
		{"legacy hours below a day", Config{HoursBeforeAppointment: 6}, []int{1}},
		{"offsets win over legacy", Config{OffsetsDays: []int{5}, HoursBeforeAppointment: 24}, []int{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Offsets())
		})
	}
}

func TestMemoryTracker(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker(2, time.Hour)

	ok, err := tr.Begin(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = tr.Begin(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, tr.Forget(ctx, "a"))
	ok, _ = tr.Begin(ctx, "a")
	assert.True(t, ok)

	_, _ = tr.Begin(ctx, "b")
	_, _ = tr.Begin(ctx, "c")
	assert.Equal(t, 2, tr.Len(), "capacity is bounded")
}

func TestChangeKey(t *testing.T) {
	now := time.Date(2025, 1, 14, 9, 30, 0, 0, brt)
	a := booked("2025-01-15", "09:00", appointment.StatusConfirmed)
	b := booked("2025-01-16", "10:00", appointment.StatusPending)

	base := changeKey([]appointment.Appointment{a, b}, nil, now)
	assert.Equal(t, base, changeKey([]appointment.Appointment{b, a}, nil, now.Add(20*time.Minute)))

	moved := b
	moved.Time = "11:00"
	assert.NotEqual(t, base, changeKey([]appointment.Appointment{a, moved}, nil, now))
	assert.NotEqual(t, base, changeKey([]appointment.Appointment{a, b}, nil, now.Add(time.Hour)))

	due := []string{reminderKey(a.ID, 1), readyKey(b.ID)}
	withDue := changeKey([]appointment.Appointment{a, b}, due, now)
	assert.NotEqual(t, base, withDue, "a newly due job changes the key")
	assert.Equal(t, withDue, changeKey([]appointment.Appointment{a, b}, []string{due[1], due[0]}, now))
}

func TestEventAuditWritesEventLog(t *testing.T) {
	store := appointment.NewMemoryStore(appointment.Snapshot{})
	audit := NewEventAudit(store, zerolog.Nop())
	id := uuid.New()

	audit.Append(context.Background(), AuditEntry{
		Action:      ActionReminderSent,
		Description: "Lembrete de 1 dia(s) enviado via email",
		PerformedBy: "system",
		TargetID:    id,
		Metadata:    map[string]any{"offsetDays": 1},
		Tags:        []string{"reminder"},
	})

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ActionReminderSent, events[0].EventType)
	require.NotNil(t, events[0].AppointmentID)
	assert.Equal(t, id, *events[0].AppointmentID)
	assert.JSONEq(t, `{"offsetDays":1}`, string(events[0].Payload))
}
