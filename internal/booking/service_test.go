package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	"github.com/hackgods/rg-appointment-portal/internal/events"
	redisclient "github.com/hackgods/rg-appointment-portal/internal/redis"
	"github.com/hackgods/rg-appointment-portal/internal/reminder"
)

var (
	brt     = time.FixedZone("BRT", -3*60*60)
	testNow = time.Date(2025, 1, 10, 10, 0, 0, 0, brt)
)

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.AppointmentChanged
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.AppointmentChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	store     *appointment.MemoryStore
	locker    *memLocker
	publisher *recordingPublisher
	svc       *Service
}

func newFixture(t *testing.T, appts ...appointment.Appointment) *fixture {
	t.Helper()
	f := &fixture{
		store: appointment.NewMemoryStore(appointment.Snapshot{
			Appointments: appts,
			Locations: []appointment.Location{{
				ID:             "centro",
				Name:           "Posto Centro",
				WorkingHours:   []string{"08:00", "09:00", "10:00", "11:00"},
				MaxPerSlot:     1,
				MaxAdvanceDays: 30,
			}},
		}),
		locker:    newMemLocker(),
		publisher: &recordingPublisher{},
	}
	f.svc = NewService(f.store, f.locker, f.publisher, DefaultPolicies(), brt, zerolog.Nop(),
		WithClock(func() time.Time { return testNow }))
	return f
}

func bookRequest(identity, date, clock string) BookRequest {
	return BookRequest{
		Identity:    identity,
		CitizenName: "João Pereira",
		Email:       "joao@example.com",
		Phone:       "+5511988887777",
		LocationID:  "centro",
		Date:        date,
		Time:        clock,
	}
}

func cancelledAppointment(identity string, daysAgo int) appointment.Appointment {
	return appointment.Appointment{
		ID:         uuid.New(),
		Identity:   identity,
		LocationID: "centro",
		Date:       "2025-01-02",
		Time:       "08:00",
		Status:     appointment.StatusCancelled,
		StatusHistory: []appointment.StatusChange{{
			From:      appointment.StatusPending,
			To:        appointment.StatusCancelled,
			ChangedAt: testNow.AddDate(0, 0, -daysAgo),
			Metadata:  map[string]string{appointment.MetaCancellationCategory: string(appointment.CategoryCitizenRequest)},
		}},
	}
}

func TestBookCreatesPendingAppointment(t *testing.T) {
	f := newFixture(t)

	a, err := f.svc.Book(context.Background(), bookRequest("123.456.789-09", "2025-01-15", "9:00"))
	require.NoError(t, err)

	assert.Equal(t, appointment.StatusPending, a.Status)
	assert.Equal(t, "12345678909", a.Identity)
	assert.Equal(t, "09:00", a.Time)
	require.Len(t, a.StatusHistory, 1)
	assert.Equal(t, appointment.StatusPending, a.StatusHistory[0].To)

	stored, err := f.store.GetAppointmentByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-15", stored.Date)

	evs := f.store.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, EventAppointmentCreated, evs[0].EventType)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, events.ActionBooked, f.publisher.events[0].Action)
	assert.Equal(t, a.ID, f.publisher.events[0].AppointmentID)
}

func TestBookRespectsCapacity(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Book(context.Background(), bookRequest("111", "2025-01-15", "09:00"))
	require.NoError(t, err)

	_, err = f.svc.Book(context.Background(), bookRequest("222", "2025-01-15", "09:00"))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = f.svc.Book(context.Background(), bookRequest("222", "2025-01-15", "10:00"))
	assert.NoError(t, err)
}

func TestBookRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  BookRequest
		want error
	}{
		{"missing identity", bookRequest(" .-", "2025-01-15", "09:00"), ErrIdentityRequired},
		{"bad date", bookRequest("111", "15/01/2025", "09:00"), ErrInvalidDateTime},
		{"bad time", bookRequest("111", "2025-01-15", "nine"), ErrInvalidDateTime},
		{"past date", bookRequest("111", "2025-01-09", "09:00"), ErrSlotUnavailable},
		{"beyond horizon", bookRequest("111", "2025-03-01", "09:00"), ErrSlotUnavailable},
		{"not a working hour", bookRequest("111", "2025-01-15", "12:00"), ErrSlotUnavailable},
		{"earlier today", bookRequest("111", "2025-01-10", "09:00"), ErrSlotUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Book(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	req := bookRequest("111", "2025-01-15", "09:00")
	req.LocationID = "nowhere"
	_, err := f.svc.Book(context.Background(), req)
	assert.ErrorIs(t, err, appointment.ErrLocationNotFound)
}

func TestBookRespectsBlockedDates(t *testing.T) {
	f := newFixture(t)
	f.store.PutBlockedDate(appointment.BlockedDate{ID: uuid.New(), Date: "2025-01-16", Type: appointment.BlockFullDay, Reason: "feriado"})
	f.store.PutBlockedDate(appointment.BlockedDate{ID: uuid.New(), Date: "2025-01-17", Type: appointment.BlockSpecificTimes, Times: []string{"09:00"}, LocationID: "centro"})

	_, err := f.svc.Book(context.Background(), bookRequest("111", "2025-01-16", "10:00"))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = f.svc.Book(context.Background(), bookRequest("111", "2025-01-17", "09:00"))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = f.svc.Book(context.Background(), bookRequest("111", "2025-01-17", "10:00"))
	assert.NoError(t, err)
}

func TestBookDeniedAfterRepeatedCancellations(t *testing.T) {
	f := newFixture(t,
		cancelledAppointment("55566677788", 1),
		cancelledAppointment("55566677788", 2),
		cancelledAppointment("55566677788", 3),
	)

	_, err := f.svc.Book(context.Background(), bookRequest("555.666.777-88", "2025-01-15", "09:00"))
	assert.ErrorIs(t, err, ErrCancellationBlocked)
	assert.Empty(t, f.publisher.events)
}

func TestBookWhileSlotLocked(t *testing.T) {
	f := newFixture(t)
	f.locker.held[redisclient.SlotKey("centro", "2025-01-15", "09:00")] = true

	_, err := f.svc.Book(context.Background(), bookRequest("111", "2025-01-15", "09:00"))
	assert.ErrorIs(t, err, ErrSlotBeingBooked)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Book(ctx, bookRequest("111", "2025-01-15", "09:00"))
	require.NoError(t, err)

	moved, err := f.svc.Reschedule(ctx, a.ID, "2025-01-16", "10:00", "citizen")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-16", moved.Date)
	assert.Equal(t, "10:00", moved.Time)
	assert.Equal(t, appointment.StatusPending, moved.Status)

	last := moved.StatusHistory[len(moved.StatusHistory)-1]
	assert.Equal(t, map[string]string{
		appointment.MetaOldDate: "2025-01-15",
		appointment.MetaNewDate: "2025-01-16",
		appointment.MetaOldTime: "09:00",
		appointment.MetaNewTime: "10:00",
	}, last.Metadata)

	_, err = f.svc.Reschedule(ctx, a.ID, "2025-01-16", "10:00", "citizen")
	assert.ErrorIs(t, err, ErrSameSlot)

	_, err = f.svc.Book(ctx, bookRequest("222", "2025-01-15", "09:00"))
	assert.NoError(t, err, "the old slot is free again")

	_, err = f.svc.Reschedule(ctx, a.ID, "2025-01-15", "09:00", "citizen")
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	assert.Equal(t, events.ActionRescheduled, f.publisher.events[1].Action)
}

func TestRescheduleLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Book(ctx, bookRequest("111", "2025-01-15", "08:00"))
	require.NoError(t, err)

	for _, clock := range []string{"09:00", "10:00", "11:00"} {
		_, err := f.svc.Reschedule(ctx, a.ID, "2025-01-15", clock, "citizen")
		require.NoError(t, err)
	}

	_, err = f.svc.Reschedule(ctx, a.ID, "2025-01-15", "08:00", "citizen")
	assert.ErrorIs(t, err, ErrRescheduleBlocked)

	limits, err := f.svc.IdentityLimits(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, 3, limits.Reschedules)
	assert.True(t, limits.RescheduleBlocked)
	assert.False(t, limits.CancellationBlocked)
}

func TestRescheduleInactiveAppointment(t *testing.T) {
	c := cancelledAppointment("111", 1)
	f := newFixture(t, c)

	_, err := f.svc.Reschedule(context.Background(), c.ID, "2025-01-15", "09:00", "citizen")
	assert.ErrorIs(t, err, ErrNotReschedulable)

	_, err = f.svc.Reschedule(context.Background(), uuid.New(), "2025-01-15", "09:00", "citizen")
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Book(ctx, bookRequest("111", "2025-01-15", "09:00"))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, CancelRequest{ID: a.ID, Reason: "mudei de ideia"})
	assert.ErrorIs(t, err, ErrCancellationCategoryRequired)

	cancelled, err := f.svc.Cancel(ctx, CancelRequest{
		ID: a.ID, Category: appointment.CategoryCitizenRequest, Reason: "mudei de ideia", ChangedBy: "citizen",
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, cancelled.Status)
	last := cancelled.StatusHistory[len(cancelled.StatusHistory)-1]
	assert.Equal(t, "citizen-request", last.Metadata[appointment.MetaCancellationCategory])

	_, err = f.svc.Cancel(ctx, CancelRequest{ID: a.ID, Category: appointment.CategoryOther})
	assert.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)

	_, err = f.svc.Book(ctx, bookRequest("222", "2025-01-15", "09:00"))
	assert.NoError(t, err, "cancelled bookings free their slot")
}

func TestCancelLimitAppliesToCitizensOnly(t *testing.T) {
	f := newFixture(t,
		cancelledAppointment("999", 1),
		cancelledAppointment("999", 2),
		cancelledAppointment("999", 4),
	)
	active := appointment.Appointment{
		ID: uuid.New(), Identity: "999", LocationID: "centro",
		Date: "2025-01-15", Time: "09:00", Status: appointment.StatusConfirmed,
	}
	require.NoError(t, f.store.Update(context.Background(), func(cur []appointment.Appointment) []appointment.Appointment {
		return append(cur, active)
	}))

	_, err := f.svc.Cancel(context.Background(), CancelRequest{ID: active.ID, Category: appointment.CategoryCitizenRequest, ChangedBy: "citizen"})
	assert.ErrorIs(t, err, ErrCancellationBlocked)

	got, err := f.svc.Cancel(context.Background(), CancelRequest{
		ID: active.ID, Category: appointment.CategoryNoShow, ChangedBy: "atendente", Staff: true,
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, got.Status)
}

func TestChangeStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Book(ctx, bookRequest("111", "2025-01-15", "09:00"))
	require.NoError(t, err)

	_, err = f.svc.ChangeStatus(ctx, a.ID, appointment.StatusCompleted, "", "staff")
	assert.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)

	_, err = f.svc.ChangeStatus(ctx, a.ID, appointment.StatusCancelled, "", "staff")
	assert.ErrorIs(t, err, ErrCancellationCategoryRequired)

	_, err = f.svc.ChangeStatus(ctx, a.ID, "archived", "", "staff")
	assert.ErrorIs(t, err, appointment.ErrInvalidStatusTransition)

	steps := []appointment.Status{
		appointment.StatusConfirmed,
		appointment.StatusCompleted,
		appointment.StatusAwaitingIssuance,
		appointment.StatusDocumentReady,
	}
	var last *appointment.Appointment
	for _, to := range steps {
		last, err = f.svc.ChangeStatus(ctx, a.ID, to, "", "staff")
		require.NoError(t, err, to)
	}

	require.NotNil(t, last.CompletedAt)
	require.NotNil(t, last.ReadyAt)
	assert.True(t, last.ReadyAt.Equal(testNow))
	assert.Len(t, last.StatusHistory, 5)

	stored, err := f.store.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusDocumentReady, stored.Status)
}

// interleavedStore runs before once, ahead of the next MutateAppointment, to
// stand in for a writer that lands between the service's read and its write.
type interleavedStore struct {
	*appointment.MemoryStore
	before func()
}

func (s *interleavedStore) MutateAppointment(ctx context.Context, id uuid.UUID, fn appointment.Mutator) (*appointment.Appointment, error) {
	if before := s.before; before != nil {
		s.before = nil
		before()
	}
	return s.MemoryStore.MutateAppointment(ctx, id, fn)
}

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNotifier) SendReminder(context.Context, appointment.Appointment, reminder.Config, reminder.Place, reminder.OffsetInfo) (reminder.Delivery, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return reminder.Delivery{Success: true, EmailSent: true}, nil
}

func (n *countingNotifier) SendReadyForPickup(context.Context, appointment.Appointment, reminder.Config, reminder.Place) (reminder.Delivery, error) {
	return reminder.Delivery{Success: true}, nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type nopAudit struct{}

func (nopAudit) Append(context.Context, reminder.AuditEntry) {}

func TestCancelDuringRescheduleWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Book(ctx, bookRequest("111", "2025-01-15", "09:00"))
	require.NoError(t, err)

	store := &interleavedStore{MemoryStore: f.store}
	svc := NewService(store, f.locker, f.publisher, DefaultPolicies(), brt, zerolog.Nop(),
		WithClock(func() time.Time { return testNow }))
	store.before = func() {
		_, err := svc.Cancel(ctx, CancelRequest{
			ID:        a.ID,
			Category:  appointment.CategoryCitizenRequest,
			Reason:    "desistiu",
			ChangedBy: "staff",
			Staff:     true,
		})
		require.NoError(t, err)
	}

	_, err = svc.Reschedule(ctx, a.ID, "2025-01-16", "10:00", "citizen")
	assert.ErrorIs(t, err, ErrNotReschedulable)

	got, err := f.store.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, got.Status)
	assert.Equal(t, "2025-01-15", got.Date)
	assert.Equal(t, "09:00", got.Time)
	assert.Equal(t, appointment.StatusCancelled, got.StatusHistory[len(got.StatusHistory)-1].To)
}

func TestChangeStatusKeepsReminderStateFromConcurrentSweep(t *testing.T) {
	a := appointment.Appointment{
		ID:         uuid.New(),
		Identity:   "12345678909",
		Email:      "maria@example.com",
		LocationID: "centro",
		Date:       "2025-01-11",
		Time:       "09:30",
		Status:     appointment.StatusPending,
		StatusHistory: []appointment.StatusChange{{
			To:        appointment.StatusPending,
			ChangedAt: testNow.Add(-time.Hour),
		}},
	}
	f := newFixture(t, a)
	ctx := context.Background()

	cfg := reminder.Config{OffsetsDays: []int{1}, EmailEnabled: true, Location: brt}
	notifier := &countingNotifier{}
	first := reminder.New(f.store, notifier, nopAudit{}, cfg, zerolog.Nop(),
		reminder.WithClock(func() time.Time { return testNow }))

	store := &interleavedStore{MemoryStore: f.store}
	svc := NewService(store, f.locker, f.publisher, DefaultPolicies(), brt, zerolog.Nop(),
		WithClock(func() time.Time { return testNow }))
	store.before = func() {
		report, err := first.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Sent)
	}

	updated, err := svc.ChangeStatus(ctx, a.ID, appointment.StatusConfirmed, "", "staff")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, updated.ReminderSentOffsets)

	got, err := f.store.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
	assert.Equal(t, []int{1}, got.ReminderSentOffsets)

	second := reminder.New(f.store, notifier, nopAudit{}, cfg, zerolog.Nop(),
		reminder.WithClock(func() time.Time { return testNow.Add(10 * time.Minute) }))
	report, err := second.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Equal(t, 1, notifier.count(), "no second reminder")
}

func TestIdentityLimits(t *testing.T) {
	f := newFixture(t,
		cancelledAppointment("321", 1),
		cancelledAppointment("321", 10),
	)

	limits, err := f.svc.IdentityLimits(context.Background(), "3-2-1")
	require.NoError(t, err)
	assert.Equal(t, Limits{
		Identity:          "321",
		WindowDays:        7,
		RescheduleLimit:   3,
		Cancellations:     1,
		CancellationLimit: 3,
	}, limits)

	_, err = f.svc.IdentityLimits(context.Background(), "")
	assert.ErrorIs(t, err, ErrIdentityRequired)
}

func TestAvailabilityQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Book(ctx, bookRequest("111", "2025-01-15", "09:00"))
	require.NoError(t, err)

	slots, err := f.svc.Slots(ctx, "centro", "2025-01-15", uuid.Nil)
	require.NoError(t, err)
	require.Len(t, slots, 4)
	assert.False(t, slots[1].Available)
	assert.Equal(t, 1, slots[1].Occupancy)

	slots, err = f.svc.Slots(ctx, "centro", "2025-01-15", a.ID)
	require.NoError(t, err)
	assert.True(t, slots[1].Available, "own booking is excluded while rescheduling")

	ok, err := f.svc.DateAvailable(ctx, "centro", "2025-01-15")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.DateAvailable(ctx, "centro", "2025-01-09")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.DateAvailable(ctx, "nowhere", "2025-01-15")
	assert.ErrorIs(t, err, appointment.ErrLocationNotFound)
}
