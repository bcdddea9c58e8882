package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a copy-on-write Repository. Readers get the current snapshot
// without locking writers out; writes are serialized and publish a new slice.
type MemoryStore struct {
	mu        sync.Mutex // serializes writers
	snapshot  Snapshot
	readGuard sync.RWMutex
	now       func() time.Time

	eventsMu sync.Mutex
	events   []EventLog
}

func NewMemoryStore(s Snapshot) *MemoryStore {
	return &MemoryStore{snapshot: cloneSnapshot(s), now: time.Now}
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{
		Appointments: make([]Appointment, len(s.Appointments)),
		Locations:    append([]Location(nil), s.Locations...),
		BlockedDates: append([]BlockedDate(nil), s.BlockedDates...),
	}
	for i, a := range s.Appointments {
		out.Appointments[i] = a.Clone()
	}
	return out
}

func (m *MemoryStore) current() Snapshot {
	m.readGuard.RLock()
	defer m.readGuard.RUnlock()
	return m.snapshot
}

func (m *MemoryStore) publish(s Snapshot) {
	m.readGuard.Lock()
	m.snapshot = s
	m.readGuard.Unlock()
}

func (m *MemoryStore) GetLocation(_ context.Context, id string) (*Location, error) {
	l, ok := m.current().Location(id)
	if !ok {
		return nil, ErrLocationNotFound
	}
	return &l, nil
}

func (m *MemoryStore) ListLocations(_ context.Context) ([]Location, error) {
	return append([]Location(nil), m.current().Locations...), nil
}

func (m *MemoryStore) ListBlockedDates(_ context.Context, date string) ([]BlockedDate, error) {
	var result []BlockedDate
	for _, b := range m.current().BlockedDates {
		if date == "" || b.Date == date {
			result = append(result, b)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	for _, a := range m.current().Appointments {
		if a.ID == id {
			c := a.Clone()
			return &c, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *MemoryStore) ListAppointmentsOn(_ context.Context, locationID, date string) ([]Appointment, error) {
	var result []Appointment
	for _, a := range m.current().Appointments {
		if a.LocationID == locationID && a.Date == date {
			result = append(result, a.Clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAppointmentsByIdentity(_ context.Context, identity string) ([]Appointment, error) {
	key := NormalizeIdentity(identity)
	var result []Appointment
	for _, a := range m.current().Appointments {
		if NormalizeIdentity(a.Identity) == key {
			result = append(result, a.Clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Identity = NormalizeIdentity(a.Identity)
	now := m.now()
	a.CreatedAt, a.UpdatedAt = now, now

	err := m.Update(ctx, func(current []Appointment) []Appointment {
		return append(current, a.Clone())
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// MutateAppointment runs fn against the stored appointment while holding the
// writer lock, so it always sees the latest state.
func (m *MemoryStore) MutateAppointment(_ context.Context, id uuid.UUID, fn Mutator) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current()
	idx := -1
	for i, a := range cur.Appointments {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrAppointmentNotFound
	}

	stored := cur.Appointments[idx]
	next, err := fn(stored.Clone())
	if err != nil {
		return nil, err
	}
	merged := MergeBooking(stored, next)

	appts := make([]Appointment, len(cur.Appointments))
	copy(appts, cur.Appointments)
	appts[idx] = merged
	m.publishAppointments(cur, appts)

	out := merged.Clone()
	return &out, nil
}

func (m *MemoryStore) Snapshot(_ context.Context) (Snapshot, error) {
	return cloneSnapshot(m.current()), nil
}

// Update hands fn a private copy of the collection, or of the appointments
// named by ids, and publishes its result.
func (m *MemoryStore) Update(_ context.Context, fn Updater, ids ...uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	cur := m.current()
	var work, untouched []Appointment
	for _, a := range cur.Appointments {
		if len(want) > 0 && !want[a.ID] {
			untouched = append(untouched, a)
			continue
		}
		work = append(work, a.Clone())
	}

	next := fn(work)
	appts := untouched
	for _, a := range next {
		appts = append(appts, a.Clone())
	}
	m.publishAppointments(cur, appts)
	return nil
}

func (m *MemoryStore) publishAppointments(cur Snapshot, appts []Appointment) {
	sort.SliceStable(appts, func(i, j int) bool {
		a, b := appts[i], appts[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.Time < b.Time
	})
	m.publish(Snapshot{
		Appointments: appts,
		Locations:    cur.Locations,
		BlockedDates: cur.BlockedDates,
	})
}

// PutBlockedDate adds a block, standing in for the staff tooling that owns them.
func (m *MemoryStore) PutBlockedDate(b BlockedDate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.current()
	next := cur
	next.BlockedDates = append(append([]BlockedDate(nil), cur.BlockedDates...), b)
	m.publish(next)
}

func (m *MemoryStore) InsertEvent(_ context.Context, ev EventLog) error {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded audit events.
func (m *MemoryStore) Events() []EventLog {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	return append([]EventLog(nil), m.events...)
}
