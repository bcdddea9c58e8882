package appointment

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrLocationNotFound    = errors.New("location not found")
)

// Updater maps the current appointment collection to the next one. It must
// not mutate current.
type Updater func(current []Appointment) []Appointment

// Mutator derives the next state of one appointment from its current stored
// state. Returning an error aborts the write.
type Mutator func(current Appointment) (Appointment, error)

// Repository contains all storage interactions needed by booking and reminders.
type Repository interface {
	GetLocation(ctx context.Context, id string) (*Location, error)
	ListLocations(ctx context.Context) ([]Location, error)
	ListBlockedDates(ctx context.Context, date string) ([]BlockedDate, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointmentsOn(ctx context.Context, locationID, date string) ([]Appointment, error)
	ListAppointmentsByIdentity(ctx context.Context, identity string) ([]Appointment, error)

	// Creation and updates
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	// MutateAppointment applies fn to the stored row while holding it, then
	// writes back the booking-owned fields only (see MergeBooking).
	MutateAppointment(ctx context.Context, id uuid.UUID, fn Mutator) (*Appointment, error)

	// Snapshot and Update back the reminder scheduler. With ids, Update reads
	// and holds only those appointments and fn sees only them.
	Snapshot(ctx context.Context) (Snapshot, error)
	Update(ctx context.Context, fn Updater, ids ...uuid.UUID) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

// NormalizeIdentity strips punctuation from a document number so "123.456.789-09"
// and "12345678909" correlate.
func NormalizeIdentity(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// changed reports whether next carries state that must be written back.
func changed(cur, next Appointment) bool {
	if cur.Status != next.Status || cur.Date != next.Date || cur.Time != next.Time {
		return true
	}
	if len(cur.StatusHistory) != len(next.StatusHistory) {
		return true
	}
	if len(cur.ReminderSentOffsets) != len(next.ReminderSentOffsets) {
		return true
	}
	return cur.ReadyRemindersSent != next.ReadyRemindersSent
}

// MergeBooking returns cur carrying the booking-owned fields of next and any
// history entries appended to it. Reminder state always comes from cur.
func MergeBooking(cur, next Appointment) Appointment {
	out := cur.Clone()
	out.Date = next.Date
	out.Time = next.Time
	out.Status = next.Status
	out.CompletedAt = next.CompletedAt
	out.ReadyAt = next.ReadyAt
	out.UpdatedAt = next.UpdatedAt
	if n := len(cur.StatusHistory); len(next.StatusHistory) > n {
		added := next.Clone().StatusHistory[n:]
		out.StatusHistory = append(out.StatusHistory, added...)
	}
	return out
}
