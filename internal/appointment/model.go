package appointment

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusConfirmed         Status = "confirmed"
	StatusCancelled         Status = "cancelled"
	StatusCompleted         Status = "completed"
	StatusAwaitingIssuance  Status = "awaiting-issuance"
	StatusDocumentReady     Status = "document-ready"
	StatusDocumentDelivered Status = "document-delivered"
)

// CancellationCategory tags why an appointment was cancelled.
type CancellationCategory string

const (
	CategoryNoShow         CancellationCategory = "no-show"
	CategoryCitizenRequest CancellationCategory = "citizen-request"
	CategoryStaffAction    CancellationCategory = "staff"
	CategoryOther          CancellationCategory = "other"
)

func (c CancellationCategory) Valid() bool {
	switch c {
	case CategoryNoShow, CategoryCitizenRequest, CategoryStaffAction, CategoryOther:
		return true
	}
	return false
}

// Well known statusHistory metadata keys.
const (
	MetaOldDate              = "oldDate"
	MetaNewDate              = "newDate"
	MetaOldTime              = "oldTime"
	MetaNewTime              = "newTime"
	MetaCancellationCategory = "cancellationCategory"
)

type BlockType string

const (
	BlockFullDay       BlockType = "full-day"
	BlockSpecificTimes BlockType = "specific-times"
)

// StatusChange is one entry of an appointment's append-only history.
type StatusChange struct {
	From      Status
	To        Status
	ChangedAt time.Time
	ChangedBy string
	Reason    string
	Metadata  map[string]string
}

type Appointment struct {
	ID          uuid.UUID
	Identity    string // citizen document number
	CitizenName string
	Email       string
	Phone       string
	LocationID  string
	Date        string // YYYY-MM-DD
	Time        string // HH:MM
	Status      Status

	StatusHistory       []StatusChange
	ReminderSentOffsets []int
	ReadyRemindersSent  int

	CompletedAt *time.Time
	ReadyAt     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasReminderOffset reports whether the reminder for offset days was already dispatched.
func (a Appointment) HasReminderOffset(offset int) bool {
	return slices.Contains(a.ReminderSentOffsets, offset)
}

// WithReminderOffset returns a copy of a with offset recorded. The receiver's
// slices are never shared with the result.
func (a Appointment) WithReminderOffset(offset int) Appointment {
	out := a.Clone()
	if !out.HasReminderOffset(offset) {
		out.ReminderSentOffsets = append(out.ReminderSentOffsets, offset)
	}
	return out
}

// WithStatusChange returns a copy of a with ch appended to the history and the
// status moved to ch.To.
func (a Appointment) WithStatusChange(ch StatusChange) Appointment {
	out := a.Clone()
	out.StatusHistory = append(out.StatusHistory, ch)
	out.Status = ch.To
	out.UpdatedAt = ch.ChangedAt
	return out
}

// Clone deep-copies the slices and maps held by a.
func (a Appointment) Clone() Appointment {
	out := a
	out.ReminderSentOffsets = slices.Clone(a.ReminderSentOffsets)
	if a.StatusHistory != nil {
		out.StatusHistory = make([]StatusChange, len(a.StatusHistory))
		for i, ch := range a.StatusHistory {
			out.StatusHistory[i] = ch
			if ch.Metadata != nil {
				md := make(map[string]string, len(ch.Metadata))
				for k, v := range ch.Metadata {
					md[k] = v
				}
				out.StatusHistory[i].Metadata = md
			}
		}
	}
	return out
}

// StartsAt resolves the appointment's date and time in loc.
func (a Appointment) StartsAt(loc *time.Location) (time.Time, bool) {
	return CombineDateTime(a.Date, a.Time, loc)
}

type BlockedDate struct {
	ID         uuid.UUID
	Date       string
	Type       BlockType
	Times      []string
	LocationID string // empty applies to every location
	Reason     string
}

// AppliesTo reports whether the block covers date at locationID.
func (b BlockedDate) AppliesTo(date, locationID string) bool {
	if b.Date != date {
		return false
	}
	return b.LocationID == "" || b.LocationID == locationID
}

type Location struct {
	ID             string
	Name           string
	Address        string
	MapURL         string
	WorkingHours   []string
	MaxPerSlot     int
	MaxAdvanceDays int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Description   string
	PerformedBy   string
	Tags          []string
	Payload       []byte
	CreatedAt     time.Time
}

// Snapshot is a read-only view of the data the engines work on.
type Snapshot struct {
	Appointments []Appointment
	Locations    []Location
	BlockedDates []BlockedDate
}

// Location returns the location with id, if present in the snapshot.
func (s Snapshot) Location(id string) (Location, bool) {
	for _, l := range s.Locations {
		if l.ID == id {
			return l, true
		}
	}
	return Location{}, false
}
