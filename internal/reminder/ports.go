package reminder

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
)

// Place describes where the citizen must show up.
type Place struct {
	Name    string
	Address string
	MapURL  string
}

// OffsetInfo tells the Notifier which reminder is being sent.
type OffsetInfo struct {
	Days           int
	HoursRemaining float64
}

// Delivery is the Notifier's report; only the booleans are inspected.
type Delivery struct {
	Success       bool
	EmailSent     bool
	MessagingSent bool
}

// Delivered reports whether at least one channel got the message out.
func (d Delivery) Delivered() bool {
	return d.Success || d.EmailSent || d.MessagingSent
}

// Channels names the channels that succeeded.
func (d Delivery) Channels() []string {
	var ch []string
	if d.EmailSent {
		ch = append(ch, "email")
	}
	if d.MessagingSent {
		ch = append(ch, "messaging")
	}
	return ch
}

type Notifier interface {
	SendReminder(ctx context.Context, a appointment.Appointment, cfg Config, place Place, offset OffsetInfo) (Delivery, error)
	SendReadyForPickup(ctx context.Context, a appointment.Appointment, cfg Config, place Place) (Delivery, error)
}

// Store supplies snapshots and accepts functional updates.
type Store interface {
	Snapshot(ctx context.Context) (appointment.Snapshot, error)
	Update(ctx context.Context, fn appointment.Updater, ids ...uuid.UUID) error
}

// AuditEntry is one fire-and-forget audit record.
type AuditEntry struct {
	Action      string
	Description string
	PerformedBy string
	TargetID    uuid.UUID
	Metadata    map[string]any
	Tags        []string
}

type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry)
}

// AttemptTracker remembers which (appointment, reminder) pairs were already
// handed to the Notifier.
type AttemptTracker interface {
	// Begin returns false when key was attempted before.
	Begin(ctx context.Context, key string) (bool, error)
	// Forget releases key so a later sweep inside the same window may retry.
	Forget(ctx context.Context, key string) error
}

// Locker serializes sweeps across worker instances.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is the non-blocking, user-visible outcome of a dispatch.
type Notice struct {
	Level         NoticeLevel
	AppointmentID uuid.UUID
	Message       string
}

type NoticeSink interface {
	Notice(n Notice)
}
