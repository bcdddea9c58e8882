package reminder

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
)

// EventRecorder is the event_logs side of appointment.Repository.
type EventRecorder interface {
	InsertEvent(ctx context.Context, ev appointment.EventLog) error
}

// EventAudit writes audit entries to the event log. Failures are logged and
// never reach the sweep.
type EventAudit struct {
	events EventRecorder
	logger zerolog.Logger
}

func NewEventAudit(events EventRecorder, logger zerolog.Logger) *EventAudit {
	return &EventAudit{events: events, logger: logger}
}

func (a *EventAudit) Append(ctx context.Context, entry AuditEntry) {
	payload, err := json.Marshal(entry.Metadata)
	if err != nil {
		a.logger.Error().Err(err).Str("action", entry.Action).Msg("failed to encode audit metadata")
		payload = nil
	}

	id := entry.TargetID
	ev := appointment.EventLog{
		EventType:     entry.Action,
		AppointmentID: &id,
		Description:   entry.Description,
		PerformedBy:   entry.PerformedBy,
		Tags:          entry.Tags,
		Payload:       payload,
	}
	if err := a.events.InsertEvent(ctx, ev); err != nil {
		a.logger.Error().Err(err).Str("action", entry.Action).Str("appointment", id.String()).Msg("failed to write audit event")
	}
}
