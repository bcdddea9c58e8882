// Package events carries appointment-changed notifications between the API
// and the reminder worker over RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionBooked        Action = "booked"
	ActionRescheduled   Action = "rescheduled"
	ActionCancelled     Action = "cancelled"
	ActionStatusChanged Action = "status_changed"
)

const appointmentRoutingPrefix = "appointment."

// AppointmentChanged is published after every committed appointment mutation.
type AppointmentChanged struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Action        Action    `json:"action"`
	LocationID    string    `json:"location_id"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (e AppointmentChanged) RoutingKey() string {
	return appointmentRoutingPrefix + string(e.Action)
}

type Publisher interface {
	Publish(ctx context.Context, ev AppointmentChanged) error
}

// NopPublisher drops every event; used when RabbitMQ is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, AppointmentChanged) error { return nil }

func decode(body []byte) (AppointmentChanged, error) {
	var ev AppointmentChanged
	if err := json.Unmarshal(body, &ev); err != nil {
		return AppointmentChanged{}, fmt.Errorf("decode appointment event: %w", err)
	}
	if ev.AppointmentID == uuid.Nil {
		return AppointmentChanged{}, fmt.Errorf("decode appointment event: missing appointment_id")
	}
	return ev, nil
}
