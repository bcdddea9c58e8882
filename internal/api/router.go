package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	"github.com/hackgods/rg-appointment-portal/internal/availability"
	"github.com/hackgods/rg-appointment-portal/internal/booking"
)

// BookingService is the part of booking.Service the HTTP layer drives.
type BookingService interface {
	ListLocations(ctx context.Context) ([]appointment.Location, error)
	DateAvailable(ctx context.Context, locationID, date string) (bool, error)
	Slots(ctx context.Context, locationID, date string, exclude uuid.UUID) ([]availability.TimeSlot, error)
	IdentityLimits(ctx context.Context, identity string) (booking.Limits, error)

	Book(ctx context.Context, req booking.BookRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, newDate, newTime, changedBy string) (*appointment.Appointment, error)
	Cancel(ctx context.Context, req booking.CancelRequest) (*appointment.Appointment, error)
	ChangeStatus(ctx context.Context, id uuid.UUID, to appointment.Status, reason, changedBy string) (*appointment.Appointment, error)
}

type RouterConfig struct {
	Service  BookingService
	Postgres Pinger
	Redis    Pinger
	Logger   zerolog.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/locations", listLocationsHandler(cfg.Service))
	r.Get("/locations/{id}/availability", dateAvailabilityHandler(cfg.Service))
	r.Get("/locations/{id}/slots", slotsHandler(cfg.Service))

	r.Get("/identities/{identity}/limits", identityLimitsHandler(cfg.Service))

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(cfg.Service))
		r.Get("/{id}", getAppointmentHandler(cfg.Service))
		r.Post("/{id}/reschedule", rescheduleHandler(cfg.Service))
		r.Post("/{id}/cancel", cancelHandler(cfg.Service))
		r.Post("/{id}/status", changeStatusHandler(cfg.Service))
	})

	return r
}
