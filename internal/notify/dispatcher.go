// Package notify renders citizen notifications and hands them to the email
// and messaging senders.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	"github.com/hackgods/rg-appointment-portal/internal/reminder"
)

var (
	ErrNoEmail = errors.New("appointment has no email address")
	ErrNoPhone = errors.New("appointment has no phone number")
)

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type MessageSender interface {
	SendMessage(ctx context.Context, phone, body string) error
}

// Dispatcher implements reminder.Notifier.
type Dispatcher struct {
	email     EmailSender
	messaging MessageSender
	logger    zerolog.Logger
}

func NewDispatcher(email EmailSender, messaging MessageSender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		email:     email,
		messaging: messaging,
		logger:    logger.With().Str("component", "notify").Logger(),
	}
}

func (d *Dispatcher) SendReminder(ctx context.Context, a appointment.Appointment, cfg reminder.Config, place reminder.Place, offset reminder.OffsetInfo) (reminder.Delivery, error) {
	tmpl := cfg.MessageTemplate
	if tmpl == "" {
		tmpl = DefaultReminderTemplate
	}
	body := Render(tmpl, reminderVars(a, place, offset))
	return d.deliver(ctx, a, cfg, SubjectReminder, body)
}

func (d *Dispatcher) SendReadyForPickup(ctx context.Context, a appointment.Appointment, cfg reminder.Config, place reminder.Place) (reminder.Delivery, error) {
	body := Render(DefaultReadyTemplate, baseVars(a, place))
	return d.deliver(ctx, a, cfg, SubjectReady, body)
}

// deliver tries every enabled channel independently. The returned error joins
// the failures of the channels that did not go through.
func (d *Dispatcher) deliver(ctx context.Context, a appointment.Appointment, cfg reminder.Config, subject, body string) (reminder.Delivery, error) {
	var (
		res  reminder.Delivery
		errs []error
	)

	if cfg.EmailEnabled && d.email != nil {
		switch {
		case a.Email == "":
			errs = append(errs, ErrNoEmail)
		default:
			if err := d.email.SendEmail(ctx, a.Email, subject, body); err != nil {
				errs = append(errs, fmt.Errorf("email: %w", err))
			} else {
				res.EmailSent = true
			}
		}
	}

	if cfg.MessagingEnabled && d.messaging != nil {
		switch {
		case a.Phone == "":
			errs = append(errs, ErrNoPhone)
		default:
			if err := d.messaging.SendMessage(ctx, a.Phone, body); err != nil {
				errs = append(errs, fmt.Errorf("messaging: %w", err))
			} else {
				res.MessagingSent = true
			}
		}
	}

	res.Success = res.EmailSent || res.MessagingSent
	err := errors.Join(errs...)
	if err != nil {
		d.logger.Warn().Err(err).Str("appointment", a.ID.String()).Bool("success", res.Success).Msg("channel delivery failed")
	}
	return res, err
}
