// Package booking applies citizen and staff actions to appointments. It
// consults the abuse guard at the moment of action, re-checks capacity under
// a per-slot lock and records every mutation in the status history and the
// event log.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/rg-appointment-portal/internal/abuse"
	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	"github.com/hackgods/rg-appointment-portal/internal/availability"
	"github.com/hackgods/rg-appointment-portal/internal/events"
	redisclient "github.com/hackgods/rg-appointment-portal/internal/redis"
)

const (
	EventAppointmentCreated       = "APPOINTMENT_CREATED"
	EventAppointmentRescheduled   = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
)

var (
	ErrRescheduleBlocked            = errors.New("too many recent reschedules for this identity")
	ErrCancellationBlocked          = errors.New("too many recent cancellations for this identity")
	ErrSlotUnavailable              = errors.New("slot is not available")
	ErrSlotBeingBooked              = errors.New("slot is currently being booked, please retry")
	ErrCancellationCategoryRequired = errors.New("cancellation category is required")
	ErrIdentityRequired             = errors.New("identity is required")
	ErrInvalidDateTime              = errors.New("invalid date or time")
	ErrNotReschedulable             = errors.New("appointment can no longer be rescheduled")
	ErrSameSlot                     = errors.New("appointment is already in that slot")
)

// Locker serializes the check-then-create of one slot across API instances.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type Policies struct {
	Reschedule         abuse.Policy
	Cancellation       abuse.Policy
	CancellationFilter appointment.CancellationCategory
}

func DefaultPolicies() Policies {
	return Policies{
		Reschedule:         abuse.DefaultPolicy,
		Cancellation:       abuse.DefaultPolicy,
		CancellationFilter: abuse.FilterAny,
	}
}

type Service struct {
	repo      appointment.Repository
	locker    Locker
	publisher events.Publisher
	policies  Policies
	loc       *time.Location
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo appointment.Repository, locker Locker, publisher events.Publisher, policies Policies, loc *time.Location, logger zerolog.Logger, opts ...Option) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		policies:  policies,
		loc:       loc,
		logger:    logger.With().Str("component", "booking").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().In(s.loc)
}

type BookRequest struct {
	Identity    string
	CitizenName string
	Email       string
	Phone       string
	LocationID  string
	Date        string
	Time        string
}

// Book creates a pending appointment. Identities at the cancellation limit
// cannot book, which stops cancel-and-rebook cycling.
func (s *Service) Book(ctx context.Context, req BookRequest) (*appointment.Appointment, error) {
	identity := appointment.NormalizeIdentity(req.Identity)
	if identity == "" {
		return nil, ErrIdentityRequired
	}
	date, okDate := appointment.NormalizeDate(req.Date)
	clock, okTime := appointment.NormalizeTime(req.Time)
	if !okDate || !okTime {
		return nil, ErrInvalidDateTime
	}

	now := s.clock()

	history, err := s.repo.ListAppointmentsByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("load identity history: %w", err)
	}
	if abuse.IsCancellationBlocked(history, identity, s.policies.CancellationFilter, s.policies.Cancellation, now) {
		return nil, ErrCancellationBlocked
	}

	loc, err := s.repo.GetLocation(ctx, req.LocationID)
	if err != nil {
		return nil, err
	}

	var created *appointment.Appointment

	err = s.locker.WithLock(ctx, redisclient.SlotKey(loc.ID, date, clock), func(lockCtx context.Context) error {
		// re-check inside the critical section
		ok, err := s.slotAvailable(lockCtx, *loc, date, clock, uuid.Nil, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSlotUnavailable
		}

		a := appointment.Appointment{
			Identity:    identity,
			CitizenName: strings.TrimSpace(req.CitizenName),
			Email:       strings.TrimSpace(req.Email),
			Phone:       strings.TrimSpace(req.Phone),
			LocationID:  loc.ID,
			Date:        date,
			Time:        clock,
		}
		a = a.WithStatusChange(appointment.StatusChange{
			To:        appointment.StatusPending,
			ChangedAt: now,
			ChangedBy: "citizen",
			Reason:    "Agendamento criado",
		})

		created, err = s.repo.CreateAppointment(lockCtx, a)
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.logEvent(ctx, created.ID, EventAppointmentCreated, "Agendamento criado", "citizen",
		[]string{"booking"}, map[string]any{
			"location_id": created.LocationID,
			"date":        created.Date,
			"time":        created.Time,
		})
	s.publish(ctx, events.ActionBooked, *created)

	return created, nil
}

// Reschedule moves an active appointment to another slot. The appointment's
// own booking does not count against the new slot's capacity.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newDate, newTime, changedBy string) (*appointment.Appointment, error) {
	date, okDate := appointment.NormalizeDate(newDate)
	clock, okTime := appointment.NormalizeTime(newTime)
	if !okDate || !okTime {
		return nil, ErrInvalidDateTime
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != appointment.StatusPending && appt.Status != appointment.StatusConfirmed {
		return nil, ErrNotReschedulable
	}
	if appt.Date == date && appt.Time == clock {
		return nil, ErrSameSlot
	}

	now := s.clock()

	history, err := s.repo.ListAppointmentsByIdentity(ctx, appt.Identity)
	if err != nil {
		return nil, fmt.Errorf("load identity history: %w", err)
	}
	if abuse.IsRescheduleBlocked(history, appt.Identity, s.policies.Reschedule, now) {
		return nil, ErrRescheduleBlocked
	}

	loc, err := s.repo.GetLocation(ctx, appt.LocationID)
	if err != nil {
		return nil, err
	}

	var (
		updated          appointment.Appointment
		oldDate, oldTime string
	)

	err = s.locker.WithLock(ctx, redisclient.SlotKey(loc.ID, date, clock), func(lockCtx context.Context) error {
		ok, err := s.slotAvailable(lockCtx, *loc, date, clock, appt.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSlotUnavailable
		}

		saved, err := s.repo.MutateAppointment(lockCtx, appt.ID, func(cur appointment.Appointment) (appointment.Appointment, error) {
			if cur.Status != appointment.StatusPending && cur.Status != appointment.StatusConfirmed {
				return cur, ErrNotReschedulable
			}
			if cur.Date == date && cur.Time == clock {
				return cur, ErrSameSlot
			}
			oldDate, oldTime = cur.Date, cur.Time
			next := cur.WithStatusChange(appointment.StatusChange{
				From:      cur.Status,
				To:        cur.Status,
				ChangedAt: now,
				ChangedBy: changedBy,
				Reason:    "Reagendamento",
				Metadata: map[string]string{
					appointment.MetaOldDate: cur.Date,
					appointment.MetaNewDate: date,
					appointment.MetaOldTime: cur.Time,
					appointment.MetaNewTime: clock,
				},
			})
			next.Date, next.Time = date, clock
			return next, nil
		})
		if err != nil {
			return err
		}
		updated = *saved
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentRescheduled,
		fmt.Sprintf("Reagendado de %s %s para %s %s", oldDate, oldTime, date, clock), changedBy,
		[]string{"booking", "reschedule"}, map[string]any{
			"old_date": oldDate, "new_date": date,
			"old_time": oldTime, "new_time": clock,
		})
	s.publish(ctx, events.ActionRescheduled, updated)

	return &updated, nil
}

type CancelRequest struct {
	ID        uuid.UUID
	Category  appointment.CancellationCategory
	Reason    string
	ChangedBy string
	// Staff cancellations are not subject to the cancellation limit.
	Staff bool
}

func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*appointment.Appointment, error) {
	if !req.Category.Valid() {
		return nil, ErrCancellationCategoryRequired
	}

	appt, err := s.repo.GetAppointmentByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if !appointment.CanTransition(appt.Status, appointment.StatusCancelled) {
		return nil, appointment.ErrInvalidStatusTransition
	}

	now := s.clock()

	if !req.Staff {
		history, err := s.repo.ListAppointmentsByIdentity(ctx, appt.Identity)
		if err != nil {
			return nil, fmt.Errorf("load identity history: %w", err)
		}
		if abuse.IsCancellationBlocked(history, appt.Identity, s.policies.CancellationFilter, s.policies.Cancellation, now) {
			return nil, ErrCancellationBlocked
		}
	}

	updated, err := s.repo.MutateAppointment(ctx, appt.ID, func(cur appointment.Appointment) (appointment.Appointment, error) {
		if !appointment.CanTransition(cur.Status, appointment.StatusCancelled) {
			return cur, appointment.ErrInvalidStatusTransition
		}
		return cur.WithStatusChange(appointment.StatusChange{
			From:      cur.Status,
			To:        appointment.StatusCancelled,
			ChangedAt: now,
			ChangedBy: req.ChangedBy,
			Reason:    req.Reason,
			Metadata: map[string]string{
				appointment.MetaCancellationCategory: string(req.Category),
			},
		}), nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, "Agendamento cancelado: "+req.Reason, req.ChangedBy,
		[]string{"booking", "cancellation", string(req.Category)}, map[string]any{
			"category": req.Category,
			"staff":    req.Staff,
		})
	s.publish(ctx, events.ActionCancelled, *updated)

	return updated, nil
}

// ChangeStatus performs a staff lifecycle transition other than cancellation.
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, to appointment.Status, reason, changedBy string) (*appointment.Appointment, error) {
	if to == appointment.StatusCancelled {
		return nil, ErrCancellationCategoryRequired
	}
	if !to.Valid() {
		return nil, appointment.ErrInvalidStatusTransition
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appointment.CanTransition(appt.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", appointment.ErrInvalidStatusTransition, appt.Status, to)
	}

	now := s.clock()
	var from appointment.Status
	updated, err := s.repo.MutateAppointment(ctx, appt.ID, func(cur appointment.Appointment) (appointment.Appointment, error) {
		if !appointment.CanTransition(cur.Status, to) {
			return cur, fmt.Errorf("%w: %s -> %s", appointment.ErrInvalidStatusTransition, cur.Status, to)
		}
		from = cur.Status
		next := cur.WithStatusChange(appointment.StatusChange{
			From:      cur.Status,
			To:        to,
			ChangedAt: now,
			ChangedBy: changedBy,
			Reason:    reason,
		})
		switch to {
		case appointment.StatusCompleted:
			next.CompletedAt = &now
		case appointment.StatusDocumentReady:
			next.ReadyAt = &now
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentStatusChanged,
		fmt.Sprintf("Status alterado de %s para %s", from, to), changedBy,
		[]string{"status"}, map[string]any{"from": from, "to": to})
	s.publish(ctx, events.ActionStatusChanged, *updated)

	return updated, nil
}

// Limits is what the booking UI shows before letting a citizen act.
type Limits struct {
	Identity            string `json:"identity"`
	WindowDays          int    `json:"window_days"`
	Reschedules         int    `json:"reschedules"`
	RescheduleLimit     int    `json:"reschedule_limit"`
	RescheduleBlocked   bool   `json:"reschedule_blocked"`
	Cancellations       int    `json:"cancellations"`
	CancellationLimit   int    `json:"cancellation_limit"`
	CancellationBlocked bool   `json:"cancellation_blocked"`
}

func (s *Service) IdentityLimits(ctx context.Context, identity string) (Limits, error) {
	key := appointment.NormalizeIdentity(identity)
	if key == "" {
		return Limits{}, ErrIdentityRequired
	}

	history, err := s.repo.ListAppointmentsByIdentity(ctx, key)
	if err != nil {
		return Limits{}, fmt.Errorf("load identity history: %w", err)
	}

	now := s.clock()
	p := s.policies
	return Limits{
		Identity:            key,
		WindowDays:          p.Cancellation.Normalized().WindowDays,
		Reschedules:         abuse.CountRecentReschedules(history, key, p.Reschedule, now),
		RescheduleLimit:     p.Reschedule.Normalized().Limit,
		RescheduleBlocked:   abuse.IsRescheduleBlocked(history, key, p.Reschedule, now),
		Cancellations:       abuse.CountRecentCancellations(history, key, p.CancellationFilter, p.Cancellation, now),
		CancellationLimit:   p.Cancellation.Normalized().Limit,
		CancellationBlocked: abuse.IsCancellationBlocked(history, key, p.CancellationFilter, p.Cancellation, now),
	}, nil
}

// DateAvailable answers the date picker for one location.
func (s *Service) DateAvailable(ctx context.Context, locationID, date string) (bool, error) {
	req, err := s.request(ctx, locationID, date, uuid.Nil)
	if err != nil {
		return false, err
	}
	return availability.DateAvailable(req), nil
}

// Slots answers the time picker; exclude is the appointment being rescheduled.
func (s *Service) Slots(ctx context.Context, locationID, date string, exclude uuid.UUID) ([]availability.TimeSlot, error) {
	req, err := s.request(ctx, locationID, date, exclude)
	if err != nil {
		return nil, err
	}
	return availability.Slots(req), nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

func (s *Service) ListLocations(ctx context.Context) ([]appointment.Location, error) {
	return s.repo.ListLocations(ctx)
}

func (s *Service) request(ctx context.Context, locationID, date string, exclude uuid.UUID) (availability.Request, error) {
	loc, err := s.repo.GetLocation(ctx, locationID)
	if err != nil {
		return availability.Request{}, err
	}
	norm, ok := appointment.NormalizeDate(date)
	if !ok {
		norm = date
	}
	blocked, err := s.repo.ListBlockedDates(ctx, norm)
	if err != nil {
		return availability.Request{}, fmt.Errorf("load blocked dates: %w", err)
	}
	appts, err := s.repo.ListAppointmentsOn(ctx, loc.ID, norm)
	if err != nil {
		return availability.Request{}, fmt.Errorf("load appointments: %w", err)
	}

	req := availability.ForLocation(*loc, date, appointment.Snapshot{Appointments: appts, BlockedDates: blocked}, s.clock())
	req.Exclude = exclude
	return req, nil
}

func (s *Service) slotAvailable(ctx context.Context, loc appointment.Location, date, clock string, exclude uuid.UUID, now time.Time) (bool, error) {
	blocked, err := s.repo.ListBlockedDates(ctx, date)
	if err != nil {
		return false, fmt.Errorf("load blocked dates: %w", err)
	}
	appts, err := s.repo.ListAppointmentsOn(ctx, loc.ID, date)
	if err != nil {
		return false, fmt.Errorf("load appointments: %w", err)
	}

	req := availability.ForLocation(loc, date, appointment.Snapshot{Appointments: appts, BlockedDates: blocked}, now)
	req.Exclude = exclude
	return availability.SlotAvailable(req, clock), nil
}

func (s *Service) publish(ctx context.Context, action events.Action, a appointment.Appointment) {
	ev := events.AppointmentChanged{
		AppointmentID: a.ID,
		Action:        action,
		LocationID:    a.LocationID,
		Date:          a.Date,
		Time:          a.Time,
		Status:        string(a.Status),
		OccurredAt:    s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("appointment", a.ID.String()).Str("action", string(action)).Msg("failed to publish appointment event")
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType, description, performedBy string, tags []string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := appointment.EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Description:   description,
		PerformedBy:   performedBy,
		Tags:          tags,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Str("appointment", appointmentID.String()).Msg("failed to insert event log")
	}
}
