package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	"github.com/hackgods/rg-appointment-portal/internal/availability"
)

type CreateAppointmentRequest struct {
	Identity    string `json:"identity"`
	CitizenName string `json:"citizen_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	LocationID  string `json:"location_id"`
	Date        string `json:"date"`
	Time        string `json:"time"`
}

type RescheduleRequest struct {
	Date      string `json:"date"`
	Time      string `json:"time"`
	ChangedBy string `json:"changed_by"`
}

type CancelRequest struct {
	Category  string `json:"category"`
	Reason    string `json:"reason"`
	ChangedBy string `json:"changed_by"`
	Staff     bool   `json:"staff"`
}

type StatusRequest struct {
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	ChangedBy string `json:"changed_by"`
}

type StatusChangeResponse struct {
	From      string            `json:"from,omitempty"`
	To        string            `json:"to"`
	ChangedAt time.Time         `json:"changed_at"`
	ChangedBy string            `json:"changed_by,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type AppointmentResponse struct {
	ID                  uuid.UUID              `json:"id"`
	Identity            string                 `json:"identity"`
	CitizenName         string                 `json:"citizen_name"`
	LocationID          string                 `json:"location_id"`
	Date                string                 `json:"date"`
	Time                string                 `json:"time"`
	Status              string                 `json:"status"`
	StatusHistory       []StatusChangeResponse `json:"status_history"`
	ReminderSentOffsets []int                  `json:"reminder_sent_offsets,omitempty"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	ReadyAt             *time.Time             `json:"ready_at,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	history := make([]StatusChangeResponse, 0, len(a.StatusHistory))
	for _, ch := range a.StatusHistory {
		history = append(history, StatusChangeResponse{
			From:      string(ch.From),
			To:        string(ch.To),
			ChangedAt: ch.ChangedAt,
			ChangedBy: ch.ChangedBy,
			Reason:    ch.Reason,
			Metadata:  ch.Metadata,
		})
	}
	return AppointmentResponse{
		ID:                  a.ID,
		Identity:            a.Identity,
		CitizenName:         a.CitizenName,
		LocationID:          a.LocationID,
		Date:                a.Date,
		Time:                a.Time,
		Status:              string(a.Status),
		StatusHistory:       history,
		ReminderSentOffsets: a.ReminderSentOffsets,
		CompletedAt:         a.CompletedAt,
		ReadyAt:             a.ReadyAt,
	}
}

type LocationResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Address        string   `json:"address,omitempty"`
	MapURL         string   `json:"map_url,omitempty"`
	WorkingHours   []string `json:"working_hours"`
	MaxPerSlot     int      `json:"max_per_slot"`
	MaxAdvanceDays int      `json:"max_advance_days"`
}

type AvailabilityResponse struct {
	LocationID string `json:"location_id"`
	Date       string `json:"date"`
	Available  bool   `json:"available"`
}

type SlotsResponse struct {
	LocationID string                  `json:"location_id"`
	Date       string                  `json:"date"`
	Slots      []availability.TimeSlot `json:"slots"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
