package handlers

import (
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/voicedesk/voicedesk/pkg/core/appointment"
	"github.com/voicedesk/voicedesk/pkg/core/booking"
)

// AppointmentsHandler serves GET /appointments: the commit-ordered list of
// booked appointments, optionally filtered to upcoming ones.
type AppointmentsHandler struct {
	Store *booking.Store

	// Now is the clock for the upcoming filter. Defaults to time.Now.
	Now func() time.Time
}

type appointmentDTO struct {
	ID               string    `json:"id"`
	CallID           string    `json:"call_id"`
	Name             string    `json:"name"`
	Phone            string    `json:"phone"`
	Email            string    `json:"email"`
	Date             string    `json:"date"`
	Time             string    `json:"time"`
	Timezone         string    `json:"timezone"`
	DurationMinutes  int       `json:"duration_minutes"`
	Purpose          string    `json:"purpose"`
	CalendarEventID  string    `json:"calendar_event_id"`
	ConfirmationLink string    `json:"confirmation_link,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (h AppointmentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	records := h.Store.List()
	if r.URL.Query().Get("upcoming") == "true" {
		cutoff := now()
		records = lo.Filter(records, func(rec *appointment.Record, _ int) bool {
			start, err := rec.Request.StartsAt()
			return err == nil && start.After(cutoff)
		})
	}

	out := lo.Map(records, func(rec *appointment.Record, _ int) appointmentDTO {
		return appointmentDTO{
			ID:               rec.ID,
			CallID:           rec.CallID,
			Name:             rec.Request.Name,
			Phone:            rec.Request.Phone,
			Email:            rec.Request.Email,
			Date:             rec.Request.Date,
			Time:             rec.Request.Time,
			Timezone:         rec.Request.Timezone,
			DurationMinutes:  rec.Request.DurationMinutes,
			Purpose:          rec.Request.Purpose,
			CalendarEventID:  rec.CalendarEventID,
			ConfirmationLink: rec.ConfirmationLink,
			CreatedAt:        rec.CreatedAt,
		}
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"appointments": out,
		"count":        len(out),
	})
}
