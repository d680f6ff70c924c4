// Package appointment defines the validated booking request, the committed
// appointment record, and the parser that turns raw tool-call arguments into
// a Request. Parsing is pure: all inputs, including the clock, are arguments.
package appointment

import (
	"fmt"
	"time"
)

// Request is a validated appointment. Immutable once produced by ParseRequest;
// Date and Time are canonical ("2006-01-02" and "15:04").
type Request struct {
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Email           string `json:"email"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	Purpose         string `json:"purpose"`
	Timezone        string `json:"timezone"`
	DurationMinutes int    `json:"duration_minutes"`
}

// StartsAt resolves the wall-clock start of the appointment in its own
// timezone.
func (r Request) StartsAt() (time.Time, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", r.Timezone, err)
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", r.Date+" "+r.Time, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse start %q %q: %w", r.Date, r.Time, err)
	}
	return start, nil
}

// EndsAt is StartsAt plus the appointment duration.
func (r Request) EndsAt() (time.Time, error) {
	start, err := r.StartsAt()
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(time.Duration(r.DurationMinutes) * time.Minute), nil
}

// Record is a committed appointment. At most one non-rejected Record exists
// per call, no matter how many booking attempts the assistant issues.
type Record struct {
	ID               string    `json:"id"`
	CallID           string    `json:"call_id"`
	Request          Request   `json:"request"`
	CalendarEventID  string    `json:"calendar_event_id"`
	ConfirmationLink string    `json:"confirmation_link,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
