package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/appointment"
)

// GoogleCalendar commits appointments to the operator's Google Calendar.
// It assumes the OAuth authorization already happened; tokens come from the
// FileTokenStore and refreshed tokens are written back after each call.
type GoogleCalendar struct {
	oauth      *oauth2.Config
	tokens     *FileTokenStore
	calendarID string
	hostEmail  string
	hostName   string

	// clientOpts is appended to the service options; tests use it to point
	// the client at a stub server.
	clientOpts []option.ClientOption
}

// NewGoogleCalendar creates the adapter. calendarID is usually "primary".
func NewGoogleCalendar(oauthCfg *oauth2.Config, tokens *FileTokenStore, calendarID, hostEmail, hostName string, opts ...option.ClientOption) *GoogleCalendar {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &GoogleCalendar{
		oauth:      oauthCfg,
		tokens:     tokens,
		calendarID: calendarID,
		hostEmail:  hostEmail,
		hostName:   hostName,
		clientOpts: opts,
	}
}

// CreateEvent inserts the appointment into the calendar with both attendees
// and invite delivery enabled, and returns the event ID and confirmation
// link.
func (g *GoogleCalendar) CreateEvent(ctx context.Context, req appointment.Request) (CreatedEvent, error) {
	ctx, span := tracer.Start(ctx, "calendar.create_event")
	defer span.End()

	tok, err := g.tokens.Load()
	if err != nil {
		return CreatedEvent{}, core.NewPermanentServiceError("calendar is not connected; complete Google authorization first")
	}

	start, err := req.StartsAt()
	if err != nil {
		return CreatedEvent{}, core.NewPermanentServiceError(fmt.Sprintf("could not resolve appointment start: %v", err))
	}
	end := start.Add(time.Duration(req.DurationMinutes) * time.Minute)

	src := g.oauth.TokenSource(ctx, tok)
	opts := append([]option.ClientOption{option.WithTokenSource(src)}, g.clientOpts...)
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return CreatedEvent{}, core.NewTransientServiceError(fmt.Sprintf("create calendar client: %v", err))
	}

	event := &gcal.Event{
		Summary: fmt.Sprintf("%s with %s", req.Purpose, req.Name),
		Description: fmt.Sprintf(
			"Booked by the voice scheduling assistant.\n\nClient:  %s\nPhone:   %s\nEmail:   %s\nSession: %s",
			req.Name, req.Phone, req.Email, req.Purpose,
		),
		Start: &gcal.EventDateTime{
			DateTime: start.Format(time.RFC3339),
			TimeZone: req.Timezone,
		},
		End: &gcal.EventDateTime{
			DateTime: end.Format(time.RFC3339),
			TimeZone: req.Timezone,
		},
		Attendees: []*gcal.EventAttendee{
			{Email: g.hostEmail, DisplayName: g.hostName, Organizer: true, ResponseStatus: "accepted"},
			{Email: req.Email, DisplayName: req.Name, ResponseStatus: "needsAction"},
		},
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "email", Minutes: 24 * 60},
				{Method: "email", Minutes: 60},
				{Method: "popup", Minutes: 30},
			},
			ForceSendFields: []string{"UseDefault"},
		},
		GuestsCanSeeOtherGuests: googleapi.Bool(false),
	}

	created, err := svc.Events.Insert(g.calendarID, event).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		return CreatedEvent{}, mapGoogleError(err)
	}

	g.persistRefreshedToken(tok, src)

	logger.InfoContext(ctx, "calendar event created",
		"event_id", created.Id, "attendee", req.Email, "start", start.Format(time.RFC3339))

	return CreatedEvent{EventID: created.Id, HTMLLink: created.HtmlLink}, nil
}

// persistRefreshedToken writes back a token the source refreshed during the
// call so the next process start does not need a new authorization.
func (g *GoogleCalendar) persistRefreshedToken(old *oauth2.Token, src oauth2.TokenSource) {
	fresh, err := src.Token()
	if err != nil || fresh.AccessToken == old.AccessToken {
		return
	}
	if err := g.tokens.Save(fresh); err != nil {
		logger.Warn("persist refreshed token", "error", err)
	}
}

// mapGoogleError classifies a Google API failure into the retryable or
// permanent service error the booking retry policy keys on.
func mapGoogleError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return core.NewPermanentServiceError("calendar authorization expired; re-authenticate with Google")
		case gerr.Code == 403:
			return core.NewPermanentServiceError("calendar permission denied")
		case gerr.Code == 409:
			e := core.NewPermanentServiceError("time slot conflict detected")
			e.Code = "slot_conflict"
			return e
		case gerr.Code == 429 || gerr.Code >= 500:
			return core.NewTransientServiceError(fmt.Sprintf("calendar service unavailable (status %d)", gerr.Code))
		default:
			return core.NewPermanentServiceError(fmt.Sprintf("calendar rejected the event (status %d)", gerr.Code))
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTransientServiceError("calendar request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewTransientServiceError("calendar request timed out")
	}

	// Connection resets and other transport failures are worth one more try.
	return core.NewTransientServiceError(fmt.Sprintf("calendar request failed: %v", err))
}
