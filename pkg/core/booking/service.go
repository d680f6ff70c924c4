// Package booking owns the "book once, report once" semantics around the
// calendar provider: validation, per-call single flight, bounded retries, and
// the committed record store.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/appointment"
	"github.com/voicedesk/voicedesk/pkg/core/calendar"
)

// Outcome is the tagged result of a booking attempt. Exactly one field is
// set: Booked with the committed record, Rejected with the validation error,
// or Failed with the service error.
type Outcome struct {
	Booked   *appointment.Record
	Rejected *core.Error
	Failed   *core.Error
}

// IsBooked reports whether the attempt committed (or found) a record.
func (o Outcome) IsBooked() bool { return o.Booked != nil }

// Config holds the booking retry policy.
type Config struct {
	// DefaultTimezone fills absent timezone arguments during validation.
	DefaultTimezone string
	// MaxRetries is the number of additional attempts after the first
	// calendar call fails with a retryable error.
	MaxRetries uint64
	// RetryBase is the initial backoff; it grows exponentially per attempt.
	RetryBase time.Duration
	// Timeout bounds one whole booking including retries. A booking that
	// exceeds it fails permanently rather than stalling the call.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "UTC"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Service books at most one appointment per call. Concurrent attempts for
// the same call share one in-flight calendar write; later attempts return
// the committed record unchanged.
type Service struct {
	provider calendar.Provider
	store    *Store
	cfg      Config

	group singleflight.Group
	now   func() time.Time
	newID func() string
}

// NewService creates a booking service over the given calendar provider.
func NewService(provider calendar.Provider, store *Store, cfg Config) *Service {
	cfg.applyDefaults()
	if store == nil {
		store = NewStore()
	}
	return &Service{
		provider: provider,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		newID:    func() string { return "appt_" + uuid.NewString() },
	}
}

// Store exposes the committed record store for listings.
func (s *Service) Store() *Store { return s.store }

// AttemptBooking validates the raw tool arguments and commits the
// appointment. The invariant: at most one non-rejected record per call, no
// matter how many invocations arrive or how they interleave.
func (s *Service) AttemptBooking(ctx context.Context, callID, invocationID string, args map[string]any) Outcome {
	ctx, span := tracer.Start(ctx, "booking.attempt", trace.WithAttributes(
		attribute.String("call.id", callID),
		attribute.String("invocation.id", invocationID),
	))
	defer span.End()

	if rec, ok := s.store.Get(callID); ok {
		logger.InfoContext(ctx, "booking already committed for call",
			"call_id", callID, "invocation_id", invocationID, "event_id", rec.CalendarEventID)
		return Outcome{Booked: rec}
	}

	req, verr := appointment.ParseRequest(args, s.cfg.DefaultTimezone, s.now())
	if verr != nil {
		return Outcome{Rejected: verr}
	}

	// Single flight per call: a duplicate attempt arriving during the write
	// waits on the first flight's outcome instead of issuing a second write.
	v, _, shared := s.group.Do(callID, func() (any, error) {
		return s.bookOnce(ctx, callID, req), nil
	})
	outcome := v.(Outcome)
	if shared {
		logger.InfoContext(ctx, "booking attempt joined in-flight booking",
			"call_id", callID, "invocation_id", invocationID)
	}
	return outcome
}

func (s *Service) bookOnce(ctx context.Context, callID string, req appointment.Request) Outcome {
	// Recheck inside the flight: an earlier flight may have committed
	// between our store check and joining the group.
	if rec, ok := s.store.Get(callID); ok {
		return Outcome{Booked: rec}
	}

	// The booking survives the caller hanging up; only the overall timeout
	// bounds it.
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	backoff := retry.WithMaxRetries(s.cfg.MaxRetries, retry.NewExponential(s.cfg.RetryBase))
	var created calendar.CreatedEvent
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		var cerr error
		created, cerr = s.provider.CreateEvent(ctx, req)
		if cerr == nil {
			return nil
		}
		var coreErr *core.Error
		if errors.As(cerr, &coreErr) && coreErr.IsRetryable() {
			logger.WarnContext(ctx, "calendar write failed, will retry",
				"call_id", callID, "attempt", attempts, "error", coreErr.Message)
			return retry.RetryableError(cerr)
		}
		return cerr
	})
	if err != nil {
		return Outcome{Failed: classifyBookingFailure(ctx, err)}
	}

	rec := &appointment.Record{
		ID:               s.newID(),
		CallID:           callID,
		Request:          req,
		CalendarEventID:  created.EventID,
		ConfirmationLink: created.HTMLLink,
		CreatedAt:        s.now().UTC(),
	}
	// Store before returning: a duplicate invocation racing the end of this
	// flight must find the record, not start a new write.
	rec = s.store.Put(rec)

	logger.InfoContext(ctx, "booking committed",
		"call_id", callID, "event_id", rec.CalendarEventID, "attempts", attempts)
	return Outcome{Booked: rec}
}

func classifyBookingFailure(ctx context.Context, err error) *core.Error {
	if ctx.Err() != nil {
		// Overall deadline exhausted; another immediate attempt would hit
		// the same wall, so this is not retryable.
		return core.NewPermanentServiceError("booking timed out before the calendar confirmed the event")
	}
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return core.NewPermanentServiceError("booking failed: " + err.Error())
}
