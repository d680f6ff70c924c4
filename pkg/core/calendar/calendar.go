// Package calendar is the boundary to the external calendar provider. The
// Provider interface is all the booking service knows; the Google adapter is
// the production implementation.
package calendar

import (
	"context"

	"github.com/voicedesk/voicedesk/pkg/core/appointment"
)

// CreatedEvent is the provider's confirmation of a committed calendar write.
type CreatedEvent struct {
	// EventID is the provider's identifier for the created event.
	EventID string
	// HTMLLink is the confirmation link for the event, when the provider
	// returns one.
	HTMLLink string
}

// Provider commits a validated appointment to an external calendar. Failures
// are *core.Error values: transient_service_error when another attempt may
// succeed, permanent_service_error otherwise.
type Provider interface {
	CreateEvent(ctx context.Context, req appointment.Request) (CreatedEvent, error)
}
