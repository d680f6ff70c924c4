// Package bridge connects inbound tool invocations to the booking service:
// it authenticates them, deduplicates them by invocation ID, and formats the
// outcome as the sentence-plus-record payload the voice engine expects.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/booking"
	"github.com/voicedesk/voicedesk/pkg/core/call"
)

// outcomeTTL bounds the idempotency window. An invocation ID is only retried
// by the engine within the lifetime of its call, so half an hour is ample.
const (
	outcomeTTL      = 30 * time.Minute
	cleanupInterval = 10 * time.Minute
)

// Booker is the booking service surface the bridge dispatches to.
type Booker interface {
	AttemptBooking(ctx context.Context, callID, invocationID string, args map[string]any) booking.Outcome
}

// Bridge implements call.ToolHandler.
type Bridge struct {
	secret   string
	booker   Booker
	logger   *slog.Logger
	outcomes *cache.Cache
	flight   singleflight.Group
}

// New creates a bridge. secret is the pre-shared tool credential; an empty
// secret rejects every invocation, so misconfiguration fails closed.
func New(secret string, booker Booker, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		secret:   secret,
		booker:   booker,
		logger:   logger,
		outcomes: cache.New(outcomeTTL, cleanupInterval),
	}
}

// Authenticate validates the pre-shared credential in constant time. The
// secret itself is never logged.
func (b *Bridge) Authenticate(provided string) *core.Error {
	if b.secret == "" {
		return core.NewAuthenticationError("tool endpoint is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(b.secret)) != 1 {
		return core.NewAuthenticationError("invalid tool secret")
	}
	return nil
}

// HandleInvocation executes one tool invocation idempotently: a repeated
// delivery of the same invocation ID returns the cached outcome, and
// concurrent duplicates share one in-flight execution.
func (b *Bridge) HandleInvocation(ctx context.Context, callID string, inv call.ToolInvocation) call.ToolOutcome {
	if inv.ID == "" {
		// No dedup key; execute directly.
		return b.execute(ctx, callID, inv)
	}

	if cached, ok := b.outcomes.Get(inv.ID); ok {
		b.logger.Info("returning cached tool outcome", "invocation_id", inv.ID, "call_id", callID)
		return cached.(call.ToolOutcome)
	}

	v, _, _ := b.flight.Do(inv.ID, func() (any, error) {
		if cached, ok := b.outcomes.Get(inv.ID); ok {
			return cached.(call.ToolOutcome), nil
		}
		outcome := b.execute(ctx, callID, inv)
		b.outcomes.SetDefault(inv.ID, outcome)
		return outcome, nil
	})
	return v.(call.ToolOutcome)
}

func (b *Bridge) execute(ctx context.Context, callID string, inv call.ToolInvocation) call.ToolOutcome {
	if inv.FunctionName != "book_appointment" {
		return call.ToolOutcome{
			Result: fmt.Sprintf("I don't know how to handle the %q request.", inv.FunctionName),
		}
	}

	outcome := b.booker.AttemptBooking(ctx, callID, inv.ID, inv.Arguments)
	switch {
	case outcome.Booked != nil:
		return call.ToolOutcome{
			Result: fmt.Sprintf(
				"Your appointment is booked. A calendar invite has been sent to %s. We look forward to speaking with you!",
				outcome.Booked.Request.Email,
			),
			Record: outcome.Booked,
		}

	case outcome.Rejected != nil:
		return call.ToolOutcome{Result: spokenValidationFailure(outcome.Rejected)}

	default:
		failed := outcome.Failed
		if failed != nil && !failed.IsRetryable() {
			return call.ToolOutcome{Result: "I couldn't complete the booking: " + failed.Message +
				" Our team will follow up to confirm manually."}
		}
		return call.ToolOutcome{Result: "Something went wrong on our end while booking. Let's try that one more time."}
	}
}

// spokenValidationFailure turns a field-level rejection into one sentence the
// assistant can relay to the caller.
func spokenValidationFailure(err *core.Error) string {
	switch err.Field {
	case "email":
		return "That email address doesn't look right. Could you double-check it?"
	case "phone":
		return "That phone number doesn't look right. Could you give me a valid phone number?"
	case "date":
		return "That date won't work. Please pick a date in the future."
	case "time":
		return "I didn't catch a valid time. Could you give me a time like 2pm or 14:00?"
	case "timezone":
		return "I didn't recognize that timezone. Which city are you in?"
	case "name":
		return "I'm missing the name for the booking. Could I get your full name?"
	default:
		return "I couldn't book that: " + err.Message + ". Could you correct it?"
	}
}

// ToolRequest is the decoded inbound tool invocation plus the engine call it
// belongs to.
type ToolRequest struct {
	EngineCallID string
	Invocation   call.ToolInvocation
}

// rawToolBody covers every payload shape the engine is known to send:
// message.toolCallList, a bare toolCall, a top-level toolCallList, a bare
// function object, or the arguments spread at the top level.
type rawToolBody struct {
	Message *struct {
		Call struct {
			ID string `json:"id"`
		} `json:"call"`
		ToolCallList []rawToolCall `json:"toolCallList"`
	} `json:"message"`
	Call *struct {
		ID string `json:"id"`
	} `json:"call"`
	ToolCall     *rawToolCall    `json:"toolCall"`
	ToolCallList []rawToolCall   `json:"toolCallList"`
	Function     *rawFunction    `json:"function"`
	Name         json.RawMessage `json:"name"`
	Email        json.RawMessage `json:"email"`
}

type rawToolCall struct {
	ID       string      `json:"id"`
	Function rawFunction `json:"function"`
}

type rawFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// DecodeToolRequest extracts the invocation from whichever shape the engine
// sent. It fails only when no argument source can be found at all.
func DecodeToolRequest(body []byte) (ToolRequest, *core.Error) {
	var raw rawToolBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return ToolRequest{}, core.NewInvalidRequestError("undecodable tool request body")
	}

	var req ToolRequest
	if raw.Message != nil {
		req.EngineCallID = raw.Message.Call.ID
	}
	if req.EngineCallID == "" && raw.Call != nil {
		req.EngineCallID = raw.Call.ID
	}

	var fn *rawFunction
	switch {
	case raw.Message != nil && len(raw.Message.ToolCallList) > 0:
		req.Invocation.ID = raw.Message.ToolCallList[0].ID
		fn = &raw.Message.ToolCallList[0].Function
	case raw.ToolCall != nil:
		req.Invocation.ID = raw.ToolCall.ID
		fn = &raw.ToolCall.Function
	case len(raw.ToolCallList) > 0:
		req.Invocation.ID = raw.ToolCallList[0].ID
		fn = &raw.ToolCallList[0].Function
	case raw.Function != nil:
		fn = raw.Function
	case raw.Name != nil && raw.Email != nil:
		// Bare arguments at the top level.
		args, err := decodeArguments(body)
		if err != nil {
			return ToolRequest{}, core.NewInvalidRequestError("undecodable tool arguments")
		}
		req.Invocation.FunctionName = "book_appointment"
		req.Invocation.Arguments = args
		return req, nil
	default:
		return ToolRequest{}, core.NewInvalidRequestError("no tool call found in request body")
	}

	req.Invocation.FunctionName = fn.Name
	args, err := decodeArguments(fn.Arguments)
	if err != nil {
		return ToolRequest{}, core.NewInvalidRequestError("undecodable tool arguments")
	}
	req.Invocation.Arguments = args
	return req, nil
}

// decodeArguments parses an arguments payload that is either a JSON object
// or a JSON-encoded string containing one.
func decodeArguments(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		raw = []byte(inner)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}
