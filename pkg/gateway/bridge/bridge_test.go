package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/appointment"
	"github.com/voicedesk/voicedesk/pkg/core/booking"
	"github.com/voicedesk/voicedesk/pkg/core/call"
)

type fakeBooker struct {
	mu      sync.Mutex
	calls   int
	outcome booking.Outcome
}

func (b *fakeBooker) AttemptBooking(ctx context.Context, callID, invocationID string, args map[string]any) booking.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.outcome
}

func (b *fakeBooker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func bookedOutcome() booking.Outcome {
	return booking.Outcome{Booked: &appointment.Record{
		ID:              "appt_1",
		CallID:          "call_1",
		CalendarEventID: "evt_1",
		Request:         appointment.Request{Email: "jamie@example.com"},
	}}
}

func TestAuthenticate(t *testing.T) {
	b := New("s3cret", &fakeBooker{}, nil)

	if err := b.Authenticate("s3cret"); err != nil {
		t.Fatalf("valid secret rejected: %v", err)
	}
	if err := b.Authenticate("wrong"); err == nil {
		t.Fatal("wrong secret accepted")
	} else if err.Type != core.ErrAuthentication {
		t.Fatalf("error type=%q", err.Type)
	}
	if err := b.Authenticate(""); err == nil {
		t.Fatal("empty secret accepted")
	}
}

func TestAuthenticate_UnconfiguredFailsClosed(t *testing.T) {
	b := New("", &fakeBooker{}, nil)
	if err := b.Authenticate(""); err == nil {
		t.Fatal("unconfigured bridge accepted an invocation")
	}
	if err := b.Authenticate("anything"); err == nil {
		t.Fatal("unconfigured bridge accepted an invocation")
	}
}

func TestHandleInvocation_BookedSpeaksConfirmation(t *testing.T) {
	booker := &fakeBooker{outcome: bookedOutcome()}
	b := New("s", booker, nil)

	out := b.HandleInvocation(context.Background(), "call_1", call.ToolInvocation{
		ID:           "inv_1",
		FunctionName: "book_appointment",
	})
	if out.Record == nil || out.Record.ID != "appt_1" {
		t.Fatalf("record=%+v", out.Record)
	}
	if out.Result == "" {
		t.Fatal("want spoken confirmation")
	}
}

func TestHandleInvocation_CachesByInvocationID(t *testing.T) {
	booker := &fakeBooker{outcome: bookedOutcome()}
	b := New("s", booker, nil)

	inv := call.ToolInvocation{ID: "inv_1", FunctionName: "book_appointment"}
	first := b.HandleInvocation(context.Background(), "call_1", inv)
	second := b.HandleInvocation(context.Background(), "call_1", inv)

	if booker.callCount() != 1 {
		t.Fatalf("booker calls=%d, want 1", booker.callCount())
	}
	if first.Result != second.Result {
		t.Fatalf("results differ: %q vs %q", first.Result, second.Result)
	}
}

func TestHandleInvocation_DistinctInvocationsExecute(t *testing.T) {
	booker := &fakeBooker{outcome: bookedOutcome()}
	b := New("s", booker, nil)

	b.HandleInvocation(context.Background(), "call_1", call.ToolInvocation{ID: "inv_1", FunctionName: "book_appointment"})
	b.HandleInvocation(context.Background(), "call_1", call.ToolInvocation{ID: "inv_2", FunctionName: "book_appointment"})

	if booker.callCount() != 2 {
		t.Fatalf("booker calls=%d, want 2 (per-call dedup lives in the booking service)", booker.callCount())
	}
}

func TestHandleInvocation_UnknownFunction(t *testing.T) {
	booker := &fakeBooker{}
	b := New("s", booker, nil)

	out := b.HandleInvocation(context.Background(), "call_1", call.ToolInvocation{ID: "inv_1", FunctionName: "cancel_order"})
	if booker.callCount() != 0 {
		t.Fatalf("booker calls=%d, want 0", booker.callCount())
	}
	if out.Result == "" || out.Record != nil {
		t.Fatalf("outcome=%+v, want spoken refusal without record", out)
	}
}

func TestHandleInvocation_ValidationFailureIsSpoken(t *testing.T) {
	booker := &fakeBooker{outcome: booking.Outcome{
		Rejected: core.NewValidationError("email", "invalid email address"),
	}}
	b := New("s", booker, nil)

	out := b.HandleInvocation(context.Background(), "call_1", call.ToolInvocation{ID: "inv_1", FunctionName: "book_appointment"})
	if out.Record != nil {
		t.Fatalf("record=%+v, want nil", out.Record)
	}
	if out.Result != "That email address doesn't look right. Could you double-check it?" {
		t.Fatalf("result=%q", out.Result)
	}
}

func TestHandleInvocation_FailureMessages(t *testing.T) {
	permanent := &fakeBooker{outcome: booking.Outcome{
		Failed: core.NewPermanentServiceError("calendar permission denied"),
	}}
	b := New("s", permanent, nil)
	out := b.HandleInvocation(context.Background(), "call_1", call.ToolInvocation{ID: "inv_p", FunctionName: "book_appointment"})
	if out.Result == "" || out.Record != nil {
		t.Fatalf("outcome=%+v", out)
	}

	transient := &fakeBooker{outcome: booking.Outcome{
		Failed: core.NewTransientServiceError("calendar unavailable"),
	}}
	b2 := New("s", transient, nil)
	out2 := b2.HandleInvocation(context.Background(), "call_1", call.ToolInvocation{ID: "inv_t", FunctionName: "book_appointment"})
	if out2.Result == out.Result {
		t.Fatal("transient and permanent failures should speak different messages")
	}
}

func TestDecodeToolRequest_MessageEnvelope(t *testing.T) {
	body := []byte(`{
		"message": {
			"call": {"id": "call_abc"},
			"toolCallList": [{
				"id": "inv_1",
				"function": {"name": "book_appointment", "arguments": {"name": "Jamie", "email": "jamie@example.com"}}
			}]
		}
	}`)

	req, err := DecodeToolRequest(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.EngineCallID != "call_abc" {
		t.Fatalf("engine call id=%q", req.EngineCallID)
	}
	if req.Invocation.ID != "inv_1" || req.Invocation.FunctionName != "book_appointment" {
		t.Fatalf("invocation=%+v", req.Invocation)
	}
	if req.Invocation.Arguments["name"] != "Jamie" {
		t.Fatalf("arguments=%v", req.Invocation.Arguments)
	}
}

func TestDecodeToolRequest_StringEncodedArguments(t *testing.T) {
	body := []byte(`{
		"toolCall": {
			"id": "inv_2",
			"function": {"name": "book_appointment", "arguments": "{\"name\": \"Jamie\"}"}
		}
	}`)

	req, err := DecodeToolRequest(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Invocation.Arguments["name"] != "Jamie" {
		t.Fatalf("arguments=%v", req.Invocation.Arguments)
	}
}

func TestDecodeToolRequest_TopLevelToolCallList(t *testing.T) {
	body := []byte(`{
		"call": {"id": "call_x"},
		"toolCallList": [{"id": "inv_3", "function": {"name": "book_appointment", "arguments": {}}}]
	}`)

	req, err := DecodeToolRequest(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.EngineCallID != "call_x" || req.Invocation.ID != "inv_3" {
		t.Fatalf("req=%+v", req)
	}
}

func TestDecodeToolRequest_BareFunction(t *testing.T) {
	body := []byte(`{"function": {"name": "book_appointment", "arguments": {"email": "j@example.com"}}}`)

	req, err := DecodeToolRequest(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Invocation.FunctionName != "book_appointment" {
		t.Fatalf("function=%q", req.Invocation.FunctionName)
	}
	if req.Invocation.ID != "" {
		t.Fatalf("invocation id=%q, want empty", req.Invocation.ID)
	}
}

func TestDecodeToolRequest_BareArguments(t *testing.T) {
	body := []byte(`{"name": "Jamie", "email": "jamie@example.com", "date": "2026-03-14"}`)

	req, err := DecodeToolRequest(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Invocation.FunctionName != "book_appointment" {
		t.Fatalf("function=%q", req.Invocation.FunctionName)
	}
	if req.Invocation.Arguments["date"] != "2026-03-14" {
		t.Fatalf("arguments=%v", req.Invocation.Arguments)
	}
}

func TestDecodeToolRequest_Invalid(t *testing.T) {
	if _, err := DecodeToolRequest([]byte(`not json`)); err == nil {
		t.Fatal("want error for undecodable body")
	}
	if _, err := DecodeToolRequest([]byte(`{"unrelated": true}`)); err == nil {
		t.Fatal("want error when no tool call found")
	}
}
