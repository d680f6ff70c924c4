package vapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voicedesk/voicedesk/pkg/core/call"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-Vapi-Signature"

// SecretHeader carries the pre-shared tool secret.
const SecretHeader = "X-Vapi-Secret"

// Sign computes the hex HMAC-SHA256 of a webhook body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// Envelope is the outer shape of webhook and monitor payloads.
type Envelope struct {
	Message Message `json:"message"`
}

// Message is one engine lifecycle message. The engine multiplexes every kind
// through one shape; which fields are set depends on Type.
type Message struct {
	Type string `json:"type"`

	Call struct {
		ID string `json:"id"`
	} `json:"call"`

	// status-update
	Status      string `json:"status,omitempty"`
	EndedReason string `json:"endedReason,omitempty"`

	// speech-update
	Role string `json:"role,omitempty"`

	// volume-level
	Level float64 `json:"level,omitempty"`

	// transcript
	TranscriptType string `json:"transcriptType,omitempty"`
	Transcript     string `json:"transcript,omitempty"`

	// tool-calls / tool-call-result
	ToolCallList []ToolCall `json:"toolCallList,omitempty"`
	ToolCallID   string     `json:"toolCallId,omitempty"`
	Result       string     `json:"result,omitempty"`

	// end-of-call-report
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
	Summary         string  `json:"summary,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// ToolCall is one requested function invocation.
type ToolCall struct {
	ID       string           `json:"id"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction is the function name and raw arguments. The engine sends
// arguments either as a JSON object or as a JSON-encoded string.
type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ArgumentsMap decodes the arguments, unwrapping the string encoding when
// present.
func (f ToolCallFunction) ArgumentsMap() (map[string]any, error) {
	raw := f.Arguments
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode argument string: %w", err)
		}
		raw = json.RawMessage(inner)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}

// ParseEnvelope decodes a webhook or monitor payload.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode engine message: %w", err)
	}
	if env.Message.Type == "" {
		// Monitor frames arrive without the envelope wrapper.
		if err := json.Unmarshal(body, &env.Message); err != nil || env.Message.Type == "" {
			return Envelope{}, fmt.Errorf("engine message has no type")
		}
	}
	return env, nil
}

// TranslateMessage converts one engine message into call events. Unknown
// message types translate to nothing: they are acknowledged and ignored.
func TranslateMessage(msg Message) []call.Event {
	switch msg.Type {
	case "status-update":
		switch msg.Status {
		case "in-progress":
			return []call.Event{&call.CallStartedEvent{}}
		case "ended":
			return []call.Event{&call.CallEndedEvent{Reason: msg.EndedReason}}
		}
		return nil

	case "speech-update":
		by := roleToSpeaker(msg.Role)
		switch msg.Status {
		case "started":
			return []call.Event{&call.SpeechStartedEvent{By: by}}
		case "stopped":
			return []call.Event{&call.SpeechEndedEvent{By: by}}
		}
		return nil

	case "volume-level":
		return []call.Event{&call.VolumeChangedEvent{Level: msg.Level}}

	case "transcript":
		if msg.TranscriptType != "final" {
			return nil
		}
		return []call.Event{&call.TranscriptFinalEvent{
			Role: roleToSpeaker(msg.Role),
			Text: msg.Transcript,
		}}

	case "tool-calls":
		events := make([]call.Event, 0, len(msg.ToolCallList))
		for _, tc := range msg.ToolCallList {
			args, err := tc.Function.ArgumentsMap()
			if err != nil {
				logger.Warn("undecodable tool call arguments", "tool_call_id", tc.ID, "error", err)
				args = map[string]any{}
			}
			events = append(events, &call.ToolInvocationEvent{Invocation: call.ToolInvocation{
				ID:           tc.ID,
				FunctionName: tc.Function.Name,
				Arguments:    args,
			}})
		}
		return events

	case "tool-call-result":
		return []call.Event{&call.ToolResultEvent{
			InvocationID: msg.ToolCallID,
			Result:       msg.Result,
		}}

	case "end-of-call-report":
		return []call.Event{&call.EndOfCallReportEvent{
			DurationSeconds: msg.DurationSeconds,
			Cost:            msg.Cost,
			Summary:         msg.Summary,
			Reason:          msg.EndedReason,
		}}

	case "error":
		message := msg.Error
		if message == "" {
			message = "the voice engine reported an error"
		}
		return []call.Event{&call.EngineErrorEvent{Message: message}}
	}

	return nil
}

func roleToSpeaker(role string) string {
	switch role {
	case "user", "customer":
		return call.RoleCaller
	default:
		return call.RoleAssistant
	}
}
