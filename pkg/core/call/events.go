package call

// Event is the interface for all voice engine events routed through the
// Dispatcher.
type Event interface {
	// EventType returns the event kind string for logging and serialization.
	EventType() string
}

// Speaker identifies which side of the call an event refers to.
const (
	RoleCaller    = "caller"
	RoleAssistant = "assistant"
)

// CallStartedEvent is emitted when the engine confirms the call connected.
// It precedes every other per-call event.
type CallStartedEvent struct{}

func (e *CallStartedEvent) EventType() string { return "call-started" }

// CallEndedEvent is emitted when the engine terminates the call. It follows
// every other event for that call.
type CallEndedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *CallEndedEvent) EventType() string { return "call-ended" }

// SpeechStartedEvent is emitted when a participant starts speaking.
type SpeechStartedEvent struct {
	By string `json:"by"`
}

func (e *SpeechStartedEvent) EventType() string { return "speech-started" }

// SpeechEndedEvent is emitted when a participant stops speaking.
type SpeechEndedEvent struct {
	By string `json:"by"`
}

func (e *SpeechEndedEvent) EventType() string { return "speech-ended" }

// VolumeChangedEvent carries the engine's live volume level, 0.0 to 1.0.
type VolumeChangedEvent struct {
	Level float64 `json:"level"`
}

func (e *VolumeChangedEvent) EventType() string { return "volume-changed" }

// TranscriptFinalEvent carries one finalized utterance. Entries are appended
// verbatim; repeated identical utterances are legitimate.
type TranscriptFinalEvent struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (e *TranscriptFinalEvent) EventType() string { return "transcript-final" }

// ToolInvocation is a structured function call emitted by the assistant.
// The engine delivers it at least once; the ID is unique per call and is the
// dedup key for idempotent handling.
type ToolInvocation struct {
	ID           string         `json:"id"`
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
}

// ToolInvocationEvent requests a tool execution.
type ToolInvocationEvent struct {
	Invocation ToolInvocation `json:"invocation"`
}

func (e *ToolInvocationEvent) EventType() string { return "tool-invocation" }

// ToolResultEvent is the engine echoing a tool result back into the call.
type ToolResultEvent struct {
	InvocationID string `json:"invocation_id"`
	Result       string `json:"result"`
}

func (e *ToolResultEvent) EventType() string { return "tool-result" }

// EngineErrorEvent reports an engine malfunction. The message is already
// human-readable; it forces the session back to idle.
type EngineErrorEvent struct {
	Message string `json:"message"`
}

func (e *EngineErrorEvent) EventType() string { return "engine-error" }

// EndOfCallReportEvent carries the engine's final call summary.
type EndOfCallReportEvent struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Cost            float64 `json:"cost"`
	Summary         string  `json:"summary,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

func (e *EndOfCallReportEvent) EventType() string { return "end-of-call-report" }
