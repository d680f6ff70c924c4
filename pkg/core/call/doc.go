// Package call implements the voice call session state machine and the event
// dispatcher that drives it.
//
// # Architecture
//
//   - Session: one call's lifecycle, transcript, mute/volume state, and the
//     one second duration tick
//   - Dispatcher: consumes the engine's event stream and applies it to
//     sessions through a single inbound queue
//   - Registry: session lookup by session or engine call ID, plus in-flight
//     call tracking for graceful shutdown
//
// # State Machine
//
// A session progresses through these states:
//
//	idle → connecting → active → ending → ended → idle (reset)
//
// Transitions into active and ended happen only on engine confirmation
// events, never synchronously: the engine owns the call, the session mirrors
// it. An engine error forces the session back to idle from any state so the
// UI never shows a stuck connecting indicator.
//
// # Event Handling
//
// The engine delivers events at least once and in per-call order. Handlers
// tolerate duplicates: a second call-started or call-ended is a no-op, and
// tool invocations are deduplicated by invocation ID inside the ToolHandler.
// Transcript entries are the one exception, appended verbatim because
// repeated identical utterances are legitimate speech.
//
// Tool invocations run off the queue goroutine: a calendar write that takes
// seconds must not stall transcript and lifecycle events. A booking that
// resolves after the call ended is discarded and logged; the committed
// appointment itself is kept by the booking store.
package call
