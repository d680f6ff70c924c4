package call

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voicedesk/voicedesk/pkg/core/appointment"
)

// ToolOutcome is the formatted result of a tool invocation: a sentence the
// assistant can speak, plus the committed record when the tool booked one.
type ToolOutcome struct {
	Result string              `json:"result"`
	Record *appointment.Record `json:"record,omitempty"`
}

// ToolHandler executes tool invocations. Implementations must be idempotent
// per invocation ID: a repeated delivery returns the cached outcome instead
// of re-executing.
type ToolHandler interface {
	HandleInvocation(ctx context.Context, callID string, inv ToolInvocation) ToolOutcome
}

type inboundEvent struct {
	sessionID string
	event     Event
}

// Dispatcher consumes the engine's event stream and applies it to sessions.
// Events are funneled through a single inbound queue, so session mutation is
// sequential per call no matter how the transport delivers them (webhook,
// monitor socket, or tests). Delivery is at-least-once; every handler
// tolerates duplicates.
type Dispatcher struct {
	registry *Registry
	tools    ToolHandler
	logger   *slog.Logger

	queue chan inboundEvent

	mu      sync.Mutex
	stopped bool
	done    chan struct{}

	toolWG sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given session registry. tools
// may be nil; tool invocations are then logged and dropped.
func NewDispatcher(registry *Registry, tools ToolHandler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		tools:    tools,
		logger:   logger,
		queue:    make(chan inboundEvent, 256),
		done:     make(chan struct{}),
	}
}

// Dispatch enqueues one event for a session. It blocks only when the queue is
// full, and gives up when ctx is done or the dispatcher stopped.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, ev Event) error {
	// A stopped dispatcher refuses events even while the queue has room.
	select {
	case <-d.done:
		return context.Canceled
	default:
	}
	select {
	case d.queue <- inboundEvent{sessionID: sessionID, event: ev}:
		return nil
	case <-d.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until ctx is done. It is the single consumer; call
// it once, typically in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.stop()
	for {
		select {
		case <-ctx.Done():
			d.toolWG.Wait()
			return
		case in := <-d.queue:
			d.apply(ctx, in.sessionID, in.event)
		}
	}
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.done)
}

func (d *Dispatcher) apply(ctx context.Context, sessionID string, ev Event) {
	sess, ok := d.registry.Get(sessionID)
	if !ok {
		d.logger.Warn("event for unknown session", "session_id", sessionID, "event", ev.EventType())
		return
	}

	switch e := ev.(type) {
	case *CallStartedEvent:
		sess.HandleConnected()

	case *CallEndedEvent:
		sess.HandleEnded(e.Reason)

	case *SpeechStartedEvent:
		sess.HandleSpeech(e.By, true)

	case *SpeechEndedEvent:
		sess.HandleSpeech(e.By, false)

	case *VolumeChangedEvent:
		sess.SetVolume(e.Level)

	case *TranscriptFinalEvent:
		sess.AppendTranscript(e.Role, e.Text)

	case *ToolInvocationEvent:
		d.handleToolInvocation(ctx, sess, e.Invocation)

	case *ToolResultEvent:
		if status := sess.Status(); status == StatusEnded || status == StatusIdle {
			d.logger.Info("discarding tool result for finished call",
				"session_id", sess.ID(), "invocation_id", e.InvocationID)
			return
		}
		d.logger.Debug("tool result", "session_id", sess.ID(), "invocation_id", e.InvocationID)

	case *EngineErrorEvent:
		sess.ForceIdle(e.Message)

	case *EndOfCallReportEvent:
		sess.RecordEndReport(EndReport{
			DurationSeconds: e.DurationSeconds,
			Cost:            e.Cost,
			Summary:         e.Summary,
			Reason:          e.Reason,
		})
		sess.HandleEnded(e.Reason)

	default:
		d.logger.Warn("unhandled event", "session_id", sess.ID(), "event", ev.EventType())
	}
}

// handleToolInvocation runs the tool off the queue goroutine: a slow calendar
// write must not stall transcript and lifecycle events. Idempotency lives in
// the ToolHandler, so concurrent duplicate deliveries are safe.
func (d *Dispatcher) handleToolInvocation(ctx context.Context, sess *Session, inv ToolInvocation) {
	if d.tools == nil {
		d.logger.Warn("no tool handler configured", "session_id", sess.ID(), "function", inv.FunctionName)
		return
	}
	d.toolWG.Add(1)
	go func() {
		defer d.toolWG.Done()
		outcome := d.tools.HandleInvocation(ctx, sess.ID(), inv)
		if outcome.Record == nil {
			return
		}
		if !sess.SetAppointment(outcome.Record) {
			d.logger.Info("discarding booking result for finished call",
				"session_id", sess.ID(), "invocation_id", inv.ID,
				"calendar_event_id", outcome.Record.CalendarEventID)
		}
	}()
}
