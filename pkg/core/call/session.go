package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/appointment"
)

// Status is the lifecycle state of one call session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnding     Status = "ending"
	StatusEnded      Status = "ended"
)

// Engine is the voice engine surface the session drives. Implementations wrap
// the provider's call control API; the session never assumes a command takes
// effect synchronously.
type Engine interface {
	// Ready reports whether the engine finished initialization.
	Ready() bool
	// Start begins a call with the given assistant.
	Start(ctx context.Context, assistantID string) error
	// Stop asks the engine to terminate the call. Termination is confirmed
	// later by a call-ended event, never by Stop returning.
	Stop(ctx context.Context) error
	// SetMuted asks the engine to mute or unmute the assistant.
	SetMuted(ctx context.Context, muted bool) error
}

// TranscriptEntry is one finalized utterance. The transcript is append-only
// and scoped to a single call.
type TranscriptEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// EndReport is the engine's final summary of a finished call.
type EndReport struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Cost            float64 `json:"cost"`
	Summary         string  `json:"summary,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// Snapshot is a detached copy of session state handed to HTTP handlers.
// Mutating a snapshot has no effect on the session.
type Snapshot struct {
	ID                string              `json:"id"`
	EngineCallID      string              `json:"engine_call_id,omitempty"`
	AssistantID       string              `json:"assistant_id,omitempty"`
	Status            Status              `json:"status"`
	Muted             bool                `json:"muted"`
	VolumeLevel       float64             `json:"volume_level"`
	DurationSeconds   int                 `json:"duration_seconds"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	CallerSpeaking    bool                `json:"caller_speaking"`
	AssistantSpeaking bool                `json:"assistant_speaking"`
	Transcript        []TranscriptEntry   `json:"transcript"`
	Appointment       *appointment.Record `json:"appointment,omitempty"`
	EndReport         *EndReport          `json:"end_report,omitempty"`
}

// Session owns the state of one voice call from connect to disconnect.
// All mutation goes through its methods under a single mutex; consumers read
// state through Snapshot.
type Session struct {
	id     string
	engine Engine
	logger *slog.Logger

	tickEvery time.Duration

	mu                sync.Mutex
	status            Status
	engineCallID      string
	assistantID       string
	muted             bool
	volumeLevel       float64
	durationSeconds   int
	errorMessage      string
	callerSpeaking    bool
	assistantSpeaking bool
	transcript        []TranscriptEntry
	record            *appointment.Record
	endReport         *EndReport

	tickStop chan struct{}
	release  func()
}

// Option configures a Session.
type Option func(*Session)

// WithTickInterval overrides the one second duration tick. Tests only.
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tickEvery = d
		}
	}
}

// NewSession creates an idle session bound to a voice engine.
func NewSession(id string, engine Engine, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:        id,
		engine:    engine,
		logger:    logger,
		tickEvery: time.Second,
		status:    StatusIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start begins a new call. Valid only from idle; the engine must be ready.
// Per-call state from any previous call is cleared before connecting.
func (s *Session) Start(ctx context.Context, assistantID string) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return &core.Error{Type: core.ErrState, Message: "already in a call", Code: "already_in_call"}
	}
	if s.engine == nil || !s.engine.Ready() {
		s.mu.Unlock()
		return &core.Error{Type: core.ErrEngine, Message: "voice engine has not finished initializing", Code: "engine_not_ready"}
	}
	s.clearCallStateLocked()
	s.status = StatusConnecting
	s.assistantID = assistantID
	s.mu.Unlock()

	if err := s.engine.Start(ctx, assistantID); err != nil {
		s.mu.Lock()
		s.status = StatusIdle
		s.errorMessage = "could not start the call"
		s.releaseLocked()
		s.mu.Unlock()
		return err
	}
	return nil
}

// HandleConnected transitions connecting to active on the engine's
// call-started confirmation and starts the duration tick. Duplicate
// confirmations are ignored.
func (s *Session) HandleConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnecting {
		s.logger.Debug("ignoring call-started", "session_id", s.id, "status", s.status)
		return
	}
	s.status = StatusActive
	s.startDurationTimerLocked()
}

// End requests call termination. Valid from connecting or active. The
// transition to ended happens only on the engine's own termination event.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusActive && s.status != StatusConnecting {
		status := s.status
		s.mu.Unlock()
		return &core.Error{Type: core.ErrState, Message: "no call to end in state " + string(status), Code: "not_in_call"}
	}
	s.status = StatusEnding
	s.stopDurationTimerLocked()
	s.mu.Unlock()

	if err := s.engine.Stop(ctx); err != nil {
		return err
	}
	return nil
}

// HandleEnded finalizes the call on the engine's termination event.
// Duplicate deliveries are ignored.
func (s *Session) HandleEnded(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusEnded, StatusIdle:
		return
	}
	s.status = StatusEnded
	s.callerSpeaking = false
	s.assistantSpeaking = false
	s.stopDurationTimerLocked()
	s.releaseLocked()
	if reason != "" {
		s.logger.Info("call ended", "session_id", s.id, "reason", reason)
	}
}

// ToggleMute asks the engine to flip the mute state. The engine emits no mute
// event, so its accepted control write is the acknowledgment: the session's
// flag is recorded once SetMuted succeeds, never before.
func (s *Session) ToggleMute(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusConnecting, StatusActive, StatusEnding:
	default:
		s.mu.Unlock()
		return &core.Error{Type: core.ErrState, Message: "no call to mute", Code: "not_in_call"}
	}
	target := !s.muted
	s.mu.Unlock()

	if err := s.engine.SetMuted(ctx, target); err != nil {
		return err
	}
	s.HandleMuteChanged(target)
	return nil
}

// HandleMuteChanged records the engine's acknowledged mute state.
func (s *Session) HandleMuteChanged(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// HandleSpeech records who is currently speaking.
func (s *Session) HandleSpeech(by string, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch by {
	case RoleCaller:
		s.callerSpeaking = started
	case RoleAssistant:
		s.assistantSpeaking = started
	}
}

// SetVolume records the engine's live volume level, clamped to [0, 1].
func (s *Session) SetVolume(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumeLevel = level
}

// AppendTranscript appends one finalized utterance. Entries are never
// deduplicated by content.
func (s *Session) AppendTranscript(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, TranscriptEntry{Role: role, Text: text})
}

// SetAppointment attaches the committed appointment to the session. It
// reports false when the call already ended; the record is then discarded by
// the caller (the booking itself is already committed and stored).
func (s *Session) SetAppointment(rec *appointment.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusEnded, StatusIdle:
		return false
	}
	s.record = rec
	return true
}

// AppointmentRecord returns the appointment attached to this call, if any.
func (s *Session) AppointmentRecord() *appointment.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// RecordEndReport stores the engine's end-of-call summary.
func (s *Session) RecordEndReport(r EndReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endReport = &r
}

// ForceIdle aborts the session back to idle with a human-readable message.
// Used for engine errors so the UI never shows a stuck connecting state.
func (s *Session) ForceIdle(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusIdle
	s.errorMessage = message
	s.callerSpeaking = false
	s.assistantSpeaking = false
	s.stopDurationTimerLocked()
	s.releaseLocked()
}

// Reset clears all per-call state. Valid from ended or idle.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusEnded && s.status != StatusIdle {
		return &core.Error{Type: core.ErrState, Message: "cannot reset a session in state " + string(s.status), Code: "call_in_progress"}
	}
	s.clearCallStateLocked()
	s.status = StatusIdle
	return nil
}

// BindEngineCall associates the engine's call identifier with this session.
func (s *Session) BindEngineCall(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engineCallID = callID
}

// EngineCallID returns the engine's identifier for the current call.
func (s *Session) EngineCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineCallID
}

// OnCallDone registers a callback invoked once when the current call leaves
// the live states (ended, forced idle, or failed start).
func (s *Session) OnCallDone(f func()) {
	s.mu.Lock()
	switch s.status {
	case StatusConnecting, StatusActive, StatusEnding:
		s.release = f
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		// Call already over; release immediately.
		f()
	}
}

// Snapshot returns a detached copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:                s.id,
		EngineCallID:      s.engineCallID,
		AssistantID:       s.assistantID,
		Status:            s.status,
		Muted:             s.muted,
		VolumeLevel:       s.volumeLevel,
		DurationSeconds:   s.durationSeconds,
		ErrorMessage:      s.errorMessage,
		CallerSpeaking:    s.callerSpeaking,
		AssistantSpeaking: s.assistantSpeaking,
		Transcript:        make([]TranscriptEntry, 0, len(s.transcript)),
	}
	_ = copier.Copy(&snap.Transcript, s.transcript)
	if s.record != nil {
		rec := appointment.Record{}
		_ = copier.Copy(&rec, s.record)
		snap.Appointment = &rec
	}
	if s.endReport != nil {
		rep := EndReport{}
		_ = copier.Copy(&rep, s.endReport)
		snap.EndReport = &rep
	}
	return snap
}

// DurationSeconds returns the elapsed active time of the current call.
func (s *Session) DurationSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationSeconds
}

func (s *Session) clearCallStateLocked() {
	s.engineCallID = ""
	s.assistantID = ""
	s.muted = false
	s.volumeLevel = 0
	s.durationSeconds = 0
	s.errorMessage = ""
	s.callerSpeaking = false
	s.assistantSpeaking = false
	s.transcript = nil
	s.record = nil
	s.endReport = nil
	s.stopDurationTimerLocked()
}

// startDurationTimerLocked starts the one second tick. Idempotent: a second
// start while the timer runs is a no-op.
func (s *Session) startDurationTimerLocked() {
	if s.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	s.tickStop = stop
	go func() {
		ticker := time.NewTicker(s.tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// stopDurationTimerLocked cancels the tick. Idempotent.
func (s *Session) stopDurationTimerLocked() {
	if s.tickStop == nil {
		return
	}
	close(s.tickStop)
	s.tickStop = nil
}

// tick increments the duration counter strictly while the call is active.
func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusActive {
		s.durationSeconds++
	}
}

func (s *Session) releaseLocked() {
	if s.release == nil {
		return
	}
	f := s.release
	s.release = nil
	f()
}
