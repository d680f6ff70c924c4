package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/appointment"
)

type fakeEngine struct {
	mu       sync.Mutex
	ready    bool
	startErr error
	stopErr  error
	muteErr  error
	starts   int
	stops    int
	mutes    []bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{ready: true}
}

func (e *fakeEngine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *fakeEngine) Start(ctx context.Context, assistantID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	return e.startErr
}

func (e *fakeEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return e.stopErr
}

func (e *fakeEngine) SetMuted(ctx context.Context, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mutes = append(e.mutes, muted)
	return e.muteErr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionStart_Transitions(t *testing.T) {
	eng := newFakeEngine()
	s := NewSession("sess_1", eng, nil)

	if got := s.Status(); got != StatusIdle {
		t.Fatalf("status=%q, want idle", got)
	}
	if err := s.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.Status(); got != StatusConnecting {
		t.Fatalf("status=%q, want connecting", got)
	}
	if eng.starts != 1 {
		t.Fatalf("engine starts=%d, want 1", eng.starts)
	}

	s.HandleConnected()
	if got := s.Status(); got != StatusActive {
		t.Fatalf("status=%q, want active", got)
	}
}

func TestSessionStart_RejectsWhenNotIdle(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil)
	if err := s.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := s.Start(context.Background(), "asst_1")
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("want *core.Error, got %v", err)
	}
	if coreErr.Type != core.ErrState || coreErr.Code != "already_in_call" {
		t.Fatalf("got type=%q code=%q, want state/already_in_call", coreErr.Type, coreErr.Code)
	}
}

func TestSessionStart_RejectsEngineNotReady(t *testing.T) {
	eng := newFakeEngine()
	eng.ready = false
	s := NewSession("sess_1", eng, nil)

	err := s.Start(context.Background(), "asst_1")
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("want *core.Error, got %v", err)
	}
	if coreErr.Type != core.ErrEngine || coreErr.Code != "engine_not_ready" {
		t.Fatalf("got type=%q code=%q, want engine/engine_not_ready", coreErr.Type, coreErr.Code)
	}
	if got := s.Status(); got != StatusIdle {
		t.Fatalf("status=%q, want idle", got)
	}
}

func TestSessionStart_EngineFailureRevertsToIdle(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = core.NewEngineError("engine down")
	s := NewSession("sess_1", eng, nil)

	if err := s.Start(context.Background(), "asst_1"); err == nil {
		t.Fatal("want start error")
	}
	if got := s.Status(); got != StatusIdle {
		t.Fatalf("status=%q, want idle", got)
	}
	if snap := s.Snapshot(); snap.ErrorMessage == "" {
		t.Fatal("want error message recorded")
	}
}

func TestSessionEnd_OnlyEngineEventFinalizes(t *testing.T) {
	eng := newFakeEngine()
	s := NewSession("sess_1", eng, nil)
	if err := s.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.HandleConnected()

	if err := s.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	if got := s.Status(); got != StatusEnding {
		t.Fatalf("status=%q, want ending before engine confirms", got)
	}
	if eng.stops != 1 {
		t.Fatalf("engine stops=%d, want 1", eng.stops)
	}

	s.HandleEnded("customer-ended-call")
	if got := s.Status(); got != StatusEnded {
		t.Fatalf("status=%q, want ended", got)
	}

	// Duplicate delivery is tolerated.
	s.HandleEnded("customer-ended-call")
	if got := s.Status(); got != StatusEnded {
		t.Fatalf("status=%q after duplicate, want ended", got)
	}
}

func TestSessionEnd_RejectsWhenIdle(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil)
	err := s.End(context.Background())
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Code != "not_in_call" {
		t.Fatalf("got %v, want state error not_in_call", err)
	}
}

func TestSessionMute_SecondToggleUnmutes(t *testing.T) {
	eng := newFakeEngine()
	s := NewSession("sess_1", eng, nil)
	if err := s.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.HandleConnected()

	if err := s.ToggleMute(context.Background()); err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if !s.Snapshot().Muted {
		t.Fatal("muted flag not set after engine accepted mute")
	}

	if err := s.ToggleMute(context.Background()); err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if len(eng.mutes) != 2 || eng.mutes[0] != true || eng.mutes[1] != false {
		t.Fatalf("engine mutes=%v, want [true false]", eng.mutes)
	}
	if s.Snapshot().Muted {
		t.Fatal("muted flag still set after engine accepted unmute")
	}
}

func TestSessionMute_FlagUnchangedOnEngineFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.muteErr = core.NewEngineError("control channel down")
	s := NewSession("sess_1", eng, nil)
	if err := s.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.HandleConnected()

	if err := s.ToggleMute(context.Background()); err == nil {
		t.Fatal("want toggle error when engine rejects the control write")
	}
	if s.Snapshot().Muted {
		t.Fatal("muted flag set even though engine never accepted the mute")
	}
}

func TestSessionDurationTick_CountsOnlyWhileActive(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil, WithTickInterval(5*time.Millisecond))
	if err := s.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// No ticks while connecting.
	time.Sleep(30 * time.Millisecond)
	if got := s.DurationSeconds(); got != 0 {
		t.Fatalf("duration=%d while connecting, want 0", got)
	}

	s.HandleConnected()
	waitFor(t, "duration to advance", func() bool { return s.DurationSeconds() > 0 })

	s.HandleEnded("")
	frozen := s.DurationSeconds()
	time.Sleep(30 * time.Millisecond)
	if got := s.DurationSeconds(); got != frozen {
		t.Fatalf("duration=%d after end, want frozen at %d", got, frozen)
	}
}

func TestSessionVolume_Clamped(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil)
	s.SetVolume(1.5)
	if got := s.Snapshot().VolumeLevel; got != 1 {
		t.Fatalf("volume=%v, want 1", got)
	}
	s.SetVolume(-0.2)
	if got := s.Snapshot().VolumeLevel; got != 0 {
		t.Fatalf("volume=%v, want 0", got)
	}
}

func TestSessionTranscript_AppendsVerbatim(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil)
	s.AppendTranscript(RoleCaller, "hello")
	s.AppendTranscript(RoleCaller, "hello")
	s.AppendTranscript(RoleAssistant, "hi there")

	snap := s.Snapshot()
	if len(snap.Transcript) != 3 {
		t.Fatalf("transcript len=%d, want 3 (duplicates kept)", len(snap.Transcript))
	}
	if snap.Transcript[2].Role != RoleAssistant || snap.Transcript[2].Text != "hi there" {
		t.Fatalf("transcript[2]=%+v", snap.Transcript[2])
	}
}

func TestSessionSetAppointment_RejectedAfterEnd(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil)
	if err := s.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.HandleConnected()

	rec := &appointment.Record{ID: "appt_1", CallID: "sess_1"}
	if !s.SetAppointment(rec) {
		t.Fatal("SetAppointment rejected during active call")
	}

	s.HandleEnded("")
	if s.SetAppointment(&appointment.Record{ID: "appt_2"}) {
		t.Fatal("SetAppointment accepted after call ended")
	}
	if got := s.AppointmentRecord(); got == nil || got.ID != "appt_1" {
		t.Fatalf("record=%v, want appt_1 preserved", got)
	}
}

func TestSessionReset_OnlyWhenCallOver(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil)
	if err := s.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.HandleConnected()

	if err := s.Reset(); err == nil {
		t.Fatal("reset succeeded during active call")
	}

	s.AppendTranscript(RoleCaller, "hello")
	s.HandleEnded("")
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap := s.Snapshot()
	if snap.Status != StatusIdle || len(snap.Transcript) != 0 || snap.Appointment != nil {
		t.Fatalf("snapshot after reset=%+v, want cleared idle state", snap)
	}
}

func TestSessionSnapshot_Detached(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil)
	s.AppendTranscript(RoleCaller, "hello")

	snap := s.Snapshot()
	snap.Transcript[0].Text = "mutated"

	if got := s.Snapshot().Transcript[0].Text; got != "hello" {
		t.Fatalf("transcript=%q, want snapshot mutation to not leak", got)
	}
}

func TestSessionOnCallDone_FiresExactlyOnce(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil)
	if err := s.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.HandleConnected()

	fired := 0
	s.OnCallDone(func() { fired++ })

	s.HandleEnded("")
	s.HandleEnded("")
	s.ForceIdle("late error")
	if fired != 1 {
		t.Fatalf("release fired %d times, want 1", fired)
	}
}

func TestSessionOnCallDone_ImmediateWhenCallOver(t *testing.T) {
	s := NewSession("sess_1", newFakeEngine(), nil)
	fired := 0
	s.OnCallDone(func() { fired++ })
	if fired != 1 {
		t.Fatalf("release fired %d times, want immediate fire on idle session", fired)
	}
}
