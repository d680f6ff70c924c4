package call

import (
	"context"
	"testing"
	"time"
)

func TestRegistry_LookupByEngineCall(t *testing.T) {
	reg := NewRegistry()
	sess := NewSession("sess_1", newFakeEngine(), nil)
	reg.Add(sess)
	reg.BindEngineCall("sess_1", "call_abc")

	got, ok := reg.ByEngineCall("call_abc")
	if !ok || got.ID() != "sess_1" {
		t.Fatalf("ByEngineCall=%v ok=%v, want sess_1", got, ok)
	}
	if sess.EngineCallID() != "call_abc" {
		t.Fatalf("session engine call id=%q", sess.EngineCallID())
	}

	reg.Remove("sess_1")
	if _, ok := reg.ByEngineCall("call_abc"); ok {
		t.Fatal("engine call binding survived Remove")
	}
	if _, ok := reg.Get("sess_1"); ok {
		t.Fatal("session survived Remove")
	}
}

func TestRegistry_TrackReleaseIdempotent(t *testing.T) {
	reg := NewRegistry()
	sess := NewSession("sess_1", newFakeEngine(), nil)
	reg.Add(sess)

	release := reg.Track(sess)
	if got := reg.LiveCount(); got != 1 {
		t.Fatalf("live=%d, want 1", got)
	}

	release()
	release()
	if got := reg.LiveCount(); got != 0 {
		t.Fatalf("live=%d after double release, want 0", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !reg.Wait(ctx) {
		t.Fatal("Wait timed out with no live calls")
	}
}

func TestRegistry_WaitTimesOut(t *testing.T) {
	reg := NewRegistry()
	sess := NewSession("sess_1", newFakeEngine(), nil)
	reg.Add(sess)
	_ = reg.Track(sess)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if reg.Wait(ctx) {
		t.Fatal("Wait returned true with a live call")
	}
}

func TestRegistry_ReleaseViaSessionEnd(t *testing.T) {
	reg := NewRegistry()
	sess := NewSession("sess_1", newFakeEngine(), nil)
	reg.Add(sess)

	if err := sess.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	release := reg.Track(sess)
	sess.OnCallDone(release)

	sess.HandleConnected()
	sess.HandleEnded("")

	if got := reg.LiveCount(); got != 0 {
		t.Fatalf("live=%d after call ended, want 0", got)
	}
}

func TestRegistry_EndAll(t *testing.T) {
	reg := NewRegistry()
	engines := make([]*fakeEngine, 2)
	for i, id := range []string{"sess_1", "sess_2"} {
		engines[i] = newFakeEngine()
		sess := NewSession(id, engines[i], nil)
		reg.Add(sess)
		if err := sess.Start(context.Background(), "asst_1"); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		release := reg.Track(sess)
		sess.OnCallDone(release)
		sess.HandleConnected()
	}

	if got := reg.EndAll(context.Background()); got != 2 {
		t.Fatalf("ended=%d, want 2", got)
	}
	for i, eng := range engines {
		if eng.stops != 1 {
			t.Fatalf("engine %d stops=%d, want 1", i, eng.stops)
		}
	}
	// End only requests termination; the calls stay live until the engine
	// confirms.
	if got := reg.LiveCount(); got != 2 {
		t.Fatalf("live=%d after EndAll, want 2", got)
	}
}

func TestRegistry_ForceReleaseAll(t *testing.T) {
	reg := NewRegistry()
	sess := NewSession("sess_1", newFakeEngine(), nil)
	reg.Add(sess)
	if err := sess.Start(context.Background(), "asst_1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	release := reg.Track(sess)
	sess.OnCallDone(release)
	sess.HandleConnected()

	if got := reg.ForceReleaseAll(); got != 1 {
		t.Fatalf("released=%d, want 1", got)
	}
	if got := reg.LiveCount(); got != 0 {
		t.Fatalf("live=%d, want 0", got)
	}
	if got := sess.Status(); got != StatusIdle {
		t.Fatalf("status=%q, want idle", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !reg.Wait(ctx) {
		t.Fatal("Wait timed out after ForceReleaseAll")
	}
}

func TestRegistry_TrackReplacesStaleEntry(t *testing.T) {
	reg := NewRegistry()
	sess := NewSession("sess_1", newFakeEngine(), nil)
	reg.Add(sess)

	first := reg.Track(sess)
	// A second Track for the same session releases the stale entry so the
	// wait group never leaks.
	second := reg.Track(sess)
	if got := reg.LiveCount(); got != 1 {
		t.Fatalf("live=%d, want 1", got)
	}

	first() // stale; already released internally
	second()
	if got := reg.LiveCount(); got != 0 {
		t.Fatalf("live=%d, want 0", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !reg.Wait(ctx) {
		t.Fatal("Wait timed out; wait group leaked")
	}
}
