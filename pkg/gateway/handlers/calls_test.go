package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/voicedesk/voicedesk/pkg/core/call"
	"github.com/voicedesk/voicedesk/pkg/core/engine/vapi"
	"github.com/voicedesk/voicedesk/pkg/gateway/config"
	"github.com/voicedesk/voicedesk/pkg/gateway/lifecycle"
)

// engineStub fakes the engine REST API behind a CallsHandler.
type engineStub struct {
	mu               sync.Mutex
	assistantCreates int
	assistantPatches int
	callCreates      int
	patchStatus      int // 0 means 200
	callStatus       int // 0 means 201
	srv              *httptest.Server
}

func newEngineStub(t *testing.T) *engineStub {
	t.Helper()
	s := &engineStub{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/assistant":
			s.assistantCreates++
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "asst_new"})
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/assistant/"):
			s.assistantPatches++
			if s.patchStatus != 0 {
				w.WriteHeader(s.patchStatus)
				return
			}
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodPost && (r.URL.Path == "/call/web" || r.URL.Path == "/call"):
			s.callCreates++
			if s.callStatus != 0 {
				w.WriteHeader(s.callStatus)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":         "call_eng_1",
				"webCallUrl": "https://vapi.example/join",
				"monitor": map[string]any{
					// No listenUrl: the handler must not open a monitor socket.
					"controlUrl": "http://" + r.Host + "/control",
				},
			})
		case r.URL.Path == "/control":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *engineStub) counts() (creates, patches, calls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistantCreates, s.assistantPatches, s.callCreates
}

func newCallsHandler(t *testing.T, stub *engineStub) *CallsHandler {
	t.Helper()
	reg := call.NewRegistry()
	return &CallsHandler{
		Config: config.Config{
			PublicBaseURL:    "https://gw.example.com",
			EnginePublicKey:  "pub_key",
			EngineToolSecret: "t00l",
			AssistantName:    "Maya",
			DefaultTimezone:  "UTC",
			MaxBodyBytes:     64 << 10,
		},
		Client:     vapi.NewClient("key", vapi.WithBaseURL(stub.srv.URL)),
		Registry:   reg,
		Dispatcher: startedDispatcher(t, reg),
		Lifecycle:  &lifecycle.Lifecycle{},
		Logger:     discardLogger(),
		BaseCtx:    context.Background(),
	}
}

func TestStartWebCall(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)

	rec := httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SessionID    string `json:"session_id"`
		EngineCallID string `json:"engine_call_id"`
		WebCallURL   string `json:"web_call_url"`
		PublicKey    string `json:"public_key"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.SessionID, "sess_") {
		t.Fatalf("session id=%q", resp.SessionID)
	}
	if resp.EngineCallID != "call_eng_1" || resp.WebCallURL != "https://vapi.example/join" {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.PublicKey != "pub_key" {
		t.Fatalf("public key=%q", resp.PublicKey)
	}
	if resp.Status != string(call.StatusConnecting) {
		t.Fatalf("status=%q, want connecting until the engine confirms", resp.Status)
	}

	creates, _, calls := stub.counts()
	if creates != 1 || calls != 1 {
		t.Fatalf("creates=%d calls=%d", creates, calls)
	}
	if h.Registry.LiveCount() != 1 {
		t.Fatalf("live=%d, want 1", h.Registry.LiveCount())
	}
}

func TestStartWebCallRejectsSecondCall(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)

	rec := httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first start status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start status=%d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already_in_call") {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func TestStartAfterEndedCallReplacesRegistryEntry(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)

	rec := httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first start status=%d", rec.Code)
	}
	var first struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}

	sess, ok := h.Registry.Get(first.SessionID)
	if !ok {
		t.Fatalf("session %s not registered", first.SessionID)
	}
	sess.HandleEnded("customer-ended-call")

	// The finished call stays registered so late engine events can still be
	// matched and discarded.
	if got := h.Registry.Count(); got != 1 {
		t.Fatalf("sessions=%d after end, want 1", got)
	}

	rec = httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("second start status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := h.Registry.Count(); got != 1 {
		t.Fatalf("sessions=%d after second start, want previous call pruned", got)
	}
	if _, ok := h.Registry.Get(first.SessionID); ok {
		t.Fatalf("finished session %s still registered", first.SessionID)
	}
}

func TestStartWebCallWhileDraining(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)
	h.Lifecycle.SetDraining(true)

	rec := httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
}

func TestStartRefreshesPinnedAssistant(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)
	h.Config.EngineAssistantID = "asst_pinned"

	rec := httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	creates, patches, _ := stub.counts()
	if patches != 1 || creates != 0 {
		t.Fatalf("patches=%d creates=%d, want refresh without minting", patches, creates)
	}
}

func TestStartFallsBackWhenPinnedAssistantStale(t *testing.T) {
	stub := newEngineStub(t)
	stub.patchStatus = http.StatusNotFound
	h := newCallsHandler(t, stub)
	h.Config.EngineAssistantID = "asst_gone"

	rec := httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	creates, patches, _ := stub.counts()
	if patches != 1 || creates != 1 {
		t.Fatalf("patches=%d creates=%d, want create after failed refresh", patches, creates)
	}
}

func TestStartEngineFailureCleansUp(t *testing.T) {
	stub := newEngineStub(t)
	stub.callStatus = http.StatusInternalServerError
	h := newCallsHandler(t, stub)

	rec := httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d, want 502", rec.Code)
	}
	if h.Registry.LiveCount() != 0 || h.Registry.Count() != 0 {
		t.Fatalf("live=%d sessions=%d, want cleanup", h.Registry.LiveCount(), h.Registry.Count())
	}

	// The failed attempt must not wedge the one-call slot.
	stub.mu.Lock()
	stub.callStatus = 0
	stub.mu.Unlock()
	rec = httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status=%d", rec.Code)
	}
}

func TestStartPhoneValidatesNumber(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)

	rec := httptest.NewRecorder()
	h.StartPhone(rec, httptest.NewRequest(http.MethodPost, "/call/start_phone", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing number status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.StartPhone(rec, httptest.NewRequest(http.MethodPost, "/call/start_phone", strings.NewReader(`not json`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.StartPhone(rec, httptest.NewRequest(http.MethodPost, "/call/start_phone",
		strings.NewReader(`{"phone_number": "+1 555 123 4567"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHangup(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)

	rec := httptest.NewRecorder()
	h.Hangup(rec, httptest.NewRequest(http.MethodPost, "/call/hangup", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("hangup without call status=%d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not_in_call") {
		t.Fatalf("body=%q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.StartWeb(rec, httptest.NewRequest(http.MethodPost, "/call/start", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Hangup(rec, httptest.NewRequest(http.MethodPost, "/call/hangup", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("hangup status=%d body=%s", rec.Code, rec.Body.String())
	}
	// Still ending: only the engine's own event finalizes the call.
	if !strings.Contains(rec.Body.String(), string(call.StatusEnding)) {
		t.Fatalf("body=%q", rec.Body.String())
	}
}

func TestMuteWithoutCall(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)

	rec := httptest.NewRecorder()
	h.Mute(rec, httptest.NewRequest(http.MethodPost, "/call/mute", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d, want 409", rec.Code)
	}
}

func TestStateDefaultsToIdle(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)

	rec := httptest.NewRecorder()
	h.State(rec, httptest.NewRequest(http.MethodGet, "/call/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	var snap struct {
		Status     string            `json:"status"`
		Transcript []json.RawMessage `json:"transcript"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != string(call.StatusIdle) {
		t.Fatalf("status=%q", snap.Status)
	}
	if snap.Transcript == nil {
		t.Fatal("transcript must be an empty array, not null")
	}
}

func TestResetWithoutCall(t *testing.T) {
	stub := newEngineStub(t)
	h := newCallsHandler(t, stub)

	rec := httptest.NewRecorder()
	h.Reset(rec, httptest.NewRequest(http.MethodPost, "/call/reset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(call.StatusIdle)) {
		t.Fatalf("body=%q", rec.Body.String())
	}
}
