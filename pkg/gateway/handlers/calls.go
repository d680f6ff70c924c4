package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/call"
	"github.com/voicedesk/voicedesk/pkg/core/engine/vapi"
	"github.com/voicedesk/voicedesk/pkg/gateway/config"
	"github.com/voicedesk/voicedesk/pkg/gateway/lifecycle"
	"github.com/voicedesk/voicedesk/pkg/gateway/mw"
)

// CallsHandler owns the call lifecycle endpoints. One call runs at a time; a
// second start while a call is live is rejected with a state error.
type CallsHandler struct {
	Config     config.Config
	Client     *vapi.Client
	Registry   *call.Registry
	Dispatcher *call.Dispatcher
	Lifecycle  *lifecycle.Lifecycle
	Logger     *slog.Logger

	// BaseCtx outlives individual requests; monitor sockets are bound to it
	// so they survive the HTTP request that started the call.
	BaseCtx context.Context

	mu          sync.Mutex
	assistantID string
	currentID   string
}

type startCallResponse struct {
	SessionID    string      `json:"session_id"`
	EngineCallID string      `json:"engine_call_id,omitempty"`
	WebCallURL   string      `json:"web_call_url,omitempty"`
	PublicKey    string      `json:"public_key,omitempty"`
	Status       call.Status `json:"status"`
}

// StartWeb handles POST /call/start: a browser call answered via the web SDK.
func (h *CallsHandler) StartWeb(w http.ResponseWriter, r *http.Request) {
	h.startCall(w, r, "")
}

// StartPhone handles POST /call/start_phone: an outbound call to the given
// number.
func (h *CallsHandler) StartPhone(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	var body struct {
		PhoneNumber string `json:"phone_number"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("undecodable request body"), http.StatusBadRequest)
		return
	}
	number := strings.TrimSpace(body.PhoneNumber)
	if number == "" {
		writeCoreErrorJSON(w, reqID,
			core.NewInvalidRequestErrorWithField("phone_number is required", "phone_number"),
			http.StatusBadRequest)
		return
	}

	h.startCall(w, r, number)
}

func (h *CallsHandler) startCall(w http.ResponseWriter, r *http.Request, phoneNumber string) {
	ctx := r.Context()
	reqID, _ := mw.RequestIDFrom(ctx)

	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, core.NewStateError("gateway is shutting down"), http.StatusServiceUnavailable)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.currentLocked(); ok {
		switch cur.Status() {
		case call.StatusConnecting, call.StatusActive, call.StatusEnding:
			writeCoreErrorJSON(w, reqID,
				&core.Error{Type: core.ErrState, Message: "a call is already in progress", Code: "already_in_call"},
				http.StatusConflict)
			return
		}
		// The finished call stays registered until the next start so late
		// engine events still find it and get discarded. Replacing it here
		// keeps the registry from accumulating one entry per completed call.
		h.Registry.Remove(cur.ID())
		h.currentID = ""
	}

	assistantID, err := h.ensureAssistantLocked(ctx)
	if err != nil {
		coreErr, status := coreErrorFrom(err, reqID)
		writeCoreErrorJSON(w, reqID, coreErr, status)
		return
	}

	engineSess := h.Client.NewEngineSession(phoneNumber)
	sess := call.NewSession("sess_"+uuid.NewString(), engineSess, h.Logger)
	h.Registry.Add(sess)

	release := h.Registry.Track(sess)
	if err := sess.Start(ctx, assistantID); err != nil {
		release()
		h.Registry.Remove(sess.ID())
		coreErr, status := coreErrorFrom(err, reqID)
		writeCoreErrorJSON(w, reqID, coreErr, status)
		return
	}

	// From here the call is live: every path out of it must release exactly
	// once and tear down the monitor socket.
	monitorCtx, monitorCancel := context.WithCancel(h.BaseCtx)
	sess.OnCallDone(func() {
		monitorCancel()
		release()
	})

	h.Registry.BindEngineCall(sess.ID(), engineSess.CallID())
	h.currentID = sess.ID()

	if listenURL := engineSess.ListenURL(); listenURL != "" {
		go func() {
			err := vapi.MonitorEvents(monitorCtx, listenURL, func(ev call.Event) {
				if derr := h.Dispatcher.Dispatch(monitorCtx, sess.ID(), ev); derr != nil {
					h.Logger.Warn("dropping monitor event", "session_id", sess.ID(), "error", derr)
				}
			})
			if err != nil {
				h.Logger.Warn("monitor socket failed", "session_id", sess.ID(), "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusOK, startCallResponse{
		SessionID:    sess.ID(),
		EngineCallID: engineSess.CallID(),
		WebCallURL:   engineSess.WebCallURL(),
		PublicKey:    h.Config.EnginePublicKey,
		Status:       sess.Status(),
	})
}

// ensureAssistantLocked resolves the assistant to place calls with. A pinned
// or previously created assistant is refreshed so prompt and tool changes take
// effect; otherwise a new one is created once and reused.
func (h *CallsHandler) ensureAssistantLocked(ctx context.Context) (string, error) {
	assistant := vapi.BuildAssistant(vapi.AssistantParams{
		Name:            h.Config.AssistantName,
		FirstMessage:    h.Config.FirstMessage,
		HostEmail:       h.Config.HostEmail,
		DefaultTimezone: h.Config.DefaultTimezone,
		ServerBaseURL:   strings.TrimRight(h.Config.PublicBaseURL, "/"),
		ToolSecret:      h.Config.EngineToolSecret,
	})

	id := h.assistantID
	if id == "" {
		id = h.Config.EngineAssistantID
	}
	if id != "" {
		if err := h.Client.UpdateAssistant(ctx, id, assistant); err != nil {
			// A stale pinned ID should not block calls; fall through and mint
			// a fresh assistant.
			h.Logger.Warn("assistant refresh failed, creating a new one", "assistant_id", id, "error", err)
		} else {
			h.assistantID = id
			return id, nil
		}
	}

	created, err := h.Client.CreateAssistant(ctx, assistant)
	if err != nil {
		return "", err
	}
	h.assistantID = created
	return created, nil
}

// Hangup handles POST /call/hangup.
func (h *CallsHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	sess, ok := h.current()
	if !ok {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrState, Message: "no call to end", Code: "not_in_call"}, http.StatusConflict)
		return
	}
	if err := sess.End(r.Context()); err != nil {
		coreErr, status := coreErrorFrom(err, reqID)
		writeCoreErrorJSON(w, reqID, coreErr, status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": sess.Status()})
}

// Mute handles POST /call/mute: it flips the assistant's mute state.
func (h *CallsHandler) Mute(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	sess, ok := h.current()
	if !ok {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrState, Message: "no call to mute", Code: "not_in_call"}, http.StatusConflict)
		return
	}
	if err := sess.ToggleMute(r.Context()); err != nil {
		coreErr, status := coreErrorFrom(err, reqID)
		writeCoreErrorJSON(w, reqID, coreErr, status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": sess.Status(), "muted": sess.Snapshot().Muted})
}

// Reset handles POST /call/reset: it clears the finished call's state.
func (h *CallsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	sess, ok := h.current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": call.StatusIdle})
		return
	}
	if err := sess.Reset(); err != nil {
		coreErr, status := coreErrorFrom(err, reqID)
		writeCoreErrorJSON(w, reqID, coreErr, status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": sess.Status()})
}

// State handles GET /call/state: the detached snapshot the console polls.
func (h *CallsHandler) State(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current()
	if !ok {
		writeJSON(w, http.StatusOK, call.Snapshot{Status: call.StatusIdle, Transcript: []call.TranscriptEntry{}})
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (h *CallsHandler) current() (*call.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentLocked()
}

func (h *CallsHandler) currentLocked() (*call.Session, bool) {
	if h.currentID == "" {
		return nil, false
	}
	return h.Registry.Get(h.currentID)
}
