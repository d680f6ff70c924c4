package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/call"
	"github.com/voicedesk/voicedesk/pkg/core/engine/vapi"
	"github.com/voicedesk/voicedesk/pkg/gateway/mw"
)

// WebhookHandler serves POST /vapi/webhook: the engine's lifecycle event
// feed. The body signature is verified before any of it is trusted; events
// for calls this gateway never placed are acknowledged and dropped.
type WebhookHandler struct {
	Secret       string
	Registry     *call.Registry
	Dispatcher   *call.Dispatcher
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxBodyBytes))
	if err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("unreadable request body"), http.StatusBadRequest)
		return
	}

	if h.Secret == "" {
		// Fail closed: an unconfigured secret must not open the event feed.
		writeCoreErrorJSON(w, reqID, core.NewPermissionError("webhook is not configured"), http.StatusForbidden)
		return
	}
	if !vapi.VerifySignature(h.Secret, body, r.Header.Get(vapi.SignatureHeader)) {
		writeCoreErrorJSON(w, reqID, core.NewPermissionError("invalid webhook signature"), http.StatusForbidden)
		return
	}

	env, perr := vapi.ParseEnvelope(body)
	if perr != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("undecodable webhook payload"), http.StatusBadRequest)
		return
	}

	sess, ok := h.Registry.ByEngineCall(env.Message.Call.ID)
	if !ok {
		h.Logger.Warn("webhook for unknown call",
			"engine_call_id", env.Message.Call.ID, "type", env.Message.Type)
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	for _, ev := range vapi.TranslateMessage(env.Message) {
		if derr := h.Dispatcher.Dispatch(r.Context(), sess.ID(), ev); derr != nil {
			h.Logger.Warn("dropping webhook event", "session_id", sess.ID(), "error", derr)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}
