package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/call"
	"github.com/voicedesk/voicedesk/pkg/core/engine/vapi"
	"github.com/voicedesk/voicedesk/pkg/gateway/bridge"
	"github.com/voicedesk/voicedesk/pkg/gateway/mw"
)

// ToolCallHandler serves POST /vapi/tool/book-appointment: the engine's
// server-routed tool invocation. It authenticates the pre-shared secret,
// executes the booking through the bridge, and answers in the engine's
// results envelope.
type ToolCallHandler struct {
	Bridge       *bridge.Bridge
	Registry     *call.Registry
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type toolCallResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
}

type toolCallResponse struct {
	Results []toolCallResult `json:"results"`
}

func (h ToolCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if authErr := h.Bridge.Authenticate(r.Header.Get(vapi.SecretHeader)); authErr != nil {
		writeCoreErrorJSON(w, reqID, authErr, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxBodyBytes))
	if err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("unreadable request body"), http.StatusBadRequest)
		return
	}

	req, decErr := bridge.DecodeToolRequest(body)
	if decErr != nil {
		writeCoreErrorJSON(w, reqID, decErr, http.StatusBadRequest)
		return
	}

	// Booking is keyed by our session when the engine call is known; the raw
	// engine call ID still gives per-call idempotency for early deliveries.
	callID := req.EngineCallID
	sess, found := h.Registry.ByEngineCall(req.EngineCallID)
	if found {
		callID = sess.ID()
	}

	outcome := h.Bridge.HandleInvocation(r.Context(), callID, req.Invocation)

	if outcome.Record != nil && found {
		if !sess.SetAppointment(outcome.Record) {
			h.Logger.Info("discarding booking result for finished call",
				"session_id", sess.ID(), "invocation_id", req.Invocation.ID,
				"calendar_event_id", outcome.Record.CalendarEventID)
		}
	}

	writeJSON(w, http.StatusOK, toolCallResponse{Results: []toolCallResult{{
		ToolCallID: req.Invocation.ID,
		Result:     outcome.Result,
	}}})
}
