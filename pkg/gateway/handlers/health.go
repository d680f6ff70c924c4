package handlers

import (
	"net/http"

	"github.com/voicedesk/voicedesk/pkg/core/calendar"
	"github.com/voicedesk/voicedesk/pkg/gateway/config"
	"github.com/voicedesk/voicedesk/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// EngineReadiness reports whether the voice engine client can reach its API.
type EngineReadiness interface {
	Ready() bool
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Engine    EngineReadiness
	Tokens    *calendar.FileTokenStore
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                bool     `json:"ok"`
		Draining          bool     `json:"draining"`
		EngineReady       bool     `json:"engine_ready"`
		CalendarConnected bool     `json:"calendar_connected"`
		LimitsEnabled     bool     `json:"limits_enabled"`
		Issues            []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.EngineAPIKey == "" {
		issues = append(issues, "engine api key not configured")
	}
	if h.Config.EngineToolSecret == "" {
		issues = append(issues, "tool secret not configured")
	}
	if h.Config.EngineWebhookSecret == "" {
		issues = append(issues, "webhook secret not configured")
	}
	if h.Config.HostEmail == "" {
		issues = append(issues, "host email not configured")
	}
	if h.Config.GoogleClientID == "" || h.Config.GoogleClientSecret == "" {
		issues = append(issues, "google oauth client not configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	if h.Config.BookingTimeout <= 0 {
		issues = append(issues, "booking timeout must be > 0")
	}

	engineReady := h.Engine != nil && h.Engine.Ready()
	calendarConnected := h.Tokens != nil && h.Tokens.Authenticated()
	draining := h.Lifecycle.IsDraining()

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, readyResp{
		OK:                ok,
		Draining:          draining,
		EngineReady:       engineReady,
		CalendarConnected: calendarConnected,
		LimitsEnabled:     h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0,
		Issues:            issues,
	})
}
