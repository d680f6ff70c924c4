package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/voicedesk/voicedesk/pkg/core"
	"github.com/voicedesk/voicedesk/pkg/core/calendar"
	"github.com/voicedesk/voicedesk/pkg/gateway/mw"
)

const oauthStateCookie = "voicedesk_oauth_state"

// GoogleAuthHandler serves the operator's one-time Google Calendar
// authorization flow: login redirect, OAuth callback, status, and logout.
type GoogleAuthHandler struct {
	OAuth       *oauth2.Config
	Tokens      *calendar.FileTokenStore
	FrontendURL string
	Logger      *slog.Logger
}

// Login handles GET /auth/google/login: it sets the CSRF state cookie and
// redirects to Google's consent screen.
func (h GoogleAuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if h.OAuth == nil || h.OAuth.ClientID == "" {
		writeCoreErrorJSON(w, reqID, core.NewPermanentServiceError("google oauth is not configured"), http.StatusBadGateway)
		return
	}

	state := randState()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	// Offline access with forced consent so a refresh token is issued even on
	// re-authorization.
	url := h.OAuth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback handles GET /auth/google/callback: it validates the state cookie,
// exchanges the code, and persists the token.
func (h GoogleAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		writeCoreErrorJSON(w, reqID, core.NewPermissionError("oauth state mismatch"), http.StatusForbidden)
		return
	}
	// One-shot state: clear the cookie whatever happens next.
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})

	code := r.URL.Query().Get("code")
	if code == "" {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("missing authorization code"), http.StatusBadRequest)
		return
	}

	tok, err := h.OAuth.Exchange(r.Context(), code)
	if err != nil {
		h.Logger.Warn("oauth code exchange failed", "error", err)
		writeCoreErrorJSON(w, reqID, core.NewPermanentServiceError("google authorization failed"), http.StatusBadGateway)
		return
	}
	if err := h.Tokens.Save(tok); err != nil {
		h.Logger.Error("persist oauth token", "error", err)
		writeCoreErrorJSON(w, reqID, core.NewAPIError("could not persist authorization"), http.StatusInternalServerError)
		return
	}

	h.Logger.Info("google calendar connected")
	http.Redirect(w, r, h.FrontendURL+"?calendar=connected", http.StatusTemporaryRedirect)
}

// Status handles GET /auth/google/status.
func (h GoogleAuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": h.Tokens.Authenticated(),
	})
}

// Logout handles POST /auth/google/logout: it drops the stored token.
func (h GoogleAuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if err := h.Tokens.Clear(); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewAPIError("could not clear authorization"), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func randState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "state-fallback"
	}
	return hex.EncodeToString(b)
}
