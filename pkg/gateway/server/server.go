// Package server wires the gateway: engine client, booking pipeline, session
// registry, dispatcher, and the HTTP surface with its middleware chain.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/voicedesk/voicedesk/pkg/core/booking"
	"github.com/voicedesk/voicedesk/pkg/core/calendar"
	"github.com/voicedesk/voicedesk/pkg/core/call"
	"github.com/voicedesk/voicedesk/pkg/core/engine/vapi"
	"github.com/voicedesk/voicedesk/pkg/gateway/bridge"
	"github.com/voicedesk/voicedesk/pkg/gateway/config"
	"github.com/voicedesk/voicedesk/pkg/gateway/handlers"
	"github.com/voicedesk/voicedesk/pkg/gateway/lifecycle"
	"github.com/voicedesk/voicedesk/pkg/gateway/mw"
	"github.com/voicedesk/voicedesk/pkg/gateway/ratelimit"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle

	engineClient *vapi.Client
	tokens       *calendar.FileTokenStore
	bookings     *booking.Service
	registry     *call.Registry
	dispatcher   *call.Dispatcher

	// baseCtx outlives requests: monitor sockets and the dispatcher run on it.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	engineClient := vapi.NewClient(cfg.EngineAPIKey, vapi.WithBaseURL(cfg.EngineBaseURL))

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       []string{gcal.CalendarEventsScope},
		Endpoint:     google.Endpoint,
	}
	tokens := calendar.NewFileTokenStore(cfg.GoogleTokenFile)
	provider := calendar.NewGoogleCalendar(oauthCfg, tokens, cfg.GoogleCalendarID, cfg.HostEmail, cfg.HostName)

	store := booking.NewStore()
	bookings := booking.NewService(provider, store, booking.Config{
		DefaultTimezone: cfg.DefaultTimezone,
		MaxRetries:      cfg.BookingMaxRetries,
		RetryBase:       cfg.BookingRetryBase,
		Timeout:         cfg.BookingTimeout,
	})

	toolBridge := bridge.New(cfg.EngineToolSecret, bookings, logger)
	registry := call.NewRegistry()
	dispatcher := call.NewDispatcher(registry, toolBridge, logger)
	go dispatcher.Run(baseCtx)

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		mux:          http.NewServeMux(),
		limiter:      ratelimit.New(ratelimit.Config{RPS: cfg.LimitRPS, Burst: cfg.LimitBurst}),
		lifecycle:    &lifecycle.Lifecycle{},
		engineClient: engineClient,
		tokens:       tokens,
		bookings:     bookings,
		registry:     registry,
		dispatcher:   dispatcher,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
	}

	s.routes(oauthCfg, toolBridge)
	return s
}

func (s *Server) routes(oauthCfg *oauth2.Config, toolBridge *bridge.Bridge) {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Engine:    s.engineClient,
		Tokens:    s.tokens,
	})

	calls := &handlers.CallsHandler{
		Config:     s.cfg,
		Client:     s.engineClient,
		Registry:   s.registry,
		Dispatcher: s.dispatcher,
		Lifecycle:  s.lifecycle,
		Logger:     s.logger,
		BaseCtx:    s.baseCtx,
	}
	s.mux.HandleFunc("POST /call/start", calls.StartWeb)
	s.mux.HandleFunc("POST /call/start_phone", calls.StartPhone)
	s.mux.HandleFunc("POST /call/hangup", calls.Hangup)
	s.mux.HandleFunc("POST /call/mute", calls.Mute)
	s.mux.HandleFunc("POST /call/reset", calls.Reset)
	s.mux.HandleFunc("GET /call/state", calls.State)

	s.mux.Handle("POST /vapi/tool/book-appointment", handlers.ToolCallHandler{
		Bridge:       toolBridge,
		Registry:     s.registry,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	})
	s.mux.Handle("POST /vapi/webhook", handlers.WebhookHandler{
		Secret:       s.cfg.EngineWebhookSecret,
		Registry:     s.registry,
		Dispatcher:   s.dispatcher,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	})

	s.mux.Handle("GET /appointments", handlers.AppointmentsHandler{Store: s.bookings.Store()})

	googleAuth := handlers.GoogleAuthHandler{
		OAuth:       oauthCfg,
		Tokens:      s.tokens,
		FrontendURL: strings.TrimRight(s.cfg.FrontendURL, "/"),
		Logger:      s.logger,
	}
	s.mux.HandleFunc("GET /auth/google/login", googleAuth.Login)
	s.mux.HandleFunc("GET /auth/google/callback", googleAuth.Callback)
	s.mux.HandleFunc("GET /auth/google/status", googleAuth.Status)
	s.mux.HandleFunc("POST /auth/google/logout", googleAuth.Logout)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness so load balancers stop sending new calls.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// EndLiveCalls asks the engine to terminate every in-flight call.
func (s *Server) EndLiveCalls(ctx context.Context) int {
	return s.registry.EndAll(ctx)
}

// WaitLiveCalls blocks until all in-flight calls released or ctx is done.
func (s *Server) WaitLiveCalls(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

// CancelLiveCalls abandons whatever is still in flight and stops the
// dispatcher and monitor sockets. Last resort after a drain timeout.
func (s *Server) CancelLiveCalls() {
	released := s.registry.ForceReleaseAll()
	if released > 0 {
		s.logger.Warn("abandoned live calls at shutdown", "count", released)
	}
	s.baseCancel()
}

// LiveCallCount reports in-flight calls; used for shutdown logging.
func (s *Server) LiveCallCount() int {
	return s.registry.LiveCount()
}

// Close releases background resources. Idempotent.
func (s *Server) Close() {
	s.baseCancel()
}
