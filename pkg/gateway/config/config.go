package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the gateway's static configuration, loaded once at startup from
// VOICEDESK_* environment variables.
type Config struct {
	Addr string

	// PublicBaseURL is the externally reachable base URL of this gateway;
	// the engine's webhook and tool endpoints hang off it.
	PublicBaseURL string
	// FrontendURL is where the OAuth callback redirects the operator.
	FrontendURL string

	// Voice engine.
	EngineBaseURL       string
	EngineAPIKey        string
	EnginePublicKey     string
	EngineAssistantID   string
	EngineWebhookSecret string
	EngineToolSecret    string

	// Assistant definition inputs (used when no assistant ID is pinned, and
	// to refresh a pinned assistant).
	AssistantName   string
	FirstMessage    string
	HostEmail       string
	HostName        string
	DefaultTimezone string

	// Google Calendar.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleCalendarID   string
	GoogleTokenFile    string

	// Booking retry policy.
	BookingMaxRetries uint64
	BookingRetryBase  time.Duration
	BookingTimeout    time.Duration

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Per-peer request limits.
	LimitRPS   float64
	LimitBurst int

	MaxBodyBytes int64

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

// LoadFromEnv reads and validates the configuration.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICEDESK_ADDR", ":8080"),
		PublicBaseURL:       envOr("VOICEDESK_PUBLIC_BASE_URL", "http://localhost:8080"),
		FrontendURL:         envOr("VOICEDESK_FRONTEND_URL", "http://localhost:4200"),
		EngineBaseURL:       envOr("VOICEDESK_ENGINE_BASE_URL", "https://api.vapi.ai"),
		EngineAPIKey:        os.Getenv("VOICEDESK_ENGINE_API_KEY"),
		EnginePublicKey:     os.Getenv("VOICEDESK_ENGINE_PUBLIC_KEY"),
		EngineAssistantID:   os.Getenv("VOICEDESK_ENGINE_ASSISTANT_ID"),
		EngineWebhookSecret: os.Getenv("VOICEDESK_ENGINE_WEBHOOK_SECRET"),
		EngineToolSecret:    os.Getenv("VOICEDESK_ENGINE_TOOL_SECRET"),
		AssistantName:       envOr("VOICEDESK_ASSISTANT_NAME", "Maya"),
		FirstMessage:        envOr("VOICEDESK_FIRST_MESSAGE", "Hi there! I can help you book an appointment. What day works for you?"),
		HostEmail:           os.Getenv("VOICEDESK_HOST_EMAIL"),
		HostName:            envOr("VOICEDESK_HOST_NAME", "Scheduling Team"),
		DefaultTimezone:     envOr("VOICEDESK_DEFAULT_TIMEZONE", "America/Los_Angeles"),
		GoogleClientID:      os.Getenv("VOICEDESK_GOOGLE_CLIENT_ID"),
		GoogleClientSecret:  os.Getenv("VOICEDESK_GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:   os.Getenv("VOICEDESK_GOOGLE_REDIRECT_URL"),
		GoogleCalendarID:    envOr("VOICEDESK_GOOGLE_CALENDAR_ID", "primary"),
		GoogleTokenFile:     envOr("VOICEDESK_GOOGLE_TOKEN_FILE", ".google_token.json"),
		BookingMaxRetries:   uint64(envIntOr("VOICEDESK_BOOKING_MAX_RETRIES", 2)),
		BookingRetryBase:    envDurationOr("VOICEDESK_BOOKING_RETRY_BASE", 500*time.Millisecond),
		BookingTimeout:      envDurationOr("VOICEDESK_BOOKING_TIMEOUT", 30*time.Second),
		CORSAllowedOrigins:  make(map[string]struct{}),
		LimitRPS:            envFloat64Or("VOICEDESK_RATE_LIMIT_RPS", 5.0),
		LimitBurst:          envIntOr("VOICEDESK_RATE_LIMIT_BURST", 10),
		MaxBodyBytes:        envInt64Or("VOICEDESK_MAX_BODY_BYTES", 64<<10), // 64 KiB
		ReadHeaderTimeout:   envDurationOr("VOICEDESK_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VOICEDESK_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICEDESK_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOICEDESK_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return Config{}, fmt.Errorf("VOICEDESK_PUBLIC_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.EngineBaseURL) == "" {
		return Config{}, fmt.Errorf("VOICEDESK_ENGINE_BASE_URL must not be empty")
	}
	if cfg.HostEmail != "" && !strings.Contains(cfg.HostEmail, "@") {
		return Config{}, fmt.Errorf("VOICEDESK_HOST_EMAIL must be an email address")
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return Config{}, fmt.Errorf("VOICEDESK_DEFAULT_TIMEZONE must be a valid IANA zone: %v", err)
	}
	if cfg.BookingRetryBase <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_BOOKING_RETRY_BASE must be > 0")
	}
	if cfg.BookingTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_BOOKING_TIMEOUT must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VOICEDESK_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VOICEDESK_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
