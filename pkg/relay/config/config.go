package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// liveEndpointPath is the BidiGenerateContent WebSocket endpoint on the
// generative language API host.
const liveEndpointPath = "/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

type Config struct {
	Host string
	Port int

	// APIKey may be empty. The server still boots and serves clients, but
	// every upstream connect fails and sessions run in degraded mode.
	APIKey string

	Model        string
	UpstreamHost string

	// ContextFile points at the page-context lookup file (.json, .yaml or
	// .yml). Empty means no library; every lookup falls back.
	ContextFile     string
	ContextFallback string

	// AllowedOrigins restricts WebSocket upgrades. Empty => any origin.
	AllowedOrigins map[string]struct{}

	LogLevel  string
	LogFormat string

	MaxSessions          int
	MaxSessionsPerClient int

	MaxMessageBytes int64

	// Inbound media chunk rate per session. Zero disables the
	// corresponding dimension of the limiter.
	InboundFramesPerSecond int
	InboundBytesPerSecond  int64
	InboundBurstSeconds    int

	HandshakeTimeout       time.Duration
	UpstreamConnectTimeout time.Duration
	WriteTimeout           time.Duration
	PingInterval           time.Duration
	ReadIdleTimeout        time.Duration
	MaxSessionDuration     time.Duration
	ShutdownGracePeriod    time.Duration
	ReadHeaderTimeout      time.Duration

	OutboundQueueSize int
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Host:                   envOr("SCREEN_RELAY_HOST", "localhost"),
		Port:                   envIntOr("SCREEN_RELAY_PORT", 9083),
		APIKey:                 firstEnv("GOOGLE_API_KEY", "GEMINI_API_KEY"),
		Model:                  envOr("SCREEN_RELAY_MODEL", "gemini-2.0-flash-exp"),
		UpstreamHost:           envOr("SCREEN_RELAY_UPSTREAM_HOST", "generativelanguage.googleapis.com"),
		ContextFile:            strings.TrimSpace(os.Getenv("SCREEN_RELAY_CONTEXT_FILE")),
		ContextFallback:        strings.TrimSpace(os.Getenv("SCREEN_RELAY_CONTEXT_FALLBACK")),
		AllowedOrigins:         make(map[string]struct{}),
		LogLevel:               envOr("SCREEN_RELAY_LOG_LEVEL", "info"),
		LogFormat:              envOr("SCREEN_RELAY_LOG_FORMAT", "text"),
		MaxSessions:            envIntOr("SCREEN_RELAY_MAX_SESSIONS", 64),
		MaxSessionsPerClient:   envIntOr("SCREEN_RELAY_MAX_SESSIONS_PER_CLIENT", 8),
		MaxMessageBytes:        envInt64Or("SCREEN_RELAY_MAX_MESSAGE_BYTES", 8<<20), // base64 JPEG frames
		InboundFramesPerSecond: envIntOr("SCREEN_RELAY_INBOUND_FPS", 120),
		InboundBytesPerSecond:  envInt64Or("SCREEN_RELAY_INBOUND_BYTES_PER_SECOND", 0),
		InboundBurstSeconds:    envIntOr("SCREEN_RELAY_INBOUND_BURST_SECONDS", 2),
		HandshakeTimeout:       envDurationOr("SCREEN_RELAY_HANDSHAKE_TIMEOUT", 10*time.Second),
		UpstreamConnectTimeout: envDurationOr("SCREEN_RELAY_CONNECT_TIMEOUT", 15*time.Second),
		WriteTimeout:           envDurationOr("SCREEN_RELAY_WRITE_TIMEOUT", 10*time.Second),
		PingInterval:           envDurationOr("SCREEN_RELAY_PING_INTERVAL", 20*time.Second),
		ReadIdleTimeout:        envDurationOr("SCREEN_RELAY_READ_IDLE_TIMEOUT", 90*time.Second),
		MaxSessionDuration:     envDurationOr("SCREEN_RELAY_MAX_SESSION_DURATION", time.Hour),
		ShutdownGracePeriod:    envDurationOr("SCREEN_RELAY_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		ReadHeaderTimeout:      envDurationOr("SCREEN_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		OutboundQueueSize:      envIntOr("SCREEN_RELAY_OUTBOUND_QUEUE", 64),
	}

	for _, origin := range splitCSV(os.Getenv("SCREEN_RELAY_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_PORT must be in 1..65535")
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return Config{}, fmt.Errorf("SCREEN_RELAY_HOST must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("SCREEN_RELAY_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.UpstreamHost) == "" {
		return Config{}, fmt.Errorf("SCREEN_RELAY_UPSTREAM_HOST must not be empty")
	}
	if strings.Contains(cfg.UpstreamHost, "://") || strings.Contains(cfg.UpstreamHost, "/") {
		return Config{}, fmt.Errorf("SCREEN_RELAY_UPSTREAM_HOST must be a bare host, not a URL")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("SCREEN_RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("SCREEN_RELAY_LOG_FORMAT must be one of text|json")
	}
	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_MAX_SESSIONS must be > 0")
	}
	if cfg.MaxSessionsPerClient <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_MAX_SESSIONS_PER_CLIENT must be > 0")
	}
	if cfg.MaxSessionsPerClient > cfg.MaxSessions {
		return Config{}, fmt.Errorf("SCREEN_RELAY_MAX_SESSIONS_PER_CLIENT must be <= SCREEN_RELAY_MAX_SESSIONS")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.InboundFramesPerSecond < 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_INBOUND_FPS must be >= 0")
	}
	if cfg.InboundBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_INBOUND_BYTES_PER_SECOND must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.InboundFramesPerSecond > 0 || cfg.InboundBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_INBOUND_BURST_SECONDS must be >= 1 when the inbound limiter is enabled")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_WRITE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_PING_INTERVAL must be > 0")
	}
	if cfg.ReadIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_READ_IDLE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("SCREEN_RELAY_OUTBOUND_QUEUE must be > 0")
	}

	return cfg, nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UpstreamURL returns the live WebSocket endpoint URL including the API key.
// It must never be logged.
func (c Config) UpstreamURL() string {
	return "wss://" + c.UpstreamHost + liveEndpointPath + "?key=" + url.QueryEscape(c.APIKey)
}

// QualifiedModel returns the model name in the models/<name> form the live
// endpoint expects.
func (c Config) QualifiedModel() string {
	if strings.Contains(c.Model, "/") {
		return c.Model
	}
	return "models/" + c.Model
}

// OriginAllowed reports whether a WebSocket upgrade from origin is accepted.
// An empty allowlist admits every origin, matching the open demo posture.
func (c Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	_, ok := c.AllowedOrigins[origin]
	return ok
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
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
