// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// server, logging, the durable store, rate limiting, the realtime relay and
// client sessions, the change feed, the Redis presence mirror, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings. The same
// allowlist is used to validate the Origin of websocket upgrades.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-chat-realtime")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and addresses the durable store.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite path
	DSN    string // Postgres DSN
}

// RealtimeConfig holds the timing constants shared by the relay and client
// sessions. Defaults follow the coordination contract: 30s heartbeats,
// 3s typing expiry, 5m idle-to-away, 60s dedup horizon and a 1s..30s
// reconnection backoff capped at 5 attempts.
type RealtimeConfig struct {
	HeartbeatInterval    time.Duration
	TypingTTL            time.Duration
	IdleAfter            time.Duration
	DedupHorizon         time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int
	MaxContentRunes      int
}

// WSConfig tunes the websocket pumps.
type WSConfig struct {
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	EventRPS        float64 // per-connection inbound events/sec; 0 disables
	EventBurst      int
}

// ChangesConfig controls the change feed exposed by the durable store.
type ChangesConfig struct {
	LongPoll      time.Duration
	Retention     time.Duration
	RetentionCron string
}

// RedisConfig addresses the optional presence mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	DB DBConfig

	// HTTP rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	Realtime RealtimeConfig
	WS       WSConfig
	Changes  ChangesConfig
	Redis    RedisConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "realtime.db"),
			DSN:    getenv("DB_DSN", ""),
		},

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		Realtime: RealtimeConfig{
			HeartbeatInterval:    getdur("HEARTBEAT_INTERVAL", 30*time.Second),
			TypingTTL:            getdur("TYPING_TTL", 3*time.Second),
			IdleAfter:            getdur("IDLE_AFTER", 5*time.Minute),
			DedupHorizon:         getdur("DEDUP_HORIZON", 60*time.Second),
			ReconnectBase:        getdur("RECONNECT_BASE", time.Second),
			ReconnectCap:         getdur("RECONNECT_CAP", 30*time.Second),
			ReconnectMaxAttempts: getint("RECONNECT_MAX_ATTEMPTS", 5),
			MaxContentRunes:      getint("MAX_CONTENT_RUNES", 4000),
		},
		WS: WSConfig{
			WriteWait:       getdur("WS_WRITE_WAIT", 10*time.Second),
			PongWait:        getdur("WS_PONG_WAIT", 60*time.Second),
			MaxMessageBytes: int64(getint("WS_MAX_MESSAGE_BYTES", 64<<10)),
			SendBuffer:      getint("WS_SEND_BUFFER", 256),
			EventRPS:        getfloat("WS_EVENT_RPS", 20),
			EventBurst:      getint("WS_EVENT_BURST", 40),
		},
		Changes: ChangesConfig{
			LongPoll:      getdur("CHANGES_LONG_POLL", 25*time.Second),
			Retention:     getdur("CHANGES_RETENTION", 24*time.Hour),
			RetentionCron: getenv("CHANGES_RETENTION_CRON", "*/15 * * * *"),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", ""),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-realtime"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DB_DSN is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if err := cfg.Realtime.validate(); err != nil {
		return cfg, err
	}
	if cfg.WS.WriteWait <= 0 || cfg.WS.PongWait <= 0 {
		return cfg, errors.New("WS_WRITE_WAIT and WS_PONG_WAIT must be positive durations")
	}
	if cfg.WS.MaxMessageBytes <= 0 || cfg.WS.SendBuffer <= 0 {
		return cfg, errors.New("WS_MAX_MESSAGE_BYTES and WS_SEND_BUFFER must be > 0")
	}
	if cfg.WS.EventRPS < 0 || cfg.WS.EventBurst < 1 {
		return cfg, errors.New("WS_EVENT_RPS must be >= 0 and WS_EVENT_BURST >= 1")
	}
	if cfg.Changes.LongPoll <= 0 || cfg.Changes.Retention <= 0 {
		return cfg, errors.New("CHANGES_LONG_POLL and CHANGES_RETENTION must be positive durations")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func (r RealtimeConfig) validate() error {
	if r.HeartbeatInterval <= 0 || r.TypingTTL <= 0 || r.IdleAfter <= 0 || r.DedupHorizon <= 0 {
		return errors.New("HEARTBEAT_INTERVAL, TYPING_TTL, IDLE_AFTER and DEDUP_HORIZON must be positive durations")
	}
	if r.ReconnectBase <= 0 || r.ReconnectCap < r.ReconnectBase {
		return errors.New("RECONNECT_BASE must be > 0 and RECONNECT_CAP >= RECONNECT_BASE")
	}
	if r.ReconnectMaxAttempts < 0 {
		return errors.New("RECONNECT_MAX_ATTEMPTS must be >= 0")
	}
	if r.MaxContentRunes < 1 {
		return errors.New("MAX_CONTENT_RUNES must be >= 1")
	}
	return nil
}

// StaleAfter is the recommended soft timeout after which consumers treat a
// peer's presence as stale: twice the heartbeat interval.
func (r RealtimeConfig) StaleAfter() time.Duration { return 2 * r.HeartbeatInterval }

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
