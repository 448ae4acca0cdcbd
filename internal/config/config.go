package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selection values for APP_BACKEND.
const (
	BackendDummy  = "dummy"
	BackendVendor = "vendor"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	DataDir          string
	SinksFile        string

	Backend string
	Vendor  VendorConfig
	Dummy   DummyConfig

	Session SessionConfig
	Calib   CalibConfig
	WS      WebsocketConfig
}

// VendorConfig points at the external tracker runtime.
type VendorConfig struct {
	Addr    string
	Timeout time.Duration
}

// DummyConfig tunes the synthetic tracker.
type DummyConfig struct {
	RateHz    int
	DropEvery int
}

// SessionConfig carries lifecycle tunables.
type SessionConfig struct {
	MaxSilence           time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectJitter      float64
	MaxReconnectAttempts int
	MaxReconnectElapsed  time.Duration
	ShutdownGrace        time.Duration
	ClockFitWindow       int
	DisplayWidthPx       int
	DisplayHeightPx      int
}

// CalibConfig carries calibration acceptance thresholds.
type CalibConfig struct {
	AcceptThreshold float64
	MaxErrorDeg     float64
	PointSettle     time.Duration
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	QueueSize    int
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		DataDir:          "./data",
		Backend:          BackendDummy,
		Vendor: VendorConfig{
			Timeout: 5 * time.Second,
		},
		Dummy: DummyConfig{
			RateHz: 60,
		},
		Session: SessionConfig{
			MaxSilence:           2 * time.Second,
			ReconnectBase:        time.Second,
			ReconnectCap:         30 * time.Second,
			ReconnectJitter:      0.2,
			MaxReconnectAttempts: 10,
			ShutdownGrace:        5 * time.Second,
			ClockFitWindow:       120,
		},
		Calib: CalibConfig{
			AcceptThreshold: 0.8,
			MaxErrorDeg:     1.5,
			PointSettle:     500 * time.Millisecond,
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
			QueueSize:    256,
		},
	}

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PROMETHEUS")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_DATA_DIR")); value != "" {
		cfg.DataDir = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_SINKS_FILE")); value != "" {
		cfg.SinksFile = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_BACKEND")); value != "" {
		switch value {
		case BackendDummy, BackendVendor:
			cfg.Backend = value
		default:
			return Config{}, fmt.Errorf("APP_BACKEND must be %q or %q, got %q", BackendDummy, BackendVendor, value)
		}
	}

	if value := strings.TrimSpace(os.Getenv("APP_VENDOR_ADDR")); value != "" {
		cfg.Vendor.Addr = value
	}
	if cfg.Backend == BackendVendor && cfg.Vendor.Addr == "" {
		return Config{}, fmt.Errorf("APP_VENDOR_ADDR is required with APP_BACKEND=%s", BackendVendor)
	}

	if value := strings.TrimSpace(os.Getenv("APP_VENDOR_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_VENDOR_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_VENDOR_TIMEOUT must be > 0")
		}
		cfg.Vendor.Timeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_DUMMY_RATE_HZ")); value != "" {
		rate, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_DUMMY_RATE_HZ: %w", err)
		}
		if rate <= 0 {
			return Config{}, fmt.Errorf("APP_DUMMY_RATE_HZ must be > 0")
		}
		cfg.Dummy.RateHz = rate
	}

	if value := strings.TrimSpace(os.Getenv("APP_DUMMY_DROP_EVERY")); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_DUMMY_DROP_EVERY: %w", err)
		}
		if n < 0 {
			return Config{}, fmt.Errorf("APP_DUMMY_DROP_EVERY must be >= 0")
		}
		cfg.Dummy.DropEvery = n
	}

	if value := strings.TrimSpace(os.Getenv("APP_MAX_SILENCE")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_MAX_SILENCE: %w", err)
		}
		if dur <= 0 {
			return Config{}, fmt.Errorf("APP_MAX_SILENCE must be > 0")
		}
		cfg.Session.MaxSilence = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_RECONNECT_BASE")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_RECONNECT_BASE: %w", err)
		}
		if dur <= 0 {
			return Config{}, fmt.Errorf("APP_RECONNECT_BASE must be > 0")
		}
		cfg.Session.ReconnectBase = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_RECONNECT_CAP")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_RECONNECT_CAP: %w", err)
		}
		if dur <= 0 {
			return Config{}, fmt.Errorf("APP_RECONNECT_CAP must be > 0")
		}
		cfg.Session.ReconnectCap = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_RECONNECT_JITTER")); value != "" {
		jitter, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_RECONNECT_JITTER: %w", err)
		}
		if jitter < 0 || jitter >= 1 {
			return Config{}, fmt.Errorf("APP_RECONNECT_JITTER must be in [0, 1)")
		}
		cfg.Session.ReconnectJitter = jitter
	}

	if value := strings.TrimSpace(os.Getenv("APP_RECONNECT_MAX_ATTEMPTS")); value != "" {
		attempts, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_RECONNECT_MAX_ATTEMPTS: %w", err)
		}
		if attempts < 0 {
			return Config{}, fmt.Errorf("APP_RECONNECT_MAX_ATTEMPTS must be >= 0")
		}
		cfg.Session.MaxReconnectAttempts = attempts
	}

	if value := strings.TrimSpace(os.Getenv("APP_RECONNECT_MAX_ELAPSED")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_RECONNECT_MAX_ELAPSED: %w", err)
		}
		if dur < 0 {
			return Config{}, fmt.Errorf("APP_RECONNECT_MAX_ELAPSED must be >= 0")
		}
		cfg.Session.MaxReconnectElapsed = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_SHUTDOWN_GRACE")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_SHUTDOWN_GRACE: %w", err)
		}
		if dur <= 0 {
			return Config{}, fmt.Errorf("APP_SHUTDOWN_GRACE must be > 0")
		}
		cfg.Session.ShutdownGrace = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_CLOCK_FIT_WINDOW")); value != "" {
		window, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_CLOCK_FIT_WINDOW: %w", err)
		}
		if window < 2 {
			return Config{}, fmt.Errorf("APP_CLOCK_FIT_WINDOW must be >= 2")
		}
		cfg.Session.ClockFitWindow = window
	}

	if value := strings.TrimSpace(os.Getenv("APP_DISPLAY_WIDTH_PX")); value != "" {
		px, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_DISPLAY_WIDTH_PX: %w", err)
		}
		if px < 0 {
			return Config{}, fmt.Errorf("APP_DISPLAY_WIDTH_PX must be >= 0")
		}
		cfg.Session.DisplayWidthPx = px
	}

	if value := strings.TrimSpace(os.Getenv("APP_DISPLAY_HEIGHT_PX")); value != "" {
		px, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_DISPLAY_HEIGHT_PX: %w", err)
		}
		if px < 0 {
			return Config{}, fmt.Errorf("APP_DISPLAY_HEIGHT_PX must be >= 0")
		}
		cfg.Session.DisplayHeightPx = px
	}

	if value := strings.TrimSpace(os.Getenv("APP_CALIB_ACCEPT_THRESHOLD")); value != "" {
		threshold, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_CALIB_ACCEPT_THRESHOLD: %w", err)
		}
		if threshold <= 0 || threshold > 1 {
			return Config{}, fmt.Errorf("APP_CALIB_ACCEPT_THRESHOLD must be in (0, 1]")
		}
		cfg.Calib.AcceptThreshold = threshold
	}

	if value := strings.TrimSpace(os.Getenv("APP_CALIB_MAX_ERROR_DEG")); value != "" {
		deg, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_CALIB_MAX_ERROR_DEG: %w", err)
		}
		if deg <= 0 {
			return Config{}, fmt.Errorf("APP_CALIB_MAX_ERROR_DEG must be > 0")
		}
		cfg.Calib.MaxErrorDeg = deg
	}

	if value := strings.TrimSpace(os.Getenv("APP_CALIB_POINT_SETTLE")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_CALIB_POINT_SETTLE: %w", err)
		}
		if dur < 0 {
			return Config{}, fmt.Errorf("APP_CALIB_POINT_SETTLE must be >= 0")
		}
		cfg.Calib.PointSettle = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("APP_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_WRITE_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_WRITE_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_WS_WRITE_TIMEOUT must be > 0")
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_READ_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_READ_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_WS_READ_TIMEOUT must be > 0")
		}
		cfg.WS.ReadTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_QUEUE")); value != "" {
		size, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_QUEUE: %w", err)
		}
		if size <= 0 {
			return Config{}, fmt.Errorf("APP_WS_QUEUE must be > 0")
		}
		cfg.WS.QueueSize = size
	}

	return cfg, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
