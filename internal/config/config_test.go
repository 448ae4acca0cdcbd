package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.Backend != BackendDummy {
		t.Fatalf("unexpected Backend %q", cfg.Backend)
	}
	if cfg.Dummy.RateHz != 60 {
		t.Fatalf("unexpected Dummy.RateHz %d", cfg.Dummy.RateHz)
	}
	if cfg.Session.MaxSilence != 2*time.Second {
		t.Fatalf("unexpected MaxSilence %s", cfg.Session.MaxSilence)
	}
	if cfg.Session.ReconnectBase != time.Second {
		t.Fatalf("unexpected ReconnectBase %s", cfg.Session.ReconnectBase)
	}
	if cfg.Session.ReconnectCap != 30*time.Second {
		t.Fatalf("unexpected ReconnectCap %s", cfg.Session.ReconnectCap)
	}
	if cfg.Session.ReconnectJitter != 0.2 {
		t.Fatalf("unexpected ReconnectJitter %v", cfg.Session.ReconnectJitter)
	}
	if cfg.Calib.AcceptThreshold != 0.8 {
		t.Fatalf("unexpected AcceptThreshold %v", cfg.Calib.AcceptThreshold)
	}
	if cfg.Calib.MaxErrorDeg != 1.5 {
		t.Fatalf("unexpected MaxErrorDeg %v", cfg.Calib.MaxErrorDeg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_DATA_DIR", "/tmp/gazecap")
	t.Setenv("APP_BACKEND", "vendor")
	t.Setenv("APP_VENDOR_ADDR", "127.0.0.1:4100")
	t.Setenv("APP_VENDOR_TIMEOUT", "10s")
	t.Setenv("APP_MAX_SILENCE", "1500ms")
	t.Setenv("APP_RECONNECT_BASE", "250ms")
	t.Setenv("APP_RECONNECT_CAP", "10s")
	t.Setenv("APP_RECONNECT_JITTER", "0.1")
	t.Setenv("APP_RECONNECT_MAX_ATTEMPTS", "5")
	t.Setenv("APP_SHUTDOWN_GRACE", "2s")
	t.Setenv("APP_CLOCK_FIT_WINDOW", "200")
	t.Setenv("APP_DISPLAY_WIDTH_PX", "1920")
	t.Setenv("APP_DISPLAY_HEIGHT_PX", "1080")
	t.Setenv("APP_CALIB_ACCEPT_THRESHOLD", "0.9")
	t.Setenv("APP_CALIB_MAX_ERROR_DEG", "1.0")
	t.Setenv("APP_WS_MAX_CLIENTS", "2048")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")
	t.Setenv("APP_WS_QUEUE", "512")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePrometheus || !cfg.EnablePprof {
		t.Fatalf("observability toggles override failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if cfg.Backend != BackendVendor || cfg.Vendor.Addr != "127.0.0.1:4100" {
		t.Fatalf("backend override failed: %q addr %q", cfg.Backend, cfg.Vendor.Addr)
	}
	if cfg.Vendor.Timeout != 10*time.Second {
		t.Fatalf("Vendor.Timeout override failed, got %s", cfg.Vendor.Timeout)
	}
	if cfg.Session.MaxSilence != 1500*time.Millisecond {
		t.Fatalf("MaxSilence override failed, got %s", cfg.Session.MaxSilence)
	}
	if cfg.Session.ReconnectBase != 250*time.Millisecond || cfg.Session.ReconnectCap != 10*time.Second {
		t.Fatalf("reconnect overrides failed: %s / %s", cfg.Session.ReconnectBase, cfg.Session.ReconnectCap)
	}
	if cfg.Session.ReconnectJitter != 0.1 || cfg.Session.MaxReconnectAttempts != 5 {
		t.Fatalf("reconnect overrides failed: %v / %d", cfg.Session.ReconnectJitter, cfg.Session.MaxReconnectAttempts)
	}
	if cfg.Session.DisplayWidthPx != 1920 || cfg.Session.DisplayHeightPx != 1080 {
		t.Fatalf("display overrides failed: %dx%d", cfg.Session.DisplayWidthPx, cfg.Session.DisplayHeightPx)
	}
	if cfg.Calib.AcceptThreshold != 0.9 || cfg.Calib.MaxErrorDeg != 1.0 {
		t.Fatalf("calibration overrides failed: %v / %v", cfg.Calib.AcceptThreshold, cfg.Calib.MaxErrorDeg)
	}
	if cfg.WS.MaxClients != 2048 || cfg.WS.QueueSize != 512 {
		t.Fatalf("ws overrides failed: %d / %d", cfg.WS.MaxClients, cfg.WS.QueueSize)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad backend", "APP_BACKEND", "simulator"},
		{"bad silence", "APP_MAX_SILENCE", "-1s"},
		{"bad jitter", "APP_RECONNECT_JITTER", "1.5"},
		{"bad threshold", "APP_CALIB_ACCEPT_THRESHOLD", "0"},
		{"bad fit window", "APP_CLOCK_FIT_WINDOW", "1"},
		{"bad log level", "APP_LOG_LEVEL", "verbose"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load accepted %s=%q", tc.key, tc.value)
			}
		})
	}
}

func TestVendorBackendRequiresAddr(t *testing.T) {
	t.Setenv("APP_BACKEND", "vendor")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted vendor backend without APP_VENDOR_ADDR")
	}
}

func TestLoadSinkPresets(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sinks.yaml")
	doc := `
sinks:
  - id: session-csv
    kind: csv
    path: /var/lib/gazecap/session.csv
    capacity: 256
    policy: drop_oldest
  - id: live
    kind: publish
  - id: uplink
    kind: http
    url: https://collector.example.test/batches
    batch: 200
    age: 2s
    policy: block_producer
  - id: warehouse
    kind: postgres
    dsn: postgres://gazecap@localhost/gaze?sslmode=disable
    table: gaze_samples
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write presets: %v", err)
	}

	presets, err := LoadSinkPresets(path)
	if err != nil {
		t.Fatalf("LoadSinkPresets: %v", err)
	}
	if len(presets) != 4 {
		t.Fatalf("got %d presets, want 4", len(presets))
	}
	if presets[0].Kind != SinkCsv || presets[0].Path == "" {
		t.Errorf("csv preset mangled: %+v", presets[0])
	}
	if presets[2].Batch != 200 || presets[2].Age.Std() != 2*time.Second {
		t.Errorf("http preset mangled: %+v", presets[2])
	}
	if presets[3].Table != "gaze_samples" {
		t.Errorf("postgres preset mangled: %+v", presets[3])
	}
}

func TestLoadSinkPresetsRejectsDuplicatesAndUnknownKinds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	dup := filepath.Join(dir, "dup.yaml")
	if err := os.WriteFile(dup, []byte("sinks:\n  - {id: a, kind: publish}\n  - {id: a, kind: publish}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSinkPresets(dup); err == nil || !strings.Contains(err.Error(), "duplicate sink id") {
		t.Errorf("duplicate ids accepted: %v", err)
	}

	unknown := filepath.Join(dir, "unknown.yaml")
	if err := os.WriteFile(unknown, []byte("sinks:\n  - {id: x, kind: kafka}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSinkPresets(unknown); err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Errorf("unknown kind accepted: %v", err)
	}
}
