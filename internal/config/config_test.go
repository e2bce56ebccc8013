package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"FREEPBX_IP", "PORT", "ACTION_BASE_URL",
		"CALLFLUX_ARI_PORT", "CALLFLUX_ARI_USERNAME", "CALLFLUX_ARI_PASSWORD",
		"CALLFLUX_ARI_APP", "CALLFLUX_TRUNK_SERVER_URL", "CALLFLUX_CATALOG_URL",
		"CALLFLUX_CATALOG_FILE", "CALLFLUX_LOG_LEVEL", "CALLFLUX_LOG_FORMAT",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("FREEPBX_IP", "10.0.0.5")

	os.Args = []string{"callflux"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PBXHost != "10.0.0.5" {
		t.Errorf("PBXHost = %q, want 10.0.0.5", cfg.PBXHost)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.ActionBaseURL != defaultActionBaseURL {
		t.Errorf("ActionBaseURL = %q, want %q", cfg.ActionBaseURL, defaultActionBaseURL)
	}
	if cfg.ARIPort != defaultARIPort {
		t.Errorf("ARIPort = %d, want %d", cfg.ARIPort, defaultARIPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestMissingPBXHost(t *testing.T) {
	clearEnv(t)

	os.Args = []string{"callflux"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error when no PBX host is configured")
	}
}

func TestPBXHostPositionalArg(t *testing.T) {
	clearEnv(t)

	os.Args = []string{"callflux", "192.168.1.20"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PBXHost != "192.168.1.20" {
		t.Errorf("PBXHost = %q, want 192.168.1.20", cfg.PBXHost)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("FREEPBX_IP", "pbx.internal")
	t.Setenv("PORT", "8090")
	t.Setenv("ACTION_BASE_URL", "http://orchestrator:8090/")
	t.Setenv("CALLFLUX_LOG_LEVEL", "debug")

	os.Args = []string{"callflux"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 8090 {
		t.Errorf("HTTPPort = %d, want 8090", cfg.HTTPPort)
	}
	// Trailing slash is normalized away so URL joins stay predictable.
	if cfg.ActionBaseURL != "http://orchestrator:8090" {
		t.Errorf("ActionBaseURL = %q, want http://orchestrator:8090", cfg.ActionBaseURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagBeatsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8090")

	os.Args = []string{"callflux", "-port", "4000", "-pbx-host", "pbx"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 4000 {
		t.Errorf("HTTPPort = %d, want 4000 (CLI flag should win)", cfg.HTTPPort)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	t.Setenv("FREEPBX_IP", "pbx")
	t.Setenv("CALLFLUX_LOG_LEVEL", "verbose")

	os.Args = []string{"callflux"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestARIWebSocketURL(t *testing.T) {
	cfg := &Config{
		PBXHost:     "10.1.1.1",
		ARIPort:     8088,
		ARIUsername: "user",
		ARIPassword: "pass",
		ARIApp:      "callflux",
	}
	got := cfg.ARIWebSocketURL()
	want := "ws://10.1.1.1:8088/ari/events?api_key=user%3Apass&app=callflux&subscribeAll=true"
	if got != want {
		t.Errorf("ARIWebSocketURL = %q, want %q", got, want)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
