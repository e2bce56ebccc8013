package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the CallFlux orchestrator.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	PBXHost       string // FreePBX host driving the calls (required)
	HTTPPort      int    // tenant API + action/push listen port
	ActionBaseURL string // base URL the PBX uses to fetch action scripts

	ARIPort     int // ARI HTTP/WebSocket port on the PBX
	ARIUsername string
	ARIPassword string
	ARIApp      string // stasis application name

	TrunkServerURL string // trunk inventory endpoint, empty disables refresh
	CatalogURL     string // campaign catalog endpoint, empty disables refresh
	CatalogFile    string // local campaign catalog JSON, used when no URL is set
	LogLevel       string
	LogFormat      string // "text" or "json"
}

// defaults
const (
	defaultHTTPPort      = 3000
	defaultActionBaseURL = "http://localhost:3000"
	defaultARIPort       = 8088
	defaultARIUsername   = "callflux"
	defaultARIApp        = "callflux"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// envPrefix is the prefix for CallFlux-specific environment variables.
// PBX host, action base URL and port keep their historical unprefixed
// names (FREEPBX_IP, ACTION_BASE_URL, PORT).
const envPrefix = "CALLFLUX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults. The PBX host may also be
// supplied as the first positional argument.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callflux", flag.ContinueOnError)

	fs.StringVar(&cfg.PBXHost, "pbx-host", "", "FreePBX host (required; also FREEPBX_IP or first argument)")
	fs.IntVar(&cfg.HTTPPort, "port", defaultHTTPPort, "HTTP listen port")
	fs.StringVar(&cfg.ActionBaseURL, "action-base-url", defaultActionBaseURL, "base URL the PBX uses to fetch action scripts")
	fs.IntVar(&cfg.ARIPort, "ari-port", defaultARIPort, "ARI port on the PBX")
	fs.StringVar(&cfg.ARIUsername, "ari-username", defaultARIUsername, "ARI username")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	fs.StringVar(&cfg.ARIApp, "ari-app", defaultARIApp, "ARI stasis application name")
	fs.StringVar(&cfg.TrunkServerURL, "trunk-server-url", "", "trunk inventory endpoint (empty disables periodic refresh)")
	fs.StringVar(&cfg.CatalogURL, "catalog-url", "", "campaign catalog endpoint (empty disables periodic refresh)")
	fs.StringVar(&cfg.CatalogFile, "catalog-file", "", "local campaign catalog JSON file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	// Historical invocation style: the PBX host as the first bare argument.
	if cfg.PBXHost == "" && fs.NArg() > 0 {
		cfg.PBXHost = fs.Arg(0)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"pbx-host":         "FREEPBX_IP",
		"port":             "PORT",
		"action-base-url":  "ACTION_BASE_URL",
		"ari-port":         envPrefix + "ARI_PORT",
		"ari-username":     envPrefix + "ARI_USERNAME",
		"ari-password":     envPrefix + "ARI_PASSWORD",
		"ari-app":          envPrefix + "ARI_APP",
		"trunk-server-url": envPrefix + "TRUNK_SERVER_URL",
		"catalog-url":      envPrefix + "CATALOG_URL",
		"catalog-file":     envPrefix + "CATALOG_FILE",
		"log-level":        envPrefix + "LOG_LEVEL",
		"log-format":       envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "pbx-host":
			cfg.PBXHost = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "action-base-url":
			cfg.ActionBaseURL = val
		case "ari-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ARIPort = v
			}
		case "ari-username":
			cfg.ARIUsername = val
		case "ari-password":
			cfg.ARIPassword = val
		case "ari-app":
			cfg.ARIApp = val
		case "trunk-server-url":
			cfg.TrunkServerURL = val
		case "catalog-url":
			cfg.CatalogURL = val
		case "catalog-file":
			cfg.CatalogFile = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.PBXHost == "" {
		return fmt.Errorf("pbx host is required (set FREEPBX_IP or pass it as the first argument)")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.ARIPort < 1 || c.ARIPort > 65535 {
		return fmt.Errorf("ari-port must be between 1 and 65535, got %d", c.ARIPort)
	}
	if _, err := url.Parse(c.ActionBaseURL); err != nil {
		return fmt.Errorf("action-base-url is not a valid URL: %w", err)
	}
	c.ActionBaseURL = strings.TrimRight(c.ActionBaseURL, "/")

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ARIBaseURL returns the base URL of the PBX's ARI REST interface.
func (c *Config) ARIBaseURL() string {
	return fmt.Sprintf("http://%s:%d/ari", c.PBXHost, c.ARIPort)
}

// ARIWebSocketURL returns the URL of the ARI event stream websocket.
func (c *Config) ARIWebSocketURL() string {
	q := url.Values{}
	q.Set("app", c.ARIApp)
	q.Set("api_key", c.ARIUsername+":"+c.ARIPassword)
	q.Set("subscribeAll", "true")
	return fmt.Sprintf("ws://%s:%d/ari/events?%s", c.PBXHost, c.ARIPort, q.Encode())
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
