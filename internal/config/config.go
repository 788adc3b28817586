// Package config loads runtime configuration from CLI flags and
// environment variables, plus the hot-reloadable providers file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the commgate server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	HTTPPort      int
	ProvidersFile string

	PBXHost     string
	PBXPort     int
	PBXUsername string
	PBXPassword string

	NationalPrefix string // e.g. "+590", used for number cosmetics and routing
	TrunkLines     string // comma-separated trunk-identifying substrings

	FCMCredentials string // service-account JSON file for mobile push
	WebPushURL     string // external web-push gateway
	WebPushKey     string

	JWTSecret   string // hex-encoded 32-byte secret for mobile app JWT signing
	CORSOrigins string

	FullHistoryOnStart bool // first reflector cycle fetches full history

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultProvidersFile = "providers.yaml"
	defaultPBXPort       = 5038
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// envPrefix is the prefix for all commgate environment variables.
const envPrefix = "COMMGATE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("commgate", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.ProvidersFile, "providers-file", defaultProvidersFile, "path to the hot-reloadable providers file")
	fs.StringVar(&cfg.PBXHost, "pbx-host", "", "PBX manager interface host")
	fs.IntVar(&cfg.PBXPort, "pbx-port", defaultPBXPort, "PBX manager interface port")
	fs.StringVar(&cfg.PBXUsername, "pbx-username", "", "PBX manager interface username")
	fs.StringVar(&cfg.PBXPassword, "pbx-password", "", "PBX manager interface password")
	fs.StringVar(&cfg.NationalPrefix, "national-prefix", "", "national number prefix (e.g. +590)")
	fs.StringVar(&cfg.TrunkLines, "trunk-lines", "", "comma-separated trunk-identifying channel substrings")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "path to the FCM service-account JSON file")
	fs.StringVar(&cfg.WebPushURL, "web-push-url", "", "URL of the external web-push gateway")
	fs.StringVar(&cfg.WebPushKey, "web-push-key", "", "API key for the web-push gateway")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for mobile app JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.BoolVar(&cfg.FullHistoryOnStart, "full-history-on-start", false, "fetch full conversation history on the first sync cycle")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line, preserving the precedence
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":              envPrefix + "DATA_DIR",
		"http-port":             envPrefix + "HTTP_PORT",
		"providers-file":        envPrefix + "PROVIDERS_FILE",
		"pbx-host":              envPrefix + "PBX_HOST",
		"pbx-port":              envPrefix + "PBX_PORT",
		"pbx-username":          envPrefix + "PBX_USERNAME",
		"pbx-password":          envPrefix + "PBX_PASSWORD",
		"national-prefix":       envPrefix + "NATIONAL_PREFIX",
		"trunk-lines":           envPrefix + "TRUNK_LINES",
		"fcm-credentials":       envPrefix + "FCM_CREDENTIALS",
		"web-push-url":          envPrefix + "WEB_PUSH_URL",
		"web-push-key":          envPrefix + "WEB_PUSH_KEY",
		"jwt-secret":            envPrefix + "JWT_SECRET",
		"cors-origins":          envPrefix + "CORS_ORIGINS",
		"full-history-on-start": envPrefix + "FULL_HISTORY_ON_START",
		"log-level":             envPrefix + "LOG_LEVEL",
		"log-format":            envPrefix + "LOG_FORMAT",
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
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "providers-file":
			cfg.ProvidersFile = val
		case "pbx-host":
			cfg.PBXHost = val
		case "pbx-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PBXPort = v
			}
		case "pbx-username":
			cfg.PBXUsername = val
		case "pbx-password":
			cfg.PBXPassword = val
		case "national-prefix":
			cfg.NationalPrefix = val
		case "trunk-lines":
			cfg.TrunkLines = val
		case "fcm-credentials":
			cfg.FCMCredentials = val
		case "web-push-url":
			cfg.WebPushURL = val
		case "web-push-key":
			cfg.WebPushKey = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "full-history-on-start":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.FullHistoryOnStart = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.PBXPort < 1 || c.PBXPort > 65535 {
		return fmt.Errorf("pbx-port must be between 1 and 65535, got %d", c.PBXPort)
	}
	if c.NationalPrefix != "" && !strings.HasPrefix(c.NationalPrefix, "+") {
		return fmt.Errorf("national-prefix must start with +, got %q", c.NationalPrefix)
	}

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

// TrunkLineList splits the configured trunk names.
func (c *Config) TrunkLineList() []string {
	if c.TrunkLines == "" {
		return nil
	}
	parts := strings.Split(c.TrunkLines, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// PBXConfigured reports whether the manager interface can be used.
func (c *Config) PBXConfigured() bool {
	return c.PBXHost != "" && c.PBXUsername != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret. If no
// secret is configured, an ephemeral one is generated for the process
// lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler with the configured format and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured level.
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
