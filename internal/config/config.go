// Package config loads license-gate configuration from multiple sources.
//
// Precedence, lowest first:
//   - built-in defaults
//   - the JSON config file (license_config.json)
//   - .env next to the config file, then .env in the working directory
//   - LICENSE_GATE_* environment variables
//
// The encryption key is the only mandatory setting. Without it Load returns a
// *ConfigError and the process must not serve validation requests.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/pulse-license-gate/pkg/licensing"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultConfigFile is used when no path is given and LICENSE_GATE_CONFIG is unset.
	DefaultConfigFile = "license_config.json"

	maxConfigFileSize = 1 << 20
	maxKeyFileSize    = 4096
)

// Gate modes.
const (
	GateModeConsume  = "consume"
	GateModeValidate = "validate"
)

// Replay guard backends.
const (
	ReplayOff    = "off"
	ReplayMemory = "memory"
	ReplayRedis  = "redis"
)

// Config holds all license-gate settings.
type Config struct {
	// Terms shown to callers
	Title       string            `json:"title"`
	Description string            `json:"description"`
	ContactInfo map[string]string `json:"contact_info"`
	Features    []string          `json:"features"`

	// Pre-shared token secret, inline or from a file
	EncryptionKey     string `json:"encryption_key"`
	EncryptionKeyFile string `json:"encryption_key_file"`

	// Server settings
	Listen        string `json:"listen"`
	MetricsListen string `json:"metrics_listen"`
	Timezone      string `json:"timezone"`

	// Gate settings
	UpstreamURL string   `json:"upstream_url"`
	GatedPaths  []string `json:"gated_paths"`
	GateMethods []string `json:"gate_methods"`
	GateMode    string   `json:"gate_mode"`

	// Replay guard
	Replay        string `json:"replay"`
	ReplayTTL     string `json:"replay_ttl"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisPrefix   string `json:"redis_prefix"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogFile   string `json:"log_file"`

	// Path is the config file that was read, empty when none existed.
	Path string `json:"-"`
	// EnvOverrides records settings that came from the environment.
	EnvOverrides map[string]bool `json:"-"`

	secret    []byte
	location  *time.Location
	replayTTL time.Duration
	upstream  *url.URL
}

// Default returns a configuration with every optional setting filled in.
func Default() *Config {
	return &Config{
		Title:       "License Verification",
		Description: "Enter a valid license key to use this service",
		ContactInfo: map[string]string{
			"email":   "contact@example.com",
			"website": "https://example.com",
		},
		Features: []string{
			"AI image generation",
			"Video processing",
			"Custom workflows",
			"Advanced features",
		},
		Listen:        "0.0.0.0:8190",
		MetricsListen: "127.0.0.1:9191",
		GatedPaths:    []string{"/prompt", "/api/prompt"},
		GateMethods:   []string{"POST"},
		GateMode:      GateModeConsume,
		Replay:        ReplayOff,
		ReplayTTL:     "24h",
		RedisAddr:     "127.0.0.1:6379",
		RedisPrefix:   "license-gate",
		LogLevel:      "info",
		LogFormat:     "auto",
		EnvOverrides:  make(map[string]bool),
	}
}

// ResolvePath picks the config file path from the flag value, the
// LICENSE_GATE_CONFIG variable, or the default.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("LICENSE_GATE_CONFIG")); p != "" {
		return p
	}
	return DefaultConfigFile
}

// Load reads configuration and validates it.
func Load(path string) (*Config, error) {
	path = ResolvePath(path)
	cfg := Default()

	data, err := readBounded(path, maxConfigFileSize)
	switch {
	case err == nil:
		// Maps merge on decode; a file that sets contact_info replaces the defaults.
		defaultContact := cfg.ContactInfo
		cfg.ContactInfo = nil
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{Field: "config_file", Err: fmt.Errorf("parse %s: %w", path, err)}
		}
		if cfg.ContactInfo == nil {
			cfg.ContactInfo = defaultContact
		}
		cfg.Path = path
		log.Info().Str("file", path).Msg("Loaded license configuration")
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("file", path).Msg("License configuration file not found, relying on environment")
	default:
		return nil, &ConfigError{Field: "config_file", Err: err}
	}
	if cfg.EnvOverrides == nil {
		cfg.EnvOverrides = make(map[string]bool)
	}

	loadDotEnv(filepath.Dir(path))
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.resolveSecret(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(dir string) {
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if abs, err := filepath.Abs(envFile); err == nil {
		if cwd, err := filepath.Abs(".env"); err == nil && cwd == abs {
			return
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}
}

func (c *Config) applyEnv() error {
	setString := func(env, name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
			c.EnvOverrides[name] = true
		}
	}
	setList := func(env, name string, dst *[]string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = splitList(v)
			c.EnvOverrides[name] = true
		}
	}

	setString("LICENSE_GATE_ENCRYPTION_KEY", "encryption_key", &c.EncryptionKey)
	setString("LICENSE_GATE_ENCRYPTION_KEY_FILE", "encryption_key_file", &c.EncryptionKeyFile)
	setString("LICENSE_GATE_LISTEN", "listen", &c.Listen)
	setString("LICENSE_GATE_METRICS_LISTEN", "metrics_listen", &c.MetricsListen)
	setString("LICENSE_GATE_TIMEZONE", "timezone", &c.Timezone)
	setString("LICENSE_GATE_UPSTREAM_URL", "upstream_url", &c.UpstreamURL)
	setList("LICENSE_GATE_GATED_PATHS", "gated_paths", &c.GatedPaths)
	setList("LICENSE_GATE_GATE_METHODS", "gate_methods", &c.GateMethods)
	setString("LICENSE_GATE_MODE", "gate_mode", &c.GateMode)
	setString("LICENSE_GATE_REPLAY", "replay", &c.Replay)
	setString("LICENSE_GATE_REPLAY_TTL", "replay_ttl", &c.ReplayTTL)
	setString("LICENSE_GATE_REDIS_ADDR", "redis_addr", &c.RedisAddr)
	setString("LICENSE_GATE_REDIS_PASSWORD", "redis_password", &c.RedisPassword)
	setString("LICENSE_GATE_REDIS_PREFIX", "redis_prefix", &c.RedisPrefix)
	setString("LICENSE_GATE_LOG_LEVEL", "log_level", &c.LogLevel)
	setString("LICENSE_GATE_LOG_FORMAT", "log_format", &c.LogFormat)
	setString("LICENSE_GATE_LOG_FILE", "log_file", &c.LogFile)

	if v := strings.TrimSpace(os.Getenv("LICENSE_GATE_REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "redis_db", Err: fmt.Errorf("LICENSE_GATE_REDIS_DB: %w", err)}
		}
		c.RedisDB = db
		c.EnvOverrides["redis_db"] = true
	}

	// The metrics listener can be switched off from the environment.
	if v, ok := os.LookupEnv("LICENSE_GATE_METRICS_LISTEN"); ok && strings.TrimSpace(v) == "" {
		c.MetricsListen = ""
		c.EnvOverrides["metrics_listen"] = true
	}
	return nil
}

func (c *Config) resolveSecret(baseDir string) error {
	raw := strings.TrimSpace(c.EncryptionKey)
	if raw == "" && strings.TrimSpace(c.EncryptionKeyFile) != "" {
		keyPath := c.EncryptionKeyFile
		if !filepath.IsAbs(keyPath) {
			keyPath = filepath.Join(baseDir, keyPath)
		}
		data, err := readBounded(keyPath, maxKeyFileSize)
		if err != nil {
			return &ConfigError{Field: "encryption_key_file", Err: err}
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		return &ConfigError{Field: "encryption_key", Err: ErrMissingKey}
	}

	secret, err := licensing.ParseSecret(raw)
	if err != nil {
		return &ConfigError{Field: "encryption_key", Err: err}
	}
	c.secret = secret
	return nil
}

// Validate checks every setting and resolves derived values.
func (c *Config) Validate() error {
	if len(c.secret) == 0 {
		if err := c.resolveSecret("."); err != nil {
			return err
		}
	}

	if strings.TrimSpace(c.Listen) == "" {
		return &ConfigError{Field: "listen", Err: errors.New("listen address is required")}
	}

	loc := time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return &ConfigError{Field: "timezone", Err: err}
		}
		loc = l
	}
	c.location = loc

	c.GateMode = strings.ToLower(strings.TrimSpace(c.GateMode))
	switch c.GateMode {
	case "":
		c.GateMode = GateModeConsume
	case GateModeConsume, GateModeValidate:
	default:
		return &ConfigError{Field: "gate_mode", Err: fmt.Errorf("unknown mode %q", c.GateMode)}
	}

	c.upstream = nil
	if u := strings.TrimSpace(c.UpstreamURL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			return &ConfigError{Field: "upstream_url", Err: err}
		}
		if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return &ConfigError{Field: "upstream_url", Err: fmt.Errorf("must be an absolute http(s) URL, got %q", u)}
		}
		c.upstream = parsed
	}

	for i, p := range c.GatedPaths {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return &ConfigError{Field: "gated_paths", Err: fmt.Errorf("path %q must start with /", p)}
		}
		c.GatedPaths[i] = p
	}
	for i, m := range c.GateMethods {
		c.GateMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}

	c.Replay = strings.ToLower(strings.TrimSpace(c.Replay))
	switch c.Replay {
	case "", "none", "disabled":
		c.Replay = ReplayOff
	case ReplayOff, ReplayMemory, ReplayRedis:
	default:
		return &ConfigError{Field: "replay", Err: fmt.Errorf("unknown replay guard %q", c.Replay)}
	}

	ttl, err := time.ParseDuration(strings.TrimSpace(c.ReplayTTL))
	if err != nil || ttl <= 0 {
		return &ConfigError{Field: "replay_ttl", Err: fmt.Errorf("invalid duration %q", c.ReplayTTL)}
	}
	c.replayTTL = ttl

	if c.Replay == ReplayRedis && strings.TrimSpace(c.RedisAddr) == "" {
		return &ConfigError{Field: "redis_addr", Err: errors.New("required when replay is redis")}
	}
	return nil
}

// Terms returns the cosmetic license terms.
func (c *Config) Terms() licensing.Terms {
	return licensing.Terms{
		Title:       c.Title,
		Description: c.Description,
		ContactInfo: c.ContactInfo,
		Features:    c.Features,
	}
}

// NewValidator builds the process-wide validator from this configuration.
func (c *Config) NewValidator() (*licensing.Validator, error) {
	if len(c.secret) == 0 {
		return nil, &ConfigError{Field: "encryption_key", Err: ErrMissingKey}
	}
	v, err := licensing.NewValidator(c.secret, c.Terms(), licensing.WithLocation(c.Location()))
	if err != nil {
		return nil, &ConfigError{Field: "encryption_key", Err: err}
	}
	return v, nil
}

// KeyFingerprint identifies the configured key in logs.
func (c *Config) KeyFingerprint() string {
	if len(c.secret) == 0 {
		return ""
	}
	return licensing.SecretFingerprint(c.secret)
}

// Location is the zone used for formatted expiry dates.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// ReplayTTLDuration is the parsed replay_ttl.
func (c *Config) ReplayTTLDuration() time.Duration {
	return c.replayTTL
}

// Upstream is the parsed upstream_url, nil when the gate is disabled.
func (c *Config) Upstream() *url.URL {
	return c.upstream
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readBounded(path string, maxSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%s exceeds size limit (%d bytes)", path, maxSize)
	}
	return os.ReadFile(path)
}
