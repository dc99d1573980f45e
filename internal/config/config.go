package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaystate/internal/statesync"
)

const (
	defaultConfigPath = "~/.config/relaystate/config.toml"
	DefaultListenAddr = "127.0.0.1:8765"
	DefaultMasterURL  = "http://127.0.0.1:8765"
	DefaultStorageDSN = "~/.local/share/relaystate/state.json"
)

// Config holds daemon and replica settings. Precedence is flags, then
// environment, then the TOML file, then defaults. Flags are applied by the
// commands after Load.
type Config struct {
	Path string

	ListenAddr  string
	StorageDSN  string
	MasterURL   string
	ContextKind statesync.ContextKind
	ContextID   string
	InstanceID  string
	AuthSecret  string

	PersistDebounce time.Duration
	SyncTimeout     time.Duration
	RequestTimeout  time.Duration
	PollInterval    time.Duration
	Reconnect       statesync.ReconnectPolicy

	LogDev bool
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		StorageDSN:      mustExpand(DefaultStorageDSN),
		MasterURL:       DefaultMasterURL,
		ContextKind:     statesync.KindBackground,
		PersistDebounce: 500 * time.Millisecond,
		SyncTimeout:     5 * time.Second,
		RequestTimeout:  5 * time.Second,
		PollInterval:    5 * time.Second,
		Reconnect:       statesync.DefaultReconnectPolicy(),
	}
}

type rawReconnect struct {
	BaseDelay   string  `toml:"base_delay"`
	Multiplier  float64 `toml:"multiplier"`
	MaxDelay    string  `toml:"max_delay"`
	MaxAttempts int     `toml:"max_attempts"`
	Jitter      float64 `toml:"jitter"`
}

type rawConfig struct {
	ListenAddr      string       `toml:"listen_addr"`
	StorageDSN      string       `toml:"storage_dsn"`
	MasterURL       string       `toml:"master_url"`
	ContextKind     string       `toml:"context_kind"`
	ContextID       string       `toml:"context_id"`
	InstanceID      string       `toml:"instance_id"`
	AuthSecret      string       `toml:"auth_secret"`
	PersistDebounce string       `toml:"persist_debounce"`
	SyncTimeout     string       `toml:"sync_timeout"`
	RequestTimeout  string       `toml:"request_timeout"`
	PollInterval    string       `toml:"poll_interval"`
	Reconnect       rawReconnect `toml:"reconnect"`
}

// Load reads the TOML file at path (or RELAYSTATE_CONFIG, or the default
// location) and then applies environment overrides. A missing file is not an
// error.
func Load(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("RELAYSTATE_CONFIG")
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	cfg.Path = resolved

	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Debug("config file not found, using defaults", zap.String("path", resolved))
	case err != nil:
		return Config{}, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.applyFile(data); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv(logger)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(data []byte) error {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	setString(&c.ListenAddr, raw.ListenAddr)
	setString(&c.MasterURL, raw.MasterURL)
	setString(&c.ContextID, raw.ContextID)
	setString(&c.InstanceID, raw.InstanceID)
	setString(&c.AuthSecret, raw.AuthSecret)
	if dsn := strings.TrimSpace(raw.StorageDSN); dsn != "" {
		c.StorageDSN = expandDSN(dsn)
	}
	if kind := strings.TrimSpace(raw.ContextKind); kind != "" {
		parsed, err := statesync.ParseContextKind(kind)
		if err != nil {
			return fmt.Errorf("parse config: context_kind: %w", err)
		}
		c.ContextKind = parsed
	}

	durations := []struct {
		key  string
		raw  string
		dest *time.Duration
	}{
		{"persist_debounce", raw.PersistDebounce, &c.PersistDebounce},
		{"sync_timeout", raw.SyncTimeout, &c.SyncTimeout},
		{"request_timeout", raw.RequestTimeout, &c.RequestTimeout},
		{"poll_interval", raw.PollInterval, &c.PollInterval},
		{"reconnect.base_delay", raw.Reconnect.BaseDelay, &c.Reconnect.BaseDelay},
		{"reconnect.max_delay", raw.Reconnect.MaxDelay, &c.Reconnect.MaxDelay},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		value, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse config: %s: %w", d.key, err)
		}
		*d.dest = value
	}
	if raw.Reconnect.Multiplier != 0 {
		c.Reconnect.Multiplier = raw.Reconnect.Multiplier
	}
	if raw.Reconnect.MaxAttempts != 0 {
		c.Reconnect.MaxAttempts = raw.Reconnect.MaxAttempts
	}
	if raw.Reconnect.Jitter != 0 {
		c.Reconnect.Jitter = raw.Reconnect.Jitter
	}
	return nil
}

func (c *Config) applyEnv(logger *zap.Logger) {
	c.ListenAddr = envOrDefault("RELAYSTATE_LISTEN_ADDR", c.ListenAddr)
	c.MasterURL = envOrDefault("RELAYSTATE_MASTER_URL", c.MasterURL)
	c.ContextID = envOrDefault("RELAYSTATE_CONTEXT_ID", c.ContextID)
	c.InstanceID = envOrDefault("RELAYSTATE_INSTANCE_ID", c.InstanceID)
	c.AuthSecret = envOrDefault("RELAYSTATE_AUTH_SECRET", c.AuthSecret)
	if dsn := strings.TrimSpace(os.Getenv("RELAYSTATE_STORAGE_DSN")); dsn != "" {
		c.StorageDSN = expandDSN(dsn)
	}
	if raw := strings.TrimSpace(os.Getenv("RELAYSTATE_CONTEXT_KIND")); raw != "" {
		kind, err := statesync.ParseContextKind(raw)
		if err != nil {
			logger.Warn("invalid env value, using fallback",
				zap.String("name", "RELAYSTATE_CONTEXT_KIND"), zap.String("value", raw), zap.String("fallback", string(c.ContextKind)))
		} else {
			c.ContextKind = kind
		}
	}
	c.PersistDebounce = durationEnv(logger, "RELAYSTATE_PERSIST_DEBOUNCE", c.PersistDebounce)
	c.SyncTimeout = durationEnv(logger, "RELAYSTATE_SYNC_TIMEOUT", c.SyncTimeout)
	c.RequestTimeout = durationEnv(logger, "RELAYSTATE_REQUEST_TIMEOUT", c.RequestTimeout)
	c.PollInterval = durationEnv(logger, "RELAYSTATE_POLL_INTERVAL", c.PollInterval)
	c.Reconnect.BaseDelay = durationEnv(logger, "RELAYSTATE_RECONNECT_BASE_DELAY", c.Reconnect.BaseDelay)
	c.Reconnect.MaxDelay = durationEnv(logger, "RELAYSTATE_RECONNECT_MAX_DELAY", c.Reconnect.MaxDelay)
	c.Reconnect.Multiplier = floatEnv(logger, "RELAYSTATE_RECONNECT_MULTIPLIER", c.Reconnect.Multiplier)
	c.Reconnect.Jitter = floatEnv(logger, "RELAYSTATE_RECONNECT_JITTER", c.Reconnect.Jitter)
	c.Reconnect.MaxAttempts = intEnv(logger, "RELAYSTATE_RECONNECT_MAX_ATTEMPTS", c.Reconnect.MaxAttempts)
	c.LogDev = boolEnv(logger, "RELAYSTATE_LOG_DEV", c.LogDev)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if _, err := statesync.ParseContextKind(string(c.ContextKind)); err != nil {
		return fmt.Errorf("config: context kind: %w", err)
	}
	if strings.TrimSpace(c.StorageDSN) == "" {
		return fmt.Errorf("config: storage dsn is empty")
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("config: reconnect multiplier must be >= 1, got %g", c.Reconnect.Multiplier)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("config: reconnect jitter must be within [0, 1], got %g", c.Reconnect.Jitter)
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("config: reconnect max_delay %s is below base_delay %s", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	return nil
}

// EngineOptions maps the config onto engine options. Hosts are left to the
// caller.
func (c Config) EngineOptions(logger *zap.Logger) statesync.Options {
	return statesync.Options{
		Kind:            c.ContextKind,
		ContextID:       c.ContextID,
		InstanceID:      c.InstanceID,
		Logger:          logger,
		PersistDebounce: c.PersistDebounce,
		SyncTimeout:     c.SyncTimeout,
		RequestTimeout:  c.RequestTimeout,
		PollInterval:    c.PollInterval,
		Reconnect:       c.Reconnect,
	}
}

func setString(dest *string, raw string) {
	if value := strings.TrimSpace(raw); value != "" {
		*dest = value
	}
}

// expandDSN expands "~" in bare file paths; URLs pass through.
func expandDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		return dsn
	}
	return mustExpand(dsn)
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
