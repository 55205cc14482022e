package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

type Config struct {
	Server    ServerConfig
	Analysis  AnalysisConfig
	ClockSync ClockSyncConfig
	Authority AuthorityConfig
	Broadcast BroadcastConfig
	Identity  IdentityConfig
	Admin     AdminConfig
	Storage   StorageConfig
	Pushover  PushoverConfig
}

type ServerConfig struct {
	Addr                  string `env:"LIGHTSHOW_ADDR"`
	LogLevel              string `env:"LOG_LEVEL"`
	ShowFile              string `env:"SHOW_FILE"`
	AllowedOrigins        string `env:"ALLOWED_ORIGINS"`
	BackgroundJobsEnabled bool   `env:"BACKGROUND_JOBS_ENABLED"`
}

type AnalysisConfig struct {
	BandCount int `env:"ANALYSIS_BAND_COUNT"`
	// Tick cadence in milliseconds, matches the producer analysis window
	FrameIntervalMs int `env:"ANALYSIS_FRAME_INTERVAL_MS"`
}

type ClockSyncConfig struct {
	Alpha            float64 `env:"CLOCKSYNC_ALPHA"`
	DivergenceMs     int     `env:"CLOCKSYNC_DIVERGENCE_MS"`
	ProbeIntervalMs  int     `env:"CLOCKSYNC_PROBE_INTERVAL_MS"`
	ProbeTimeoutMs   int     `env:"CLOCKSYNC_PROBE_TIMEOUT_MS"`
	SessionTimeoutMs int     `env:"SESSION_TIMEOUT_MS"`
}

type AuthorityConfig struct {
	AutoPromote bool `env:"AUTHORITY_AUTO_PROMOTE"`
}

type BroadcastConfig struct {
	PluginQueueDepth  int `env:"BROADCAST_PLUGIN_QUEUE_DEPTH"`
	BrowserQueueDepth int `env:"BROADCAST_BROWSER_QUEUE_DEPTH"`
	AdminQueueDepth   int `env:"BROADCAST_ADMIN_QUEUE_DEPTH"`
	StallTimeoutMs    int `env:"BROADCAST_STALL_TIMEOUT_MS"`
}

type IdentityConfig struct {
	JWTSecret       string `env:"IDENTITY_JWT_SECRET"`
	VerifyURL       string `env:"IDENTITY_VERIFY_URL"`
	VerifyTimeoutMs int    `env:"IDENTITY_VERIFY_TIMEOUT_MS"`
}

type AdminConfig struct {
	WebhookSecret string `env:"ADMIN_WEBHOOK_SECRET"`
}

type StorageConfig struct {
	DbPath             string `env:"DB_PATH"`
	SnapshotIntervalMs int    `env:"SNAPSHOT_INTERVAL_MS"`
}

type PushoverConfig struct {
	Recipient string `env:"PUSHOVER_RECIPIENT"`
	Token     string `env:"PUSHOVER_TOKEN"`
}

// Load feeds a Config from the process environment. Any .env file should
// already have been loaded into the environment by the caller.
func Load() (Config, error) {
	cfg := Default()
	c := config.New()
	c.AddFeeder(feeder.Env{})
	c.AddStruct(&cfg)
	if err := c.Feed(); err != nil {
		return Config{}, fmt.Errorf("failed to feed config: %w", err)
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// Default returns the baseline configuration. Env values override it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:                  ":8080",
			LogLevel:              "info",
			BackgroundJobsEnabled: true,
		},
		Analysis: AnalysisConfig{
			BandCount:       5,
			FrameIntervalMs: 21,
		},
		ClockSync: ClockSyncConfig{
			Alpha:            0.25,
			DivergenceMs:     500,
			ProbeIntervalMs:  1000,
			ProbeTimeoutMs:   5000,
			SessionTimeoutMs: 10000,
		},
		Authority: AuthorityConfig{AutoPromote: true},
		Broadcast: BroadcastConfig{
			PluginQueueDepth:  64,
			BrowserQueueDepth: 32,
			AdminQueueDepth:   256,
			StallTimeoutMs:    2000,
		},
		Identity: IdentityConfig{VerifyTimeoutMs: 3000},
		Storage: StorageConfig{
			DbPath:             "lightshow.db",
			SnapshotIntervalMs: 5000,
		},
	}
}

// WithDefaults fills zero values left behind by an env feed that cleared them.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Analysis.BandCount == 0 {
		c.Analysis.BandCount = d.Analysis.BandCount
	}
	if c.Analysis.FrameIntervalMs == 0 {
		c.Analysis.FrameIntervalMs = d.Analysis.FrameIntervalMs
	}
	if c.ClockSync.Alpha == 0 {
		c.ClockSync.Alpha = d.ClockSync.Alpha
	}
	if c.ClockSync.DivergenceMs == 0 {
		c.ClockSync.DivergenceMs = d.ClockSync.DivergenceMs
	}
	if c.ClockSync.ProbeIntervalMs == 0 {
		c.ClockSync.ProbeIntervalMs = d.ClockSync.ProbeIntervalMs
	}
	if c.ClockSync.ProbeTimeoutMs == 0 {
		c.ClockSync.ProbeTimeoutMs = d.ClockSync.ProbeTimeoutMs
	}
	if c.ClockSync.SessionTimeoutMs == 0 {
		c.ClockSync.SessionTimeoutMs = d.ClockSync.SessionTimeoutMs
	}
	if c.Broadcast.PluginQueueDepth == 0 {
		c.Broadcast.PluginQueueDepth = d.Broadcast.PluginQueueDepth
	}
	if c.Broadcast.BrowserQueueDepth == 0 {
		c.Broadcast.BrowserQueueDepth = d.Broadcast.BrowserQueueDepth
	}
	if c.Broadcast.AdminQueueDepth == 0 {
		c.Broadcast.AdminQueueDepth = d.Broadcast.AdminQueueDepth
	}
	if c.Broadcast.StallTimeoutMs == 0 {
		c.Broadcast.StallTimeoutMs = d.Broadcast.StallTimeoutMs
	}
	if c.Identity.VerifyTimeoutMs == 0 {
		c.Identity.VerifyTimeoutMs = d.Identity.VerifyTimeoutMs
	}
	if c.Storage.DbPath == "" {
		c.Storage.DbPath = d.Storage.DbPath
	}
	if c.Storage.SnapshotIntervalMs == 0 {
		c.Storage.SnapshotIntervalMs = d.Storage.SnapshotIntervalMs
	}
	return c
}

func (c Config) Validate() error {
	if c.Analysis.BandCount < 1 {
		return fmt.Errorf("band count must be at least 1, got %d", c.Analysis.BandCount)
	}
	if c.Analysis.FrameIntervalMs < 1 {
		return fmt.Errorf("frame interval must be at least 1ms, got %d", c.Analysis.FrameIntervalMs)
	}
	if c.ClockSync.Alpha <= 0 || c.ClockSync.Alpha > 1 {
		return fmt.Errorf("clock sync alpha must be in (0, 1], got %v", c.ClockSync.Alpha)
	}
	if c.Broadcast.PluginQueueDepth < 1 || c.Broadcast.BrowserQueueDepth < 1 || c.Broadcast.AdminQueueDepth < 1 {
		return fmt.Errorf("broadcast queue depths must be positive")
	}
	return nil
}

// Origins splits the comma separated ALLOWED_ORIGINS value.
func (c ServerConfig) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c Config) FrameInterval() time.Duration {
	return time.Duration(c.Analysis.FrameIntervalMs) * time.Millisecond
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c ClockSyncConfig) Divergence() time.Duration    { return ms(c.DivergenceMs) }
func (c ClockSyncConfig) ProbeInterval() time.Duration { return ms(c.ProbeIntervalMs) }
func (c ClockSyncConfig) ProbeTimeout() time.Duration  { return ms(c.ProbeTimeoutMs) }
func (c ClockSyncConfig) SessionTimeout() time.Duration {
	return ms(c.SessionTimeoutMs)
}
func (c BroadcastConfig) StallTimeout() time.Duration { return ms(c.StallTimeoutMs) }
func (c IdentityConfig) VerifyTimeout() time.Duration { return ms(c.VerifyTimeoutMs) }
func (c StorageConfig) SnapshotInterval() time.Duration {
	return ms(c.SnapshotIntervalMs)
}

func (c *Config) GetLogLevel() slog.Leveler {
	logLevel := strings.ToLower(c.Server.LogLevel)
	if logLevel == "error" {
		return slog.LevelError
	}
	if logLevel == "warning" {
		return slog.LevelWarn
	}
	if logLevel == "info" {
		return slog.LevelInfo
	}
	if logLevel == "debug" {
		return slog.LevelDebug
	}
	// default to info if unknown
	slog.With(slog.String("log_level", logLevel)).Info("Received invalid log level. Defaulting to INFO.")
	return slog.LevelInfo
}
