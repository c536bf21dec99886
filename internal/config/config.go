// Package config loads colony settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/talgya/mini-colony/internal/manager"
)

// Config is everything colonysim needs to start.
type Config struct {
	Seed          int64          `yaml:"seed"`
	LayoutRadius  int            `yaml:"layout_radius"`
	Citizens      int            `yaml:"citizens"`
	TickMs        int            `yaml:"tick_ms"`
	Speed         int            `yaml:"speed"`
	Manager       manager.Config `yaml:"manager"`
	DBPath        string         `yaml:"db_path"`
	AuditDir      string         `yaml:"audit_dir"`
	SnapshotEvery uint64         `yaml:"snapshot_every_ticks"`
	APIPort       int            `yaml:"api_port"`
	AdminKey      string         `yaml:"-"`
	WSMaxQueue    int            `yaml:"ws_max_queue"`
	OtelExporter  string         `yaml:"otel_exporter"`
	LogLevel      string         `yaml:"log_level"`
}

// Default returns the stock settings.
func Default() Config {
	return Config{
		Seed:          42,
		LayoutRadius:  8,
		Citizens:      12,
		TickMs:        1000,
		Speed:         1,
		Manager:       manager.DefaultConfig(),
		DBPath:        "data/colony.db",
		AuditDir:      "data/audit",
		SnapshotEvery: 1440,
		APIPort:       8080,
		WSMaxQueue:    32,
		OtelExporter:  "none",
		LogLevel:      "info",
	}
}

// Load reads path (if it exists) over the defaults, then applies .env and
// COLONY_* environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("config file not found, using defaults", "path", path)
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.DBPath = envOrDefault("COLONY_DB_PATH", c.DBPath)
	c.AuditDir = envOrDefault("COLONY_AUDIT_DIR", c.AuditDir)
	c.APIPort = envIntOrDefault("COLONY_API_PORT", c.APIPort)
	c.AdminKey = envOrDefault("COLONY_ADMIN_KEY", c.AdminKey)
	c.TickMs = envIntOrDefault("COLONY_TICK_MS", c.TickMs)
	c.Manager.StalledAfterTicks = envIntOrDefault("COLONY_STALL_TICKS", c.Manager.StalledAfterTicks)
	c.OtelExporter = envOrDefault("COLONY_OTEL_EXPORTER", c.OtelExporter)
	c.LogLevel = envOrDefault("COLONY_LOG_LEVEL", c.LogLevel)
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.TickMs <= 0:
		return fmt.Errorf("config: tick_ms must be positive, got %d", c.TickMs)
	case c.Speed < 0:
		return fmt.Errorf("config: speed must not be negative, got %d", c.Speed)
	case c.LayoutRadius < 3:
		return fmt.Errorf("config: layout_radius must be at least 3, got %d", c.LayoutRadius)
	case c.Manager.MaxChildrenPerClaim <= 0 || c.Manager.MaxChainDepth <= 0:
		return fmt.Errorf("config: manager limits must be positive")
	case c.WSMaxQueue <= 0 || c.WSMaxQueue > 256:
		return fmt.Errorf("config: ws_max_queue must be in 1..256, got %d", c.WSMaxQueue)
	}
	return nil
}

// TickInterval is the wall-clock length of one tick at speed 1.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// SlogLevel maps LogLevel onto a slog level; unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
