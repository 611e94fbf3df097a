// Package logging hands out per-subsystem slog loggers configured from the
// environment.
//
//	PINMESH_LOG_LEVEL=info,transport=debug,registry=warn
//	PINMESH_LOG_FORMAT=json
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config is the parsed logging environment.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
	Format          Format
}

func (c *Config) LevelFor(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

var (
	envConfig     *Config
	envConfigOnce sync.Once
)

// ConfigFromEnv parses PINMESH_LOG_LEVEL and PINMESH_LOG_FORMAT once.
func ConfigFromEnv() *Config {
	envConfigOnce.Do(func() {
		envConfig = ParseConfig(os.Getenv("PINMESH_LOG_LEVEL"), os.Getenv("PINMESH_LOG_FORMAT"))
	})
	return envConfig
}

// ParseConfig parses a level list ("info,transport=debug") and a format name.
// Unknown level names are ignored.
func ParseConfig(levels, format string) *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
	}
	for _, part := range strings.Split(levels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if subsystem, name, ok := strings.Cut(part, "="); ok {
			if level, ok := ParseLevel(name); ok {
				cfg.SubsystemLevels[strings.TrimSpace(subsystem)] = level
			}
			continue
		}
		if level, ok := ParseLevel(part); ok {
			cfg.DefaultLevel = level
		}
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		cfg.Format = FormatJSON
	}
	return cfg
}

func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
