// Package config loads daemon configuration from the environment and builds
// the shared structured logger.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Deployment profile constants. A profile selects the ordered engine tier
// list used for each operation.
const (
	ProfileDesktop = "desktop" // native binaries first, wasm second, library last
	ProfileWasm    = "wasm"    // wasm first, library last
	ProfileLibrary = "library" // built-in library only
)

// Config holds application configuration. Values come from SMASH_* environment
// variables with sensible defaults.
type Config struct {
	ListenAddr     string
	DBPath         string
	Profile        string
	WorkerBin      string
	WasmDir        string
	GhostscriptBin string
	QPDFBin        string
	LogLevel       slog.Level
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("smash")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "smash.db")
	v.SetDefault("profile", ProfileDesktop)
	v.SetDefault("worker_bin", "smash-worker")
	v.SetDefault("wasm_dir", "wasm")
	v.SetDefault("ghostscript_bin", "gs")
	v.SetDefault("qpdf_bin", "qpdf")
	v.SetDefault("log_level", "info")

	cfg := Config{
		ListenAddr:     v.GetString("listen_addr"),
		DBPath:         v.GetString("db_path"),
		Profile:        v.GetString("profile"),
		WorkerBin:      v.GetString("worker_bin"),
		WasmDir:        v.GetString("wasm_dir"),
		GhostscriptBin: v.GetString("ghostscript_bin"),
		QPDFBin:        v.GetString("qpdf_bin"),
		LogLevel:       ParseLogLevel(v.GetString("log_level")),
	}

	switch cfg.Profile {
	case ProfileDesktop, ProfileWasm, ProfileLibrary:
	default:
		return Config{}, fmt.Errorf("unknown profile %q", cfg.Profile)
	}

	return cfg, nil
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
