// Package logging configures the process-wide zerolog logger and
// hands out the component-scoped child loggers every package in this
// module takes as a constructor argument, grounded on cuemby-warren's
// pkg/log (Init, WithComponent) and generalised from that package's
// node_id/service_id/task_id fields to this cluster's own vdisk/disk
// identifiers.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the set of levels a node.yaml log_level field may name.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the process-wide root logger every WithXxx helper derives
// from.
var Logger zerolog.Logger

// Init sets the global log level and configures Logger for either
// structured JSON (production) or a console writer (local/dev) output.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent scopes Logger to a named subsystem (e.g. "cluster",
// "holder", "scheduler") — the field every package-level constructor
// in this module expects in its zerolog.Logger argument.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode scopes a logger to a cluster node name.
func WithNode(nodeName string) zerolog.Logger {
	return Logger.With().Str("node", nodeName).Logger()
}

// WithDisk scopes a logger to a physical disk name.
func WithDisk(diskName string) zerolog.Logger {
	return Logger.With().Str("disk", diskName).Logger()
}

// WithVDisk scopes a logger to a logical vdisk ID.
func WithVDisk(vdiskID uint32) zerolog.Logger {
	return Logger.With().Uint32("vdisk", vdiskID).Logger()
}
