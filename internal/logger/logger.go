// Package logger builds the process-wide zerolog logger. Every component
// derives its own sub-logger with a "component" field; session engines add
// user and test identity on top.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures zerolog and returns the root logger. format "pretty"
// selects the human console writer for development; anything else emits
// JSON lines. Unknown levels fall back to info.
func Setup(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	ctx := zerolog.New(logWriter(format)).With().Timestamp()
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func logWriter(format string) zerolog.LevelWriter {
	if format == "pretty" {
		return zerolog.MultiLevelWriter(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
	return zerolog.MultiLevelWriter(os.Stdout)
}
