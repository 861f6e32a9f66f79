// Package log is the structured logger of the disclaimer milter.
package log

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the process wide logger. Use [Setup] to change its level and format.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Setup configures Logger. format is either "json" or "console".
func Setup(w io.Writer, level string, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}
	Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return nil
}

func Debug() *zerolog.Event {
	return Logger.Debug()
}

func DebugContext(ctx context.Context) *zerolog.Event {
	return appendContextFields(ctx, Debug())
}

func Info() *zerolog.Event {
	return Logger.Info()
}

func InfoContext(ctx context.Context) *zerolog.Event {
	return appendContextFields(ctx, Info())
}

func Warn() *zerolog.Event {
	return Logger.Warn()
}

func WarnContext(ctx context.Context) *zerolog.Event {
	return appendContextFields(ctx, Warn())
}

func Error() *zerolog.Event {
	return Logger.Error()
}

func ErrorContext(ctx context.Context) *zerolog.Event {
	return appendContextFields(ctx, Error())
}
