package observability

import (
	"io"
	"log/slog"
	"math"
	"strings"
)

var noopLogger *slog.Logger

// NoopLogger returns a disabled Logger
func NoopLogger() *slog.Logger {
	return noopLogger
}

// NewLogger returns a text Logger writing to w at the named level.
// Unknown level names select slog.LevelWarn, "off" disables logging.
func NewLogger(w io.Writer, level string) *slog.Logger {
	if strings.EqualFold("off", strings.TrimSpace(level)) {
		return NoopLogger()
	}
	hdlr := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(hdlr)
}

// ParseLevel converts a level name (debug, info, warn, error) to slog.Level.
func ParseLevel(name string) slog.Level {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(strings.TrimSpace(name)))
	if nil != err {
		return slog.LevelWarn
	}
	return lvl
}

func init() {
	hdlr := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})
	noopLogger = slog.New(hdlr)
}
