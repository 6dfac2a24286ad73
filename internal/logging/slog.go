package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// console is swapped out by tests.
var console io.Writer = os.Stdout

// Manager owns the process-wide slog configuration: console or file
// output, an optional GELF shipper, and per-record identity context.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates an unconfigured logging manager.
func NewManager() *Manager {
	return &Manager{}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes logging. Output goes to the file when one is
// given, to the console otherwise, and additionally to gelfw when log
// shipping is enabled. provider, when non-nil, stamps dynamic identity
// attributes (participant id, callsign) onto every record.
func (m *Manager) Setup(file, gelfw io.Writer, level string, provider ContextProvider) {
	lvl := parseLevel(level)

	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler
	if file != nil {
		handlers = append(handlers, slog.NewTextHandler(file, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(console, handlerOpts))
	}
	if gelfw != nil {
		handlers = append(handlers, slog.NewJSONHandler(gelfw, handlerOpts))
	}

	var handler slog.Handler = NewMultiHandler(handlers...)
	if provider != nil {
		handler = NewContextHandler(handler, provider)
	}

	m.logger = slog.New(handler)
	m.logger.Info("logging initialized", "level", level)
}

// Logger returns the configured slog.Logger, or slog.Default before
// Setup has run.
func (m *Manager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}
