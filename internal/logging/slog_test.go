package logging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureConsole swaps the console writer for a buffer and returns a
// function that restores it and yields what was captured.
func captureConsole(t *testing.T) func() string {
	t.Helper()
	var buf bytes.Buffer
	orig := console
	console = &buf
	return func() string {
		console = orig
		return buf.String()
	}
}

func TestSetup_FileOnly_NoConsole(t *testing.T) {
	restore := captureConsole(t)

	var fileBuf bytes.Buffer
	m := NewManager()
	m.Setup(&fileBuf, nil, "info", nil)
	m.Logger().Info("hello file")

	assert.Contains(t, fileBuf.String(), "hello file")
	assert.Empty(t, restore(), "console stays quiet when a log file is configured")
}

func TestSetup_NoFile_WritesToConsole(t *testing.T) {
	restore := captureConsole(t)

	m := NewManager()
	m.Setup(nil, nil, "info", nil)
	m.Logger().Info("hello console")

	assert.Contains(t, restore(), "hello console")
}

func TestSetup_GelfWriterReceivesJSON(t *testing.T) {
	var fileBuf, gelfBuf bytes.Buffer
	m := NewManager()
	m.Setup(&fileBuf, &gelfBuf, "info", nil)
	m.Logger().Info("shipped", "peer", "site-b")

	assert.Contains(t, fileBuf.String(), "shipped")
	assert.Contains(t, gelfBuf.String(), `"msg":"shipped"`)
	assert.Contains(t, gelfBuf.String(), `"peer":"site-b"`)
}

func TestSetup_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager()
	m.Setup(&buf, nil, "info", nil)

	m.Logger().Debug("should be filtered")
	m.Logger().Info("should appear")

	assert.NotContains(t, buf.String(), "should be filtered")
	assert.Contains(t, buf.String(), "should appear")
}

func TestSetup_IdentityContext(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager()
	m.Setup(&buf, nil, "info", Identity("site-a", "Bravo-2"))

	m.Logger().Info("stamped")

	assert.Contains(t, buf.String(), "participant=site-a")
	assert.Contains(t, buf.String(), "callsign=Bravo-2")
}

func TestLogger_DefaultBeforeSetup(t *testing.T) {
	m := NewManager()
	assert.Equal(t, slog.Default(), m.Logger())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestMultiHandler_FansOut(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	h1 := slog.NewTextHandler(&buf1, &slog.HandlerOptions{Level: slog.LevelInfo})
	h2 := slog.NewTextHandler(&buf2, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(NewMultiHandler(h1, h2))
	logger.Info("fanned out")

	assert.Contains(t, buf1.String(), "fanned out")
	assert.Contains(t, buf2.String(), "fanned out")
}

func TestMultiHandler_FiltersNilHandlers(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, nil)

	multi := NewMultiHandler(nil, h, nil)
	require.Len(t, multi.handlers, 1)

	slog.New(multi).Info("works")
	assert.Contains(t, buf.String(), "works")
}

func TestMultiHandler_Enabled(t *testing.T) {
	infoHandler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	debugHandler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})

	infoOnly := NewMultiHandler(infoHandler)
	assert.False(t, infoOnly.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, infoOnly.Enabled(context.Background(), slog.LevelInfo))

	both := NewMultiHandler(infoHandler, debugHandler)
	assert.True(t, both.Enabled(context.Background(), slog.LevelDebug))

	assert.False(t, NewMultiHandler().Enabled(context.Background(), slog.LevelInfo))
}

func TestMultiHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	multi := NewMultiHandler(h)

	withAttrs := multi.WithAttrs([]slog.Attr{slog.String("component", "transport")})
	slog.New(withAttrs).Info("with attrs")
	assert.Contains(t, buf.String(), "component=transport")

	buf.Reset()
	slog.New(multi.WithGroup("peer")).Info("grouped", "addr", "10.0.0.2")
	assert.Contains(t, buf.String(), "peer.addr=10.0.0.2")

	assert.Equal(t, multi, multi.WithGroup(""))
}

// errorHandler always fails Handle; delivery to the other handlers
// must not be affected.
type errorHandler struct {
	slog.Handler
}

func (h *errorHandler) Handle(_ context.Context, _ slog.Record) error {
	return errors.New("handler error")
}

func (h *errorHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func TestMultiHandler_HandleError(t *testing.T) {
	var buf bytes.Buffer
	spy := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	multi := NewMultiHandler(&errorHandler{}, spy)

	var rec slog.Record
	rec = slog.NewRecord(rec.Time, slog.LevelInfo, "should reach spy", 0)
	err := multi.Handle(context.Background(), rec)

	assert.Error(t, err)
	assert.Contains(t, buf.String(), "should reach spy")
}
