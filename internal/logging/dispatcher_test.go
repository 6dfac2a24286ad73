package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestDispatcherLogger_Levels(t *testing.T) {
	tests := []struct {
		name string
		log  func(dl *DispatcherLogger)
		want string
	}{
		{"debug", func(dl *DispatcherLogger) { dl.Debug("queued", "entity", "marker") }, "DEBUG"},
		{"info", func(dl *DispatcherLogger) { dl.Info("delivered", "entity", "marker") }, "INFO"},
		{"error", func(dl *DispatcherLogger) { dl.Error("dropped", "entity", "marker") }, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			dl := NewDispatcherLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

			tt.log(dl)

			entry := parseEntry(t, &buf)
			assert.Equal(t, tt.want, entry["level"])
			assert.Equal(t, "marker", entry["entity"])
		})
	}
}

func TestDispatcherLogger_NoKeyValues(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	dl.Info("simple message")

	entry := parseEntry(t, &buf)
	assert.Equal(t, "simple message", entry["msg"])
}

func TestDispatcherLogger_ImplementsInterface(t *testing.T) {
	dl := NewDispatcherLogger(slog.Default())

	var _ interface {
		Debug(msg string, keysAndValues ...any)
		Info(msg string, keysAndValues ...any)
		Error(msg string, keysAndValues ...any)
	} = dl
}
