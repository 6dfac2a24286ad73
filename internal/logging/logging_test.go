package logging

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogFilePath(t *testing.T) {
	sessionStart := time.Date(2026, 8, 12, 21, 38, 36, 0, time.UTC)

	tests := []struct {
		name      string
		logsDir   string
		component string
		want      string
	}{
		{
			name:      "basic path",
			logsDir:   "logs",
			component: "tacsyncd",
			want:      filepath.Join("logs", "tacsyncd.20260812_213836.log"),
		},
		{
			name:      "relative path with dot",
			logsDir:   "./logs",
			component: "tacsyncd",
			want:      filepath.Join(".", "logs", "tacsyncd.20260812_213836.log"),
		},
		{
			name:      "absolute path",
			logsDir:   filepath.Join("/var", "log", "tacsync"),
			component: "tacrelay",
			want:      filepath.Join("/var", "log", "tacsync", "tacrelay.20260812_213836.log"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LogFilePath(tt.logsDir, tt.component, sessionStart))
		})
	}
}
