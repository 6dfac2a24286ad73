package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogFilePath builds a session log file path using OS-appropriate path
// separators, one file per sync session.
func LogFilePath(logsDir, component string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", component, sessionStart.Format("20060102_150405")),
	)
}
