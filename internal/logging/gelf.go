package logging

import (
	"fmt"
	"io"

	"github.com/Graylog2/go-gelf/gelf"
)

// NewGelfWriter connects a GELF UDP writer for shipping logs to a
// Graylog endpoint. The returned writer is handed to Manager.Setup.
func NewGelfWriter(address string) (io.Writer, error) {
	w, err := gelf.NewWriter(address)
	if err != nil {
		return nil, fmt.Errorf("connecting graylog %s: %w", address, err)
	}
	return w, nil
}
