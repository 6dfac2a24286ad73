package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/tacmap/tacsync/internal/clock"
)

// Identity is the durable participant identity of this device. It is
// generated once and reused across restarts so the participant id, and
// with it marker ids and operation history, survive a crash.
type Identity struct {
	ParticipantID string    `json:"participantId"`
	Callsign      string    `json:"callsign"`
	CreatedAt     time.Time `json:"createdAt"`
}

// LoadOrCreateIdentity reads the identity file, creating a fresh
// identity when none exists. A non-empty callsign overrides and
// persists over the stored one, so operators can rename via config.
func LoadOrCreateIdentity(path, callsign string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return Identity{}, fmt.Errorf("parsing identity file %s: %w", path, err)
		}
		if id.ParticipantID == "" {
			return Identity{}, fmt.Errorf("identity file %s has no participant id", path)
		}
		if callsign != "" && callsign != id.Callsign {
			id.Callsign = callsign
			if err := saveIdentity(path, id); err != nil {
				return Identity{}, err
			}
		}
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, fmt.Errorf("reading identity file %s: %w", path, err)
	}

	id := Identity{
		ParticipantID: string(clock.AssignID()),
		Callsign:      callsign,
		CreatedAt:     time.Now().UTC(),
	}
	if err := saveIdentity(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func saveIdentity(path string, id Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing identity file %s: %w", path, err)
	}
	return nil
}
