package transport

import (
	"encoding/json"
	"fmt"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/model"
	"github.com/tacmap/tacsync/internal/store"
)

// Message types carried in the envelope.
const (
	TypeHello  = "hello"
	TypeOp     = "op"
	TypeOps    = "ops"
	TypeDigest = "digest"
)

// Envelope is the wire frame for every peer message: a type tag, the
// sender's participant id, and a type-specific JSON payload.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload announces the connecting participant.
type HelloPayload struct {
	ParticipantID string `json:"participantId"`
	Callsign      string `json:"callsign,omitempty"`
}

// OpsPayload carries a batch of operations, the reconcile response.
type OpsPayload struct {
	Ops []model.Operation `json:"ops"`
}

// DigestPayload carries the sender's version vector: highest counter
// seen per origin. The receiver answers with the ops the sender lacks.
type DigestPayload struct {
	Digest map[string]uint64 `json:"digest"`
}

// EncodeEnvelope builds a wire frame from a typed payload.
func EncodeEnvelope(msgType string, from clock.ParticipantID, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, From: string(from), Payload: raw})
}

// DecodeEnvelope parses a wire frame. The payload stays raw; the
// handler for the type decodes it.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// digestToWire converts a store digest for transmission.
func digestToWire(d store.Digest) DigestPayload {
	out := DigestPayload{Digest: make(map[string]uint64, len(d))}
	for site, counter := range d {
		out.Digest[string(site)] = counter
	}
	return out
}

// digestFromWire converts a received digest payload.
func digestFromWire(p DigestPayload) store.Digest {
	d := make(store.Digest, len(p.Digest))
	for site, counter := range p.Digest {
		d[clock.ParticipantID(site)] = counter
	}
	return d
}
