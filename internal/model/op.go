package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tacmap/tacsync/internal/clock"
)

// EntityType tags which merge rule applies to an operation. The entity
// set is closed; adding a type means adding a merge rule.
type EntityType string

const (
	EntityPosition    EntityType = "position"
	EntityMarker      EntityType = "marker"
	EntityTeam        EntityType = "team"
	EntityParticipant EntityType = "participant"
	EntityChat        EntityType = "chat"
)

// Action is what the operation does to its entity.
type Action string

const (
	ActionSet          Action = "set"    // position: replace whole sample
	ActionCreate       Action = "create" // marker/team: create or revive
	ActionUpdate       Action = "update" // marker/participant: partial field update
	ActionDelete       Action = "delete" // marker: tombstone
	ActionAddMember    Action = "add_member"
	ActionRemoveMember Action = "remove_member"
	ActionAnnounce     Action = "announce" // participant: first-seen hello
	ActionPost         Action = "post"     // chat: append message
)

var ErrMalformedOperation = errors.New("malformed operation")

// PositionPayload carries a whole position sample.
type PositionPayload struct {
	Coordinate   Coordinate `json:"coordinate"`
	ElevationASL float64    `json:"elevationAsl,omitempty"`
	Heading      float64    `json:"heading,omitempty"`
	Speed        float64    `json:"speed,omitempty"`
	Accuracy     float64    `json:"accuracy,omitempty"`
	CapturedAt   time.Time  `json:"capturedAt"`
}

// MarkerPayload carries marker fields. On update, nil fields are
// untouched; on create, nil fields take defaults.
type MarkerPayload struct {
	Coordinate *Coordinate `json:"coordinate,omitempty"`
	Type       *MarkerType `json:"type,omitempty"`
	Label      *string     `json:"label,omitempty"`
	Color      *string     `json:"color,omitempty"`
	Visibility *Visibility `json:"visibility,omitempty"`
	TeamID     string      `json:"teamId,omitempty"`
}

// TeamPayload carries team create/rename data or a membership change.
type TeamPayload struct {
	Name   *string              `json:"name,omitempty"`
	Color  *string              `json:"color,omitempty"`
	Member *clock.ParticipantID `json:"member,omitempty"`
}

// ParticipantPayload carries announce/update fields.
type ParticipantPayload struct {
	Callsign *string `json:"callsign,omitempty"`
	Role     *Role   `json:"role,omitempty"`
}

// ChatPayload carries one chat message or alert.
type ChatPayload struct {
	TeamID     string      `json:"teamId,omitempty"`
	Visibility Visibility  `json:"visibility"`
	Kind       ChatKind    `json:"kind"`
	Alert      AlertType   `json:"alert,omitempty"`
	Body       string      `json:"body"`
	Coordinate *Coordinate `json:"coordinate,omitempty"`
	SentAt     time.Time   `json:"sentAt"`
}

// Operation is the unit of replication: a tagged change to exactly one
// entity, stamped with its origin and logical timestamp. Operations
// are idempotent and commutative once the merge rules are applied;
// replaying the same operation twice is a no-op.
type Operation struct {
	Entity    EntityType          `json:"entity"`
	Action    Action              `json:"action"`
	EntityID  string              `json:"entityId"`
	Origin    clock.ParticipantID `json:"origin"`
	Timestamp clock.Timestamp     `json:"timestamp"`

	Position    *PositionPayload    `json:"position,omitempty"`
	Marker      *MarkerPayload      `json:"marker,omitempty"`
	Team        *TeamPayload        `json:"team,omitempty"`
	Participant *ParticipantPayload `json:"participant,omitempty"`
	Chat        *ChatPayload        `json:"chat,omitempty"`
}

// Key uniquely identifies an operation across the session. Every local
// operation gets a fresh Lamport tick, so (counter, site) never repeats.
func (op Operation) Key() string {
	return op.Timestamp.String()
}

// Validate checks structural well-formedness: the payload matching the
// entity tag is present and the action is legal for the entity. It does
// not check ownership; the store does that with local context.
func (op Operation) Validate() error {
	if op.Origin == "" {
		return fmt.Errorf("%w: missing origin", ErrMalformedOperation)
	}
	if op.EntityID == "" {
		return fmt.Errorf("%w: missing entity id", ErrMalformedOperation)
	}

	switch op.Entity {
	case EntityPosition:
		if op.Action != ActionSet {
			return fmt.Errorf("%w: action %q invalid for position", ErrMalformedOperation, op.Action)
		}
		if op.Position == nil {
			return fmt.Errorf("%w: position op without payload", ErrMalformedOperation)
		}
	case EntityMarker:
		switch op.Action {
		case ActionCreate, ActionUpdate:
			if op.Marker == nil {
				return fmt.Errorf("%w: marker %s without payload", ErrMalformedOperation, op.Action)
			}
			if op.Action == ActionCreate && op.Marker.Coordinate == nil {
				return fmt.Errorf("%w: marker create without coordinate", ErrMalformedOperation)
			}
		case ActionDelete:
			// tombstone carries no payload
		default:
			return fmt.Errorf("%w: action %q invalid for marker", ErrMalformedOperation, op.Action)
		}
	case EntityTeam:
		switch op.Action {
		case ActionCreate, ActionUpdate:
			if op.Team == nil || (op.Team.Name == nil && op.Team.Color == nil) {
				return fmt.Errorf("%w: team %s without fields", ErrMalformedOperation, op.Action)
			}
		case ActionAddMember, ActionRemoveMember:
			if op.Team == nil || op.Team.Member == nil {
				return fmt.Errorf("%w: membership op without member", ErrMalformedOperation)
			}
		default:
			return fmt.Errorf("%w: action %q invalid for team", ErrMalformedOperation, op.Action)
		}
	case EntityParticipant:
		if op.Action != ActionAnnounce && op.Action != ActionUpdate {
			return fmt.Errorf("%w: action %q invalid for participant", ErrMalformedOperation, op.Action)
		}
		if op.Participant == nil {
			return fmt.Errorf("%w: participant op without payload", ErrMalformedOperation)
		}
	case EntityChat:
		if op.Action != ActionPost {
			return fmt.Errorf("%w: action %q invalid for chat", ErrMalformedOperation, op.Action)
		}
		if op.Chat == nil || op.Chat.Body == "" {
			return fmt.Errorf("%w: chat op without body", ErrMalformedOperation)
		}
	default:
		return fmt.Errorf("%w: unknown entity type %q", ErrMalformedOperation, op.Entity)
	}
	return nil
}

// EncodeOperation serializes an operation for the wire.
func EncodeOperation(op Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation %s: %w", op.Key(), err)
	}
	return data, nil
}

// DecodeOperation parses a wire-encoded operation and validates it.
func DecodeOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}
