package model

import (
	"time"

	"github.com/tacmap/tacsync/internal/clock"
)

// Role classifies a participant within a team.
type Role string

const (
	RoleLeader Role = "leader"
	RoleMember Role = "member"
)

// Status is a participant's connectivity state as judged by the local
// presence manager. It is local-only and never replicated.
type Status string

const (
	StatusOnline  Status = "online"
	StatusStale   Status = "stale"
	StatusOffline Status = "offline"
)

// MarkerType is the marker's map representation.
type MarkerType string

const (
	MarkerPin  MarkerType = "pin"
	MarkerArea MarkerType = "area"
	MarkerLine MarkerType = "line"
)

// Visibility restricts who sees a marker or message.
type Visibility string

const (
	VisibilityTeam Visibility = "team"
	VisibilityAll  Visibility = "all"
)

// ChatKind distinguishes free-text chat from tactical alerts.
type ChatKind string

const (
	ChatText  ChatKind = "chat"
	ChatAlert ChatKind = "alert"
)

// AlertType is the tactical alert category.
type AlertType string

const (
	AlertContact AlertType = "contact"
	AlertDanger  AlertType = "danger"
	AlertRally   AlertType = "rally"
	AlertHelp    AlertType = "help"
)

// Coordinate is a WGS84 geographic position.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Participant is a device/operator on the shared map. Participants are
// created on first-seen announcement and tombstoned rather than
// deleted so history stays mergeable.
type Participant struct {
	ID       clock.ParticipantID `json:"id"`
	Callsign string              `json:"callsign"`
	Role     Role                `json:"role"`
	TeamID   string              `json:"teamId"` // derived from team membership merges

	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`

	CallsignTS clock.Timestamp `json:"callsignTs"`
	RoleTS     clock.Timestamp `json:"roleTs"`
	Deleted    bool            `json:"deleted"`
	DeletedTS  clock.Timestamp `json:"deletedTs"`
}

// PositionSample is the latest reported position for one participant.
// Only the owning participant may produce samples for itself; older
// samples are superseded whole, never merged field-by-field.
type PositionSample struct {
	ParticipantID clock.ParticipantID `json:"participantId"`
	Coordinate    Coordinate          `json:"coordinate"`
	ElevationASL  float64             `json:"elevationAsl,omitempty"`
	Heading       float64             `json:"heading,omitempty"` // degrees, 0-360
	Speed         float64             `json:"speed,omitempty"`   // meters/second
	Accuracy      float64             `json:"accuracy,omitempty"`
	Timestamp     clock.Timestamp     `json:"timestamp"`
	CapturedAt    time.Time           `json:"capturedAt"`
}

// Marker is a shared map annotation, mutable by any team member.
// Each merged field carries its own timestamp for field-level
// last-writer-wins. A deleted marker keeps its tombstone for the life
// of the session; only a later create revives it.
type Marker struct {
	ID         string              `json:"id"` // "<creatorId>-<counter>", unique without coordination
	CreatorID  clock.ParticipantID `json:"creatorId"`
	TeamID     string              `json:"teamId"`
	Coordinate Coordinate          `json:"coordinate"`
	Type       MarkerType          `json:"type"`
	Label      string              `json:"label"`
	Color      string              `json:"color"`
	Visibility Visibility          `json:"visibility"`

	CreatedTS    clock.Timestamp `json:"createdTs"`
	CoordinateTS clock.Timestamp `json:"coordinateTs"`
	TypeTS       clock.Timestamp `json:"typeTs"`
	LabelTS      clock.Timestamp `json:"labelTs"`
	ColorTS      clock.Timestamp `json:"colorTs"`
	VisibilityTS clock.Timestamp `json:"visibilityTs"`

	Deleted   bool            `json:"deleted"`
	DeletedTS clock.Timestamp `json:"deletedTs"`
}

// Membership records the latest add and remove timestamps for one
// (team, participant) pair. The participant is a member iff the add is
// not dominated by a strictly later remove: ties favor the add.
type Membership struct {
	AddTS    clock.Timestamp `json:"addTs"`
	RemoveTS clock.Timestamp `json:"removeTs"`
}

// Present reports whether the membership resolves to "member".
func (m Membership) Present() bool {
	if m.AddTS.IsZero() {
		return false
	}
	return !m.RemoveTS.After(m.AddTS)
}

// Team is a roster of participants merged with add-wins semantics.
type Team struct {
	ID      string                             `json:"id"`
	Name    string                             `json:"name"`
	Color   string                             `json:"color"`
	NameTS  clock.Timestamp                    `json:"nameTs"`
	ColorTS clock.Timestamp                    `json:"colorTs"`
	Members map[clock.ParticipantID]Membership `json:"members"`
}

// MemberIDs returns the resolved roster, sorted deterministically by id.
func (t Team) MemberIDs() []clock.ParticipantID {
	ids := make([]clock.ParticipantID, 0, len(t.Members))
	for id, m := range t.Members {
		if m.Present() {
			ids = append(ids, id)
		}
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// ChatMessage is a chat line or tactical alert. Messages are add-only
// and never edited, so the set merges trivially.
type ChatMessage struct {
	ID         string              `json:"id"`
	SenderID   clock.ParticipantID `json:"senderId"`
	TeamID     string              `json:"teamId"`
	Visibility Visibility          `json:"visibility"`
	Kind       ChatKind            `json:"kind"`
	Alert      AlertType           `json:"alert,omitempty"`
	Body       string              `json:"body"`
	Coordinate *Coordinate         `json:"coordinate,omitempty"`
	Timestamp  clock.Timestamp     `json:"timestamp"`
	SentAt     time.Time           `json:"sentAt"`
}
