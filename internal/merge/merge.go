// Package merge implements the per-entity conflict resolution rules.
// Every rule is commutative, associative and idempotent, so replicas
// that have seen the same operations converge to identical state no
// matter the arrival order or duplication.
package merge

import (
	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/model"
)

// Position merges an incoming position sample: whole-record
// last-writer-wins by logical timestamp, ties broken by higher site id.
// cur is nil when no sample for the participant exists yet.
func Position(cur *model.PositionSample, op model.Operation) (model.PositionSample, bool) {
	incoming := model.PositionSample{
		ParticipantID: clock.ParticipantID(op.EntityID),
		Coordinate:    op.Position.Coordinate,
		ElevationASL:  op.Position.ElevationASL,
		Heading:       op.Position.Heading,
		Speed:         op.Position.Speed,
		Accuracy:      op.Position.Accuracy,
		Timestamp:     op.Timestamp,
		CapturedAt:    op.Position.CapturedAt,
	}
	if cur == nil {
		return incoming, true
	}
	if op.Timestamp.After(cur.Timestamp) {
		return incoming, true
	}
	return *cur, false
}

// Marker merges a marker operation field-by-field. Existence is
// resolved by comparing the highest create and delete timestamps: the
// tombstone dominates an equal-or-lower create, a strictly later
// create revives. Field merges apply independently of the tombstone so
// the record stays order-independent.
func Marker(cur *model.Marker, op model.Operation) (model.Marker, bool) {
	m := model.Marker{ID: op.EntityID}
	if cur != nil {
		m = *cur
	} else {
		m.CreatorID = op.Origin
	}

	changed := cur == nil

	switch op.Action {
	case model.ActionCreate:
		if op.Timestamp.After(m.CreatedTS) {
			m.CreatedTS = op.Timestamp
			// TeamID follows the winning create unconditionally, even
			// to empty, so replicas agree regardless of merge order.
			m.TeamID = op.Marker.TeamID
			changed = true
		}
		changed = mergeMarkerFields(&m, op) || changed
	case model.ActionUpdate:
		changed = mergeMarkerFields(&m, op) || changed
	case model.ActionDelete:
		if op.Timestamp.After(m.DeletedTS) {
			m.DeletedTS = op.Timestamp
			changed = true
		}
	}

	wasDeleted := m.Deleted
	m.Deleted = !m.DeletedTS.IsZero() && m.DeletedTS.Compare(m.CreatedTS) >= 0
	if m.Deleted != wasDeleted {
		changed = true
	}
	return m, changed
}

func mergeMarkerFields(m *model.Marker, op model.Operation) bool {
	p := op.Marker
	ts := op.Timestamp
	changed := false

	if p.Coordinate != nil && ts.After(m.CoordinateTS) {
		m.Coordinate = *p.Coordinate
		m.CoordinateTS = ts
		changed = true
	}
	if p.Type != nil && ts.After(m.TypeTS) {
		m.Type = *p.Type
		m.TypeTS = ts
		changed = true
	}
	if p.Label != nil && ts.After(m.LabelTS) {
		m.Label = *p.Label
		m.LabelTS = ts
		changed = true
	}
	if p.Color != nil && ts.After(m.ColorTS) {
		m.Color = *p.Color
		m.ColorTS = ts
		changed = true
	}
	if p.Visibility != nil && ts.After(m.VisibilityTS) {
		m.Visibility = *p.Visibility
		m.VisibilityTS = ts
		changed = true
	}
	return changed
}

// Team merges a team create/rename/membership operation. Name and
// color are field-level LWW; membership is an add-wins set keeping the
// highest add and remove timestamps per member.
func Team(cur *model.Team, op model.Operation) (model.Team, bool) {
	t := model.Team{ID: op.EntityID, Members: map[clock.ParticipantID]model.Membership{}}
	if cur != nil {
		t = *cur
		t.Members = make(map[clock.ParticipantID]model.Membership, len(cur.Members))
		for id, m := range cur.Members {
			t.Members[id] = m
		}
	}

	changed := cur == nil

	switch op.Action {
	case model.ActionCreate, model.ActionUpdate:
		if op.Team.Name != nil && op.Timestamp.After(t.NameTS) {
			t.Name = *op.Team.Name
			t.NameTS = op.Timestamp
			changed = true
		}
		if op.Team.Color != nil && op.Timestamp.After(t.ColorTS) {
			t.Color = *op.Team.Color
			t.ColorTS = op.Timestamp
			changed = true
		}
	case model.ActionAddMember:
		member := *op.Team.Member
		m := t.Members[member]
		if op.Timestamp.After(m.AddTS) {
			m.AddTS = op.Timestamp
			t.Members[member] = m
			changed = true
		}
	case model.ActionRemoveMember:
		member := *op.Team.Member
		m := t.Members[member]
		if op.Timestamp.After(m.RemoveTS) {
			m.RemoveTS = op.Timestamp
			t.Members[member] = m
			changed = true
		}
	}
	return t, changed
}

// Participant merges an announce or profile update. Announce is an
// idempotent insert; callsign and role merge field-level LWW.
func Participant(cur *model.Participant, op model.Operation) (model.Participant, bool) {
	p := model.Participant{
		ID:     clock.ParticipantID(op.EntityID),
		Role:   model.RoleMember,
		Status: model.StatusOffline,
	}
	if cur != nil {
		p = *cur
	}

	changed := cur == nil

	if op.Participant.Callsign != nil && op.Timestamp.After(p.CallsignTS) {
		p.Callsign = *op.Participant.Callsign
		p.CallsignTS = op.Timestamp
		changed = true
	}
	if op.Participant.Role != nil && op.Timestamp.After(p.RoleTS) {
		p.Role = *op.Participant.Role
		p.RoleTS = op.Timestamp
		changed = true
	}
	return p, changed
}

// Chat merges a chat post: a pure idempotent insert, keyed by message
// id. Messages are never edited or removed.
func Chat(cur *model.ChatMessage, op model.Operation) (model.ChatMessage, bool) {
	if cur != nil {
		return *cur, false
	}
	return model.ChatMessage{
		ID:         op.EntityID,
		SenderID:   op.Origin,
		TeamID:     op.Chat.TeamID,
		Visibility: op.Chat.Visibility,
		Kind:       op.Chat.Kind,
		Alert:      op.Chat.Alert,
		Body:       op.Chat.Body,
		Coordinate: op.Chat.Coordinate,
		Timestamp:  op.Timestamp,
		SentAt:     op.Chat.SentAt,
	}, true
}
