// Package store holds the authoritative local replica of the shared
// tactical picture. All mutation flows through ApplyLocal and
// ApplyRemote; both are safe for concurrent use from multiple
// transport goroutines, and the merge rules keep the net effect
// order-independent.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/merge"
	"github.com/tacmap/tacsync/internal/model"
)

// ErrInvalidOperation marks a malformed or unauthorized local mutation
// attempt. Rejected operations are never stamped, stored or transmitted.
var ErrInvalidOperation = errors.New("invalid operation")

// Remote counters more than an hour of milliseconds ahead of ours are
// tolerated by the Lamport scheme but worth a log line.
const skewWarnThreshold = 3_600_000

// Digest summarizes which operations a replica has seen: the highest
// counter witnessed per origin. Exchanging digests bounds anti-entropy
// bandwidth to the operations the other side is actually missing.
type Digest map[clock.ParticipantID]uint64

// Snapshot is the materialized view handed to rendering collaborators.
// All maps and slices are copies; the caller may keep it indefinitely.
type Snapshot struct {
	Participants map[clock.ParticipantID]model.Participant    `json:"participants"`
	Positions    map[clock.ParticipantID]model.PositionSample `json:"positions"`
	Markers      map[string]model.Marker                      `json:"markers"`
	Teams        map[string]model.Team                        `json:"teams"`
	Messages     []model.ChatMessage                          `json:"messages"`
}

// Store is the single piece of mutable shared state in the system.
type Store struct {
	mu    sync.RWMutex
	clock *clock.Clock
	log   *slog.Logger

	participants map[clock.ParticipantID]model.Participant
	positions    map[clock.ParticipantID]model.PositionSample
	markers      map[string]model.Marker
	teams        map[string]model.Team
	messages     map[string]model.ChatMessage

	// Operation set for anti-entropy and replay; seen dedupes replays,
	// heads tracks the highest counter witnessed per origin site.
	ops   []model.Operation
	seen  map[string]bool
	heads Digest

	notifier notifier
}

// New creates an empty store bound to the local clock.
func New(clk *clock.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		clock:        clk,
		log:          logger,
		participants: make(map[clock.ParticipantID]model.Participant),
		positions:    make(map[clock.ParticipantID]model.PositionSample),
		markers:      make(map[string]model.Marker),
		teams:        make(map[string]model.Team),
		messages:     make(map[string]model.ChatMessage),
		seen:         make(map[string]bool),
		heads:        make(Digest),
	}
}

// Site returns the local participant id.
func (s *Store) Site() clock.ParticipantID { return s.clock.Site() }

// ApplyLocal validates a locally originated operation, stamps it with
// a fresh logical timestamp, merges it, and returns the stamped
// operation for outbound replication.
func (s *Store) ApplyLocal(op model.Operation) (model.Operation, error) {
	op.Origin = s.clock.Site()

	s.mu.Lock()

	ts := s.clock.Tick()
	op.Timestamp = ts

	// Marker and chat ids are assigned here: participant id plus the
	// local counter, unique without coordination.
	if op.EntityID == "" {
		switch {
		case op.Entity == model.EntityMarker && op.Action == model.ActionCreate:
			op.EntityID = fmt.Sprintf("%s-%d", op.Origin, ts.Counter)
		case op.Entity == model.EntityChat:
			op.EntityID = uuid.NewString()
		}
	}

	if err := op.Validate(); err != nil {
		s.mu.Unlock()
		return model.Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if err := s.authorizeLocked(op); err != nil {
		s.mu.Unlock()
		return model.Operation{}, err
	}

	changes, _ := s.mergeLocked(op)
	s.recordLocked(op)
	s.mu.Unlock()

	s.notifier.publish(changes)
	return op, nil
}

// authorizeLocked enforces the local-only rules that Validate cannot:
// position ownership and tombstone discipline.
func (s *Store) authorizeLocked(op model.Operation) error {
	switch op.Entity {
	case model.EntityPosition:
		if clock.ParticipantID(op.EntityID) != s.clock.Site() {
			return fmt.Errorf("%w: cannot set position of participant %s", ErrInvalidOperation, op.EntityID)
		}
	case model.EntityMarker:
		cur, exists := s.markers[op.EntityID]
		switch op.Action {
		case model.ActionUpdate:
			if !exists {
				return fmt.Errorf("%w: marker %s does not exist", ErrInvalidOperation, op.EntityID)
			}
			if cur.Deleted {
				return fmt.Errorf("%w: marker %s is deleted; recreate it instead", ErrInvalidOperation, op.EntityID)
			}
		case model.ActionDelete:
			if !exists {
				return fmt.Errorf("%w: marker %s does not exist", ErrInvalidOperation, op.EntityID)
			}
			if cur.Deleted {
				return fmt.Errorf("%w: marker %s is already deleted", ErrInvalidOperation, op.EntityID)
			}
		}
	}
	return nil
}

// ApplyRemote runs an inbound operation through the conflict resolver
// and merges the winning value. It reports whether state actually
// changed, which callers use to decide whether to re-render. Replaying
// an operation already seen is a no-op.
func (s *Store) ApplyRemote(op model.Operation) (bool, error) {
	if err := op.Validate(); err != nil {
		return false, err
	}
	// A participant's own position may never be overwritten by
	// somebody else's operation. Drop, don't propagate.
	if op.Entity == model.EntityPosition && string(op.Origin) != op.EntityID {
		return false, fmt.Errorf("%w: position op for %s from %s", ErrInvalidOperation, op.EntityID, op.Origin)
	}

	if skew := s.clock.Observe(op.Timestamp); skew > skewWarnThreshold {
		s.log.Warn("remote clock far ahead of local",
			"origin", op.Origin, "skew", skew)
	}

	s.mu.Lock()
	if s.seen[op.Key()] {
		s.mu.Unlock()
		return false, nil
	}
	changes, changed := s.mergeLocked(op)
	s.recordLocked(op)
	s.mu.Unlock()

	if changed {
		s.notifier.publish(changes)
	}
	return changed, nil
}

// mergeLocked routes the operation to its entity's merge rule and
// installs the winning value. Each operation touches exactly one
// entity, so an operation either fully applies or not at all.
func (s *Store) mergeLocked(op model.Operation) ([]Change, bool) {
	var changed bool

	switch op.Entity {
	case model.EntityPosition:
		id := clock.ParticipantID(op.EntityID)
		cur, ok := s.positions[id]
		var curp *model.PositionSample
		if ok {
			curp = &cur
		}
		next, ch := merge.Position(curp, op)
		s.positions[id] = next
		changed = ch
		s.touchLocked(op)
	case model.EntityMarker:
		cur, ok := s.markers[op.EntityID]
		var curp *model.Marker
		if ok {
			curp = &cur
		}
		next, ch := merge.Marker(curp, op)
		s.markers[op.EntityID] = next
		changed = ch
		s.touchLocked(op)
	case model.EntityTeam:
		cur, ok := s.teams[op.EntityID]
		var curp *model.Team
		if ok {
			curp = &cur
		}
		next, ch := merge.Team(curp, op)
		s.teams[op.EntityID] = next
		changed = ch
		s.touchLocked(op)
	case model.EntityParticipant:
		id := clock.ParticipantID(op.EntityID)
		cur, ok := s.participants[id]
		var curp *model.Participant
		if ok {
			curp = &cur
		}
		next, ch := merge.Participant(curp, op)
		if ok {
			// keep locally managed presence fields
			next.Status = cur.Status
			next.LastSeen = cur.LastSeen
		}
		s.participants[id] = next
		changed = ch
		s.touchLocked(op)
	case model.EntityChat:
		cur, ok := s.messages[op.EntityID]
		var curp *model.ChatMessage
		if ok {
			curp = &cur
		}
		next, ch := merge.Chat(curp, op)
		s.messages[op.EntityID] = next
		changed = ch
		s.touchLocked(op)
	}

	if !changed {
		return nil, false
	}
	return []Change{{Entity: op.Entity, EntityID: op.EntityID}}, true
}

// touchLocked records liveness for the origin of an operation; the
// presence manager reads LastSeen on its tick. Only operations newer
// than everything already witnessed from that origin count: backfilled
// history arriving via anti-entropy says nothing about liveness now.
func (s *Store) touchLocked(op model.Operation) {
	if op.Timestamp.Counter <= s.heads[op.Timestamp.Site] {
		return
	}
	p, ok := s.participants[op.Origin]
	if !ok {
		// First contact before the announce arrived; register a shell
		// so presence tracking starts immediately.
		p = model.Participant{ID: op.Origin, Role: model.RoleMember}
	}
	p.LastSeen = time.Now()
	p.Status = model.StatusOnline
	s.participants[op.Origin] = p
}

func (s *Store) recordLocked(op model.Operation) {
	if s.seen[op.Key()] {
		return
	}
	s.seen[op.Key()] = true
	s.ops = append(s.ops, op)
	if op.Timestamp.Counter > s.heads[op.Timestamp.Site] {
		s.heads[op.Timestamp.Site] = op.Timestamp.Counter
	}
}

// SetStatus is used by the presence manager; status is local-only
// state and never replicated.
func (s *Store) SetStatus(id clock.ParticipantID, status model.Status) bool {
	s.mu.Lock()
	p, ok := s.participants[id]
	if !ok || p.Status == status {
		s.mu.Unlock()
		return false
	}
	p.Status = status
	s.participants[id] = p
	s.mu.Unlock()

	s.notifier.publish([]Change{{Entity: model.EntityParticipant, EntityID: string(id)}})
	return true
}

// LastSeen returns when an operation from the participant was last
// merged, and whether the participant is known at all.
func (s *Store) LastSeen(id clock.ParticipantID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	return p.LastSeen, ok
}

// Participants returns the ids of all known participants.
func (s *Store) Participants() []clock.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]clock.ParticipantID, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a deep copy of the materialized view. Participant
// TeamID is derived from the team membership merge at read time.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Participants: make(map[clock.ParticipantID]model.Participant, len(s.participants)),
		Positions:    make(map[clock.ParticipantID]model.PositionSample, len(s.positions)),
		Markers:      make(map[string]model.Marker, len(s.markers)),
		Teams:        make(map[string]model.Team, len(s.teams)),
		Messages:     make([]model.ChatMessage, 0, len(s.messages)),
	}

	memberTeam := make(map[clock.ParticipantID]string)
	for id, t := range s.teams {
		tc := t
		tc.Members = make(map[clock.ParticipantID]model.Membership, len(t.Members))
		for pid, m := range t.Members {
			tc.Members[pid] = m
			if m.Present() {
				memberTeam[pid] = t.ID
			}
		}
		snap.Teams[id] = tc
	}
	for id, p := range s.participants {
		p.TeamID = memberTeam[id]
		snap.Participants[id] = p
	}
	for id, pos := range s.positions {
		snap.Positions[id] = pos
	}
	for id, m := range s.markers {
		snap.Markers[id] = m
	}
	for _, msg := range s.messages {
		snap.Messages = append(snap.Messages, msg)
	}
	sort.Slice(snap.Messages, func(i, j int) bool {
		return snap.Messages[i].Timestamp.Before(snap.Messages[j].Timestamp)
	})
	return snap
}

// Digest summarizes the operations this replica has seen.
func (s *Store) Digest() Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := make(Digest, len(s.heads))
	for site, counter := range s.heads {
		d[site] = counter
	}
	return d
}

// OpsSince returns the operations the holder of the given digest has
// not seen, ordered by timestamp for a deterministic exchange.
func (s *Store) OpsSince(d Digest) []model.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []model.Operation
	for _, op := range s.ops {
		if op.Timestamp.Counter > d[op.Timestamp.Site] {
			missing = append(missing, op)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return missing[i].Timestamp.Before(missing[j].Timestamp)
	})
	return missing
}

// Log returns a copy of every operation seen, in arrival order. Used
// for durable persistence and session resume.
func (s *Store) Log() []model.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := make([]model.Operation, len(s.ops))
	copy(ops, s.ops)
	return ops
}
