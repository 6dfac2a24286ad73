// Package session assembles one running node: identity, clock, store,
// transport, presence and the durable operation log, with helper
// operations for everything an operator does on the map.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/config"
	"github.com/tacmap/tacsync/internal/model"
	"github.com/tacmap/tacsync/internal/oplog"
	"github.com/tacmap/tacsync/internal/predict"
	"github.com/tacmap/tacsync/internal/presence"
	"github.com/tacmap/tacsync/internal/store"
	"github.com/tacmap/tacsync/internal/telemetry"
	"github.com/tacmap/tacsync/internal/transport"
)

const defaultDegradedAfter = time.Minute

// Options bundles everything a session needs. Metrics may be nil;
// recording is skipped entirely then.
type Options struct {
	Identity      Identity
	Transport     config.TransportConfig
	Presence      config.PresenceConfig
	Predict       config.PredictConfig
	Oplog         config.OplogConfig
	DegradedAfter time.Duration
	Logger        *slog.Logger
	OplogLogger   zerolog.Logger
	Metrics       *telemetry.Manager
}

// Session is the live node. All mutating helpers follow the same path:
// stamp locally, persist, record, broadcast.
type Session struct {
	identity   Identity
	site       clock.ParticipantID
	store      *store.Store
	transport  *transport.Transport
	presence   *presence.Manager
	oplog      *oplog.Log
	metrics    *telemetry.Manager
	predictCap time.Duration
	log        *slog.Logger
	cancel     context.CancelFunc
}

// New wires the node together and replays the durable log so the
// replica resumes exactly where it stopped.
func New(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	site := clock.ParticipantID(opts.Identity.ParticipantID)
	if site == "" {
		return nil, errors.New("session needs a participant identity")
	}

	// Seed from the wall clock like a fresh replica would, and from the
	// durable log when it runs further ahead. A node restarting without
	// its log must not fall behind its own pre-restart timestamps held
	// by peers, or its fresh updates lose every conflict to stale ones.
	seed := uint64(time.Now().UnixMilli())

	var log *oplog.Log
	if opts.Oplog.Enabled {
		l, err := oplog.Open(opts.Oplog, opts.OplogLogger)
		if err != nil {
			return nil, fmt.Errorf("opening operation log: %w", err)
		}
		log = l

		highest, err := l.HighestCounter(site)
		if err != nil {
			return nil, fmt.Errorf("seeding clock from operation log: %w", err)
		}
		if highest > seed {
			seed = highest
		}
	}

	st := store.New(clock.NewAt(site, seed), logger)

	if log != nil {
		replayed := 0
		err := log.ReplayAll(func(op model.Operation) error {
			if _, err := st.ApplyRemote(op); err != nil {
				logger.Warn("skipping unreplayable logged operation", "op", op.Key(), "error", err)
				return nil
			}
			replayed++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("replaying operation log: %w", err)
		}
		if replayed > 0 {
			logger.Info("replayed operation log", "operations", replayed)
		}
	}

	tr, err := transport.New(site, opts.Identity.Callsign, opts.Transport, st, logger)
	if err != nil {
		return nil, err
	}

	degradedAfter := opts.DegradedAfter
	if degradedAfter <= 0 {
		degradedAfter = defaultDegradedAfter
	}
	pres := presence.New(st, opts.Presence, degradedAfter, logger)

	s := &Session{
		identity:   opts.Identity,
		site:       site,
		store:      st,
		transport:  tr,
		presence:   pres,
		oplog:      log,
		metrics:    opts.Metrics,
		predictCap: opts.Predict.ExtrapolationCap,
		log:        logger,
	}

	tr.OnPeerChange = pres.SetPeerCount
	tr.OnApplied = s.onRemoteApplied
	if s.metrics != nil {
		tr.OnReconcile = func(peerID string, sent int, took time.Duration) {
			_ = s.metrics.RecordReconcile(context.Background(), peerID, sent, 0, took)
		}
		pres.Report = func(c presence.Counts) {
			_ = s.metrics.RecordPresence(context.Background(), c.Online, c.Stale, c.Offline)
		}
	}

	return s, nil
}

// Start brings the transport and the presence ticker up and announces
// this participant so peers learn its callsign.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.transport.Start(ctx); err != nil {
		return err
	}
	go s.presence.Run(ctx)

	if _, err := s.Announce(); err != nil {
		return err
	}
	s.log.Info("session started", "participant", s.site, "callsign", s.identity.Callsign)
	return nil
}

// Stop tears the node down. Pending outbound operations survive in the
// durable log and reconcile out on the next start.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.transport.Stop()
	if s.oplog != nil {
		if err := s.oplog.Close(); err != nil {
			s.log.Warn("closing operation log", "error", err)
		}
	}
	s.log.Info("session stopped", "participant", s.site)
}

// submit is the single path for locally originated changes.
func (s *Session) submit(op model.Operation) (model.Operation, error) {
	stamped, err := s.store.ApplyLocal(op)
	if err != nil {
		return model.Operation{}, err
	}

	if s.oplog != nil {
		if err := s.oplog.Append(stamped); err != nil {
			s.log.Error("appending to operation log", "op", stamped.Key(), "error", err)
		}
	}
	if s.metrics != nil {
		_ = s.metrics.RecordOperation(context.Background(),
			string(stamped.Origin), string(stamped.Entity), string(stamped.Action), false)
	}

	s.transport.Broadcast(stamped)
	return stamped, nil
}

// onRemoteApplied persists and records every remote operation that
// changed state.
func (s *Session) onRemoteApplied(op model.Operation) {
	if s.oplog != nil {
		if err := s.oplog.Append(op); err != nil {
			s.log.Error("appending remote operation to log", "op", op.Key(), "error", err)
		}
	}
	if s.metrics != nil {
		_ = s.metrics.RecordOperation(context.Background(),
			string(op.Origin), string(op.Entity), string(op.Action), true)
	}
}

// Announce publishes this participant's callsign and role.
func (s *Session) Announce() (model.Operation, error) {
	callsign := s.identity.Callsign
	role := model.RoleMember
	return s.submit(model.Operation{
		Entity:   model.EntityParticipant,
		Action:   model.ActionAnnounce,
		EntityID: string(s.site),
		Participant: &model.ParticipantPayload{
			Callsign: &callsign,
			Role:     &role,
		},
	})
}

// SetPosition reports this device's own position. Positions of other
// participants cannot be set; the store rejects the attempt.
func (s *Session) SetPosition(p model.PositionPayload) error {
	_, err := s.submit(model.Operation{
		Entity:   model.EntityPosition,
		Action:   model.ActionSet,
		EntityID: string(s.site),
		Position: &p,
	})
	return err
}

// PlaceMarker creates a marker and returns its assigned id.
func (s *Session) PlaceMarker(m model.MarkerPayload) (string, error) {
	op, err := s.submit(model.Operation{
		Entity: model.EntityMarker,
		Action: model.ActionCreate,
		Marker: &m,
	})
	if err != nil {
		return "", err
	}
	return op.EntityID, nil
}

// UpdateMarker changes the given fields of an existing marker; nil
// fields stay untouched.
func (s *Session) UpdateMarker(id string, m model.MarkerPayload) error {
	_, err := s.submit(model.Operation{
		Entity:   model.EntityMarker,
		Action:   model.ActionUpdate,
		EntityID: id,
		Marker:   &m,
	})
	return err
}

// DeleteMarker tombstones a marker. The tombstone replicates; only a
// later create revives the id.
func (s *Session) DeleteMarker(id string) error {
	_, err := s.submit(model.Operation{
		Entity:   model.EntityMarker,
		Action:   model.ActionDelete,
		EntityID: id,
	})
	return err
}

// CreateTeam creates a team and returns its id.
func (s *Session) CreateTeam(name, color string) (string, error) {
	op, err := s.submit(model.Operation{
		Entity:   model.EntityTeam,
		Action:   model.ActionCreate,
		EntityID: "team-" + uuid.NewString(),
		Team: &model.TeamPayload{
			Name:  &name,
			Color: &color,
		},
	})
	if err != nil {
		return "", err
	}
	return op.EntityID, nil
}

// UpdateTeam renames or recolors a team; nil fields stay untouched.
func (s *Session) UpdateTeam(id string, name, color *string) error {
	_, err := s.submit(model.Operation{
		Entity:   model.EntityTeam,
		Action:   model.ActionUpdate,
		EntityID: id,
		Team: &model.TeamPayload{
			Name:  name,
			Color: color,
		},
	})
	return err
}

// JoinTeam adds this participant to a team.
func (s *Session) JoinTeam(teamID string) error {
	member := s.site
	_, err := s.submit(model.Operation{
		Entity:   model.EntityTeam,
		Action:   model.ActionAddMember,
		EntityID: teamID,
		Team:     &model.TeamPayload{Member: &member},
	})
	return err
}

// LeaveTeam removes this participant from a team.
func (s *Session) LeaveTeam(teamID string) error {
	member := s.site
	_, err := s.submit(model.Operation{
		Entity:   model.EntityTeam,
		Action:   model.ActionRemoveMember,
		EntityID: teamID,
		Team:     &model.TeamPayload{Member: &member},
	})
	return err
}

// SetCallsign renames this participant on the shared map.
func (s *Session) SetCallsign(callsign string) error {
	_, err := s.submit(model.Operation{
		Entity:      model.EntityParticipant,
		Action:      model.ActionUpdate,
		EntityID:    string(s.site),
		Participant: &model.ParticipantPayload{Callsign: &callsign},
	})
	return err
}

// SetRole changes this participant's role.
func (s *Session) SetRole(role model.Role) error {
	_, err := s.submit(model.Operation{
		Entity:      model.EntityParticipant,
		Action:      model.ActionUpdate,
		EntityID:    string(s.site),
		Participant: &model.ParticipantPayload{Role: &role},
	})
	return err
}

// PostChat appends a chat message or alert and returns its id.
func (s *Session) PostChat(c model.ChatPayload) (string, error) {
	if c.SentAt.IsZero() {
		c.SentAt = time.Now().UTC()
	}
	op, err := s.submit(model.Operation{
		Entity: model.EntityChat,
		Action: model.ActionPost,
		Chat:   &c,
	})
	if err != nil {
		return "", err
	}
	return op.EntityID, nil
}

// Snapshot returns a copy of the current shared state.
func (s *Session) Snapshot() store.Snapshot {
	return s.store.Snapshot()
}

// Subscribe delivers change notifications for rendering.
func (s *Session) Subscribe(buffer int) (<-chan store.Change, func()) {
	return s.store.Subscribe(buffer)
}

// PredictPosition dead-reckons a participant's position forward to
// now. The second return is false when no sample exists.
func (s *Session) PredictPosition(id clock.ParticipantID, now time.Time) (predict.Prediction, bool) {
	sample, ok := s.store.Snapshot().Positions[id]
	if !ok {
		return predict.Prediction{}, false
	}
	return predict.Predict(sample, now, s.predictCap), true
}

// Degraded reports whether the node has been without peers long enough
// to warn the operator.
func (s *Session) Degraded() bool {
	return s.presence.Degraded(time.Now())
}

// ParticipantID returns this node's identity on the map.
func (s *Session) ParticipantID() clock.ParticipantID { return s.site }

// PeerCount returns the number of live peer links.
func (s *Session) PeerCount() int { return s.transport.PeerCount() }

// PendingLen returns the outbound backlog queued while unreachable.
func (s *Session) PendingLen() int { return s.transport.PendingLen() }
