// Package presence judges participant liveness from operation flow.
// A participant with no operations for staleAfter turns stale, then
// offline after offlineAfter. Liveness is a local judgment, never
// replicated, and going offline removes nothing from the shared state.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tacmap/tacsync/internal/config"
	"github.com/tacmap/tacsync/internal/model"
	"github.com/tacmap/tacsync/internal/store"
)

// Counts is the liveness breakdown after a sweep.
type Counts struct {
	Online  int
	Stale   int
	Offline int
}

// Manager drives the per-participant liveness state machine on a
// ticker.
type Manager struct {
	store *store.Store
	cfg   config.PresenceConfig
	log   *slog.Logger

	// Report, when set, receives the breakdown after every sweep.
	Report func(Counts)

	mu            sync.Mutex
	peerCount     int
	lastPeerSeen  time.Time
	degradedAfter time.Duration
}

// New creates a presence manager. degradedAfter bounds how long the
// node may sit with zero reachable peers before Degraded reports true.
func New(st *store.Store, cfg config.PresenceConfig, degradedAfter time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         st,
		cfg:           cfg,
		log:           logger,
		lastPeerSeen:  time.Now(),
		degradedAfter: degradedAfter,
	}
}

// Run sweeps on the configured tick until the context is canceled.
func (m *Manager) Run(ctx context.Context) {
	tick := m.cfg.TickInterval
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			counts := m.Sweep(now)
			if m.Report != nil {
				m.Report(counts)
			}
			if m.Degraded(now) {
				m.log.Warn("no reachable peers, operating from local replica",
					"since", m.sincePeers(now))
			}
		}
	}
}

// Sweep classifies every known participant by time since its last
// merged operation and pushes transitions into the store.
func (m *Manager) Sweep(now time.Time) Counts {
	var counts Counts

	for _, id := range m.store.Participants() {
		lastSeen, ok := m.store.LastSeen(id)
		if !ok {
			continue
		}

		var status model.Status
		switch elapsed := now.Sub(lastSeen); {
		case lastSeen.IsZero() || elapsed >= m.cfg.OfflineAfter:
			status = model.StatusOffline
		case elapsed >= m.cfg.StaleAfter:
			status = model.StatusStale
		default:
			status = model.StatusOnline
		}

		switch status {
		case model.StatusOnline:
			counts.Online++
		case model.StatusStale:
			counts.Stale++
		case model.StatusOffline:
			counts.Offline++
		}

		if m.store.SetStatus(id, status) {
			m.log.Info("participant status changed", "participant", id, "status", status)
		}
	}
	return counts
}

// SetPeerCount records the number of reachable peers; the transport
// calls this as links come and go.
func (m *Manager) SetPeerCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerCount = n
	if n > 0 {
		m.lastPeerSeen = time.Now()
	}
}

// Degraded reports whether the node has had zero reachable peers for
// longer than the configured threshold.
func (m *Manager) Degraded(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peerCount > 0 || m.degradedAfter <= 0 {
		return false
	}
	return now.Sub(m.lastPeerSeen) >= m.degradedAfter
}

func (m *Manager) sincePeers(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Sub(m.lastPeerSeen).Round(time.Second)
}
