// Package transport replicates operations between peers over
// websockets: best-effort broadcast of fresh operations, digest-based
// anti-entropy to repair gaps, LAN discovery over mDNS and an optional
// relay link. Inbound frames route through the dispatcher so a single
// merge goroutine feeds the store.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/config"
	"github.com/tacmap/tacsync/internal/dispatcher"
	"github.com/tacmap/tacsync/internal/logging"
	"github.com/tacmap/tacsync/internal/model"
	"github.com/tacmap/tacsync/internal/queue"
	"github.com/tacmap/tacsync/internal/store"
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transport fans operations out to every reachable peer and keeps
// replicas convergent through periodic reconciliation.
type Transport struct {
	site     clock.ParticipantID
	callsign string
	cfg      config.TransportConfig
	store    *store.Store
	disp     *dispatcher.Dispatcher
	log      *slog.Logger

	hello []byte

	// Operations that found no reachable peer wait here and flush to
	// the first peer that identifies itself.
	pending *queue.Queue[model.Operation]

	mu     sync.Mutex
	peers  map[*peer]struct{}
	byAddr map[string]*peer

	server *http.Server
	mdns   *discovery
	cancel context.CancelFunc

	// OnPeerChange reports the reachable peer count after every
	// join/leave; the presence manager consumes it.
	OnPeerChange func(count int)

	// OnApplied fires for every remote operation that changed state,
	// after the merge. Used for durable logging and telemetry.
	OnApplied func(op model.Operation)

	// OnReconcile reports one answered anti-entropy round.
	OnReconcile func(peerID string, sent int, took time.Duration)

	opsSent         metric.Int64Counter
	reconcileRounds metric.Int64Counter
}

// New wires a transport to the store and registers its message
// handlers on a fresh dispatcher.
func New(site clock.ParticipantID, callsign string, cfg config.TransportConfig, st *store.Store, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	disp, err := dispatcher.New(logging.NewDispatcherLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	hello, err := EncodeEnvelope(TypeHello, site, HelloPayload{
		ParticipantID: string(site),
		Callsign:      callsign,
	})
	if err != nil {
		return nil, err
	}

	t := &Transport{
		site:     site,
		callsign: callsign,
		cfg:      cfg,
		store:    st,
		disp:     disp,
		log:      logger,
		hello:    hello,
		pending:  queue.New[model.Operation](),
		peers:    make(map[*peer]struct{}),
		byAddr:   make(map[string]*peer),
	}

	if err := t.initMetrics(); err != nil {
		return nil, err
	}

	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}

	// One buffered blocking consumer per type keeps merging on a
	// single goroutine without stalling peer read loops.
	disp.Register(TypeOp, t.handleOp, dispatcher.Buffered(buffer), dispatcher.Blocking())
	disp.Register(TypeOps, t.handleOps, dispatcher.Buffered(buffer), dispatcher.Blocking())
	disp.Register(TypeDigest, t.handleDigest, dispatcher.Logged())

	return t, nil
}

// Start brings up the listener, discovery, the optional relay link and
// the reconcile ticker.
func (t *Transport) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	if t.cfg.ListenAddr != "" {
		if err := t.listen(); err != nil {
			return err
		}
	}

	if t.cfg.RelayURL != "" {
		if err := t.ConnectPeer(t.cfg.RelayURL); err != nil {
			// The relay may come up later; the reconcile ticker retries.
			t.log.Warn("relay not reachable yet", "url", t.cfg.RelayURL, "error", err)
		}
	}

	if t.cfg.MDNSEnabled {
		d, err := startDiscovery(ctx, t)
		if err != nil {
			t.log.Warn("mdns discovery unavailable", "error", err)
		} else {
			t.mdns = d
		}
	}

	go t.reconcileLoop(ctx)
	return nil
}

func (t *Transport) listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		p := newPeer(t.hello, t.onFrame, t.dropPeer, t.log)
		t.addPeer(p, "")
		p.attach(conn)
	})

	t.server = &http.Server{Addr: t.cfg.ListenAddr, Handler: mux}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Error("transport listener failed", "addr", t.cfg.ListenAddr, "error", err)
		}
	}()
	t.log.Info("transport listening", "addr", t.cfg.ListenAddr)
	return nil
}

// ConnectPeer dials a peer (or relay) websocket endpoint. Already
// connected addresses are a no-op.
func (t *Transport) ConnectPeer(addr string) error {
	t.mu.Lock()
	if _, ok := t.byAddr[addr]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	p := newPeer(t.hello, t.onFrame, t.dropPeer, t.log)
	if err := p.dial(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	t.addPeer(p, addr)
	return nil
}

func (t *Transport) addPeer(p *peer, addr string) {
	t.mu.Lock()
	t.peers[p] = struct{}{}
	if addr != "" {
		t.byAddr[addr] = p
	}
	count := len(t.peers)
	t.mu.Unlock()

	t.notifyPeerCount(count)
}

func (t *Transport) dropPeer(p *peer) {
	t.mu.Lock()
	delete(t.peers, p)
	for addr, q := range t.byAddr {
		if q == p {
			delete(t.byAddr, addr)
		}
	}
	count := len(t.peers)
	t.mu.Unlock()

	p.close()
	t.log.Info("peer link dropped", "peer", p.remoteID())
	t.notifyPeerCount(count)
}

func (t *Transport) notifyPeerCount(count int) {
	if t.OnPeerChange != nil {
		t.OnPeerChange(count)
	}
}

// PeerCount returns the number of live links.
func (t *Transport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Broadcast fans a stamped operation out to every connected peer.
// With no peer reachable the operation is queued and flushed when a
// link comes up; reconciliation covers anything dropped beyond that.
func (t *Transport) Broadcast(op model.Operation) {
	data, err := EncodeEnvelope(TypeOp, t.site, op)
	if err != nil {
		t.log.Error("encoding operation for broadcast", "op", op.Key(), "error", err)
		return
	}

	t.mu.Lock()
	targets := make([]*peer, 0, len(t.peers))
	for p := range t.peers {
		targets = append(targets, p)
	}
	t.mu.Unlock()

	if len(targets) == 0 {
		t.pending.Push(op)
		t.log.Debug("no peers reachable, queued operation", "op", op.Key(), "pending", t.pending.Len())
		return
	}

	for _, p := range targets {
		p.send(data)
	}
	t.opsSent.Add(context.Background(), int64(len(targets)))
}

// onFrame handles one inbound frame from a peer read loop. Hello is
// handled inline because it binds the link to an identity; everything
// else routes through the dispatcher.
func (t *Transport) onFrame(p *peer, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.log.Warn("dropping malformed frame", "peer", p.remoteID(), "error", err)
		return
	}

	if env.Type == TypeHello {
		var hello HelloPayload
		if err := json.Unmarshal(env.Payload, &hello); err != nil {
			t.log.Warn("dropping malformed hello", "error", err)
			return
		}
		p.setID(clock.ParticipantID(hello.ParticipantID))
		t.log.Info("peer identified", "peer", hello.ParticipantID, "callsign", hello.Callsign)

		t.flushPendingTo(p)
		t.sendDigestTo(p)
		return
	}

	if _, err := t.disp.Dispatch(dispatcher.Message{
		Type:     env.Type,
		Peer:     env.From,
		Payload:  env.Payload,
		Received: time.Now(),
	}); err != nil {
		t.log.Warn("inbound frame not dispatched", "type", env.Type, "peer", env.From, "error", err)
	}
}

func (t *Transport) handleOp(msg dispatcher.Message) (any, error) {
	op, err := model.DecodeOperation(msg.Payload)
	if err != nil {
		return nil, err
	}
	return nil, t.applyRemote(op)
}

func (t *Transport) handleOps(msg dispatcher.Message) (any, error) {
	var batch OpsPayload
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		return nil, fmt.Errorf("decoding ops batch: %w", err)
	}
	for _, op := range batch.Ops {
		if err := t.applyRemote(op); err != nil {
			t.log.Warn("skipping bad operation in batch", "op", op.Key(), "error", err)
		}
	}
	return len(batch.Ops), nil
}

func (t *Transport) applyRemote(op model.Operation) error {
	changed, err := t.store.ApplyRemote(op)
	if err != nil {
		return err
	}
	if changed && t.OnApplied != nil {
		t.OnApplied(op)
	}
	return nil
}

// handleDigest answers an anti-entropy request: send back exactly the
// operations the requesting side has not seen.
func (t *Transport) handleDigest(msg dispatcher.Message) (any, error) {
	started := time.Now()

	var payload DigestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: bad digest from %s: %v", ErrReconciliationFailed, msg.Peer, err)
	}

	missing := t.store.OpsSince(digestFromWire(payload))
	if len(missing) == 0 {
		return 0, nil
	}

	data, err := EncodeEnvelope(TypeOps, t.site, OpsPayload{Ops: missing})
	if err != nil {
		return nil, err
	}
	if !t.sendToID(clock.ParticipantID(msg.Peer), data) {
		return nil, fmt.Errorf("%w: peer %s went away", ErrReconciliationFailed, msg.Peer)
	}

	t.reconcileRounds.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("peer", msg.Peer)))
	if t.OnReconcile != nil {
		t.OnReconcile(msg.Peer, len(missing), time.Since(started))
	}
	return len(missing), nil
}

func (t *Transport) sendToID(id clock.ParticipantID, data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.peers {
		if p.remoteID() == id {
			p.send(data)
			return true
		}
	}
	return false
}

// flushPendingTo hands the queued backlog to a freshly identified
// peer. A send failure mid-flush requeues the rest.
func (t *Transport) flushPendingTo(p *peer) {
	ops := t.pending.Drain()
	if len(ops) == 0 {
		return
	}
	t.log.Info("flushing pending operations", "peer", p.remoteID(), "count", len(ops))
	for i, op := range ops {
		data, err := EncodeEnvelope(TypeOp, t.site, op)
		if err != nil {
			t.log.Error("encoding pending operation", "op", op.Key(), "error", err)
			continue
		}
		select {
		case <-p.done:
			t.pending.Requeue(ops[i:]...)
			return
		default:
			p.send(data)
		}
	}
	t.opsSent.Add(context.Background(), int64(len(ops)))
}

// sendDigestTo starts an anti-entropy round toward one peer.
func (t *Transport) sendDigestTo(p *peer) {
	data, err := EncodeEnvelope(TypeDigest, t.site, digestToWire(t.store.Digest()))
	if err != nil {
		t.log.Error("encoding digest", "error", err)
		return
	}
	p.send(data)
}

// reconcileLoop periodically exchanges digests with every peer so
// replicas converge even after dropped frames.
func (t *Transport) reconcileLoop(ctx context.Context) {
	interval := t.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.redialRelay()

			t.mu.Lock()
			targets := make([]*peer, 0, len(t.peers))
			for p := range t.peers {
				targets = append(targets, p)
			}
			t.mu.Unlock()

			for _, p := range targets {
				t.sendDigestTo(p)
			}
		}
	}
}

// redialRelay keeps trying a configured relay that was unreachable at
// start or whose link gave up, so a relay-only node never stays
// isolated and its pending queue eventually flushes.
func (t *Transport) redialRelay() {
	if t.cfg.RelayURL == "" {
		return
	}
	t.mu.Lock()
	_, connected := t.byAddr[t.cfg.RelayURL]
	t.mu.Unlock()
	if connected {
		return
	}
	if err := t.ConnectPeer(t.cfg.RelayURL); err != nil {
		t.log.Debug("relay still unreachable", "url", t.cfg.RelayURL, "error", err)
	}
}

// PendingLen reports the queued backlog size.
func (t *Transport) PendingLen() int {
	return t.pending.Len()
}

// Stop tears everything down: discovery, listener, peer links.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.mdns != nil {
		t.mdns.shutdown()
	}
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(ctx)
	}

	t.mu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[*peer]struct{})
	t.byAddr = make(map[string]*peer)
	t.mu.Unlock()

	for _, p := range peers {
		_ = p.close()
	}
}
