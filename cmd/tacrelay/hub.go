package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/tacmap/tacsync/internal/clock"
	"github.com/tacmap/tacsync/internal/geo"
	"github.com/tacmap/tacsync/internal/model"
	"github.com/tacmap/tacsync/internal/oplog"
	"github.com/tacmap/tacsync/internal/store"
	"github.com/tacmap/tacsync/internal/transport"
)

const (
	clientSendBuffer = 4096
	writeWait        = 10 * time.Second
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub is the relay core: it accepts node connections, merges every
// operation into its own replica, fans frames out to all other nodes
// and answers digest requests from its replica. The relay holds no
// authority; it is just a well-connected peer with a durable log.
type hub struct {
	site  clock.ParticipantID
	store *store.Store
	log   *oplog.Log // nil when persistence is disabled
	hello []byte

	mu      sync.Mutex
	clients map[*client]struct{}

	logger *slog.Logger
}

// client is one connected node with a single write goroutine.
type client struct {
	conn   *ws.Conn
	sendCh chan []byte
	done   chan struct{}

	// writeMu serializes the write loop and the close frame;
	// gorilla/websocket forbids concurrent writers.
	writeMu sync.Mutex

	mu sync.Mutex
	id clock.ParticipantID
}

func newHub(site clock.ParticipantID, st *store.Store, log *oplog.Log, logger *slog.Logger) (*hub, error) {
	hello, err := transport.EncodeEnvelope(transport.TypeHello, site, transport.HelloPayload{
		ParticipantID: string(site),
	})
	if err != nil {
		return nil, err
	}
	return &hub{
		site:    site,
		store:   st,
		log:     log,
		hello:   hello,
		clients: make(map[*client]struct{}),
		logger:  logger,
	}, nil
}

func (h *hub) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		sendCh: make(chan []byte, clientSendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("node connected", "remote", r.RemoteAddr, "nodes", count)

	c.send(h.hello)
	go c.writeLoop(h.logger)
	h.readLoop(c)
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.logger.Info("node disconnected", "node", c.remoteID(), "nodes", count)
}

func (h *hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.onFrame(c, frame)
	}
}

func (h *hub) onFrame(c *client, frame []byte) {
	env, err := transport.DecodeEnvelope(frame)
	if err != nil {
		h.logger.Warn("dropping malformed frame", "node", c.remoteID(), "error", err)
		return
	}

	switch env.Type {
	case transport.TypeHello:
		var hello transport.HelloPayload
		if err := json.Unmarshal(env.Payload, &hello); err != nil {
			h.logger.Warn("dropping malformed hello", "error", err)
			return
		}
		c.setID(clock.ParticipantID(hello.ParticipantID))
		h.logger.Info("node identified", "node", hello.ParticipantID, "callsign", hello.Callsign)
		h.sendDigest(c)

	case transport.TypeOp:
		op, err := model.DecodeOperation(env.Payload)
		if err != nil {
			h.logger.Warn("dropping bad operation", "node", c.remoteID(), "error", err)
			return
		}
		if h.apply(op) {
			h.fanOut(c, frame)
		}

	case transport.TypeOps:
		var batch transport.OpsPayload
		if err := json.Unmarshal(env.Payload, &batch); err != nil {
			h.logger.Warn("dropping bad ops batch", "node", c.remoteID(), "error", err)
			return
		}
		fresh := batch.Ops[:0:0]
		for _, op := range batch.Ops {
			if h.apply(op) {
				fresh = append(fresh, op)
			}
		}
		// Re-encode so other nodes only see what was actually new.
		if len(fresh) > 0 {
			data, err := transport.EncodeEnvelope(transport.TypeOps, clock.ParticipantID(env.From), transport.OpsPayload{Ops: fresh})
			if err != nil {
				h.logger.Error("re-encoding ops batch", "error", err)
				return
			}
			h.fanOut(c, data)
		}

	case transport.TypeDigest:
		h.answerDigest(c, env.Payload)

	default:
		h.logger.Warn("unknown frame type", "type", env.Type, "node", c.remoteID())
	}
}

// apply merges one operation into the relay replica and persists it.
func (h *hub) apply(op model.Operation) bool {
	changed, err := h.store.ApplyRemote(op)
	if err != nil {
		h.logger.Warn("rejecting operation", "op", op.Key(), "error", err)
		return false
	}
	if changed && h.log != nil {
		if err := h.log.Append(op); err != nil {
			h.logger.Error("appending to operation log", "op", op.Key(), "error", err)
		}
	}
	return changed
}

// fanOut forwards a frame to every node except the source.
func (h *hub) fanOut(from *client, frame []byte) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.send(frame)
	}
}

// sendDigest starts an anti-entropy round toward one node so it
// backfills whatever the relay is missing.
func (h *hub) sendDigest(c *client) {
	payload := transport.DigestPayload{Digest: make(map[string]uint64)}
	for site, counter := range h.store.Digest() {
		payload.Digest[string(site)] = counter
	}
	data, err := transport.EncodeEnvelope(transport.TypeDigest, h.site, payload)
	if err != nil {
		h.logger.Error("encoding digest", "error", err)
		return
	}
	c.send(data)
}

// answerDigest replies with exactly the operations the node is missing.
func (h *hub) answerDigest(c *client, payload []byte) {
	var req transport.DigestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		h.logger.Warn("dropping bad digest", "node", c.remoteID(), "error", err)
		return
	}

	digest := make(store.Digest, len(req.Digest))
	for site, counter := range req.Digest {
		digest[clock.ParticipantID(site)] = counter
	}

	missing := h.store.OpsSince(digest)
	if len(missing) == 0 {
		return
	}
	data, err := transport.EncodeEnvelope(transport.TypeOps, h.site, transport.OpsPayload{Ops: missing})
	if err != nil {
		h.logger.Error("encoding ops reply", "error", err)
		return
	}
	c.send(data)
	h.logger.Info("answered digest", "node", c.remoteID(), "sent", len(missing))
}

// handleSnapshot serves the relay replica as GeoJSON for debugging and
// map overlays.
func (h *hub) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := geo.ExportGeoJSON(h.store.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func (h *hub) nodeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (c *client) setID(id clock.ParticipantID) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

func (c *client) remoteID() clock.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// send queues a frame; a full queue drops it and reconciliation
// repairs the gap.
func (c *client) send(frame []byte) {
	select {
	case c.sendCh <- frame:
	case <-c.done:
	default:
	}
}

func (c *client) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			if err := c.writeFrame(frame); err != nil {
				logger.Warn("node write error", "node", c.remoteID(), "error", err)
				return
			}
		}
	}
}

func (c *client) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(ws.TextMessage, frame)
}

func (c *client) close() {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}
