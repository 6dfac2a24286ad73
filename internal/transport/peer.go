package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/tacmap/tacsync/internal/clock"
)

const (
	sendChSize   = 4096
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
)

// peer manages one websocket link with a single write goroutine. A
// dialed peer reconnects with exponential backoff; an accepted peer is
// discarded on error and the remote side re-dials.
type peer struct {
	mu           sync.Mutex
	conn         *ws.Conn
	id           clock.ParticipantID
	reconnecting bool
	closed       bool

	// writeMu serializes frame writes between the write loop and the
	// close frame; gorilla/websocket forbids concurrent writers.
	writeMu sync.Mutex

	sendCh chan []byte
	done   chan struct{}

	// addr is set for dialed peers only and enables reconnect.
	addr string

	// hello is replayed after every reconnect so the remote side can
	// re-identify us.
	hello []byte

	onFrame func(p *peer, data []byte)
	onDown  func(p *peer)

	logger *slog.Logger
}

func newPeer(hello []byte, onFrame func(*peer, []byte), onDown func(*peer), logger *slog.Logger) *peer {
	return &peer{
		sendCh:  make(chan []byte, sendChSize),
		done:    make(chan struct{}),
		hello:   hello,
		onFrame: onFrame,
		onDown:  onDown,
		logger:  logger,
	}
}

// attach adopts an already-established connection (accepted side) and
// starts the loops.
func (p *peer) attach(conn *ws.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	p.send(p.hello)
	go p.writeLoop(conn)
	go p.readLoop(conn)
}

// dial connects to a remote address and starts the loops.
func (p *peer) dial(addr string) error {
	p.addr = addr
	conn, err := p.dialOnce()
	if err != nil {
		return err
	}
	p.attach(conn)
	return nil
}

func (p *peer) dialOnce() (*ws.Conn, error) {
	conn, _, err := ws.DefaultDialer.Dial(p.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", p.addr, err)
	}
	return conn, nil
}

// setID records the remote participant identity from its hello.
func (p *peer) setID(id clock.ParticipantID) {
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
}

func (p *peer) remoteID() clock.ParticipantID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// writeLoop drains sendCh onto one connection. It returns when that
// connection errors or the peer shuts down.
func (p *peer) writeLoop(conn *ws.Conn) {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.sendCh:
			if err := p.writeFrame(conn, data); err != nil {
				p.logger.Warn("peer write error", "peer", p.remoteID(), "error", err)
				go p.reconnect(conn)
				return
			}
		}
	}
}

func (p *peer) writeFrame(conn *ws.Conn, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

// readLoop feeds inbound frames from one connection to the transport
// until that connection drops.
func (p *peer) readLoop(conn *ws.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			p.logger.Warn("peer read error", "peer", p.remoteID(), "error", err)
			go p.reconnect(conn)
			return
		}

		p.onFrame(p, message)
	}
}

// reconnect re-establishes a dialed link with exponential backoff,
// replaying the hello so the remote side re-identifies us. Both loops
// report the connection they were serving; only the first report for
// the current connection proceeds, so a link dying under traffic never
// produces two dials or two write loops on one conn. Accepted links
// are not re-dialed; the remote side owns reconnection.
func (p *peer) reconnect(failed *ws.Conn) {
	p.mu.Lock()
	if p.closed || p.reconnecting || p.conn != failed {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.conn = nil
	p.mu.Unlock()

	_ = failed.Close()

	if p.addr == "" {
		p.setReconnecting(false)
		p.onDown(p)
		return
	}

	backoff := time.Second
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		select {
		case <-p.done:
			p.setReconnecting(false)
			return
		default:
		}

		p.logger.Info("reconnecting to peer", "addr", p.addr, "attempt", attempt, "backoff", backoff)
		time.Sleep(backoff)

		conn, err := p.dialOnce()
		if err != nil {
			p.logger.Warn("reconnect dial failed", "addr", p.addr, "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.reconnecting = false
		p.mu.Unlock()

		p.logger.Info("peer reconnected", "addr", p.addr, "attempt", attempt)
		p.send(p.hello)
		go p.writeLoop(conn)
		go p.readLoop(conn)
		return
	}

	p.logger.Error("peer reconnect gave up", "addr", p.addr, "maxAttempts", maxReconnect)
	p.setReconnecting(false)
	p.onDown(p)
}

func (p *peer) setReconnecting(v bool) {
	p.mu.Lock()
	p.reconnecting = v
	p.mu.Unlock()
}

// send queues a frame for the write loop. Non-blocking; a full queue
// drops the frame and reconciliation repairs the gap.
func (p *peer) send(data []byte) {
	select {
	case p.sendCh <- data:
	default:
		p.logger.Warn("peer send queue full, dropping frame", "peer", p.remoteID())
	}
}

// close shuts the link down for good.
func (p *peer) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		p.writeMu.Lock()
		_ = conn.WriteMessage(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		)
		p.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}
