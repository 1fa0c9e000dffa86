package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of an outbound peer link.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateExhausted    ConnState = "exhausted"
)

// peerLink is the outbound connection state machine for one peer IP:
// Idle -> Connecting -> Connected, with Reconnecting in between on failures
// until the retry budget is spent and the link becomes Exhausted.
type peerLink struct {
	ip   string
	port int
	path string

	cfg    ClientConfig
	cipher *Cipher
	clock  clock.Clock

	onMessage MessageHandler

	// onExhausted fires once when the retry budget is spent; the manager
	// uses it to bulk-fail pending requests and drop the link.
	onExhausted func(ip string)

	conn           *websocket.Conn
	state          ConnState
	retryCount     int
	reconnectTimer *clock.Timer

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// newPeerLink creates a link in the Idle state.
func newPeerLink(ctx context.Context, ip string, port int, path string, cfg ClientConfig, cipher *Cipher, clk clock.Clock, onMessage MessageHandler, onExhausted func(string)) *peerLink {
	ctx, cancel := context.WithCancel(ctx)
	return &peerLink{
		ip:          ip,
		port:        port,
		path:        path,
		cfg:         cfg,
		cipher:      cipher,
		clock:       clk,
		onMessage:   onMessage,
		onExhausted: onExhausted,
		state:       StateIdle,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// currentState returns the link state.
func (l *peerLink) currentState() ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// connect performs one connection attempt. On success the link moves to
// Connected, the retry counter resets and the heartbeat and read loops
// start; on failure the reconnect schedule takes over.
func (l *peerLink) connect() error {
	l.mu.Lock()
	if l.state == StateConnected {
		l.mu.Unlock()
		return nil
	}
	l.state = StateConnecting
	l.mu.Unlock()

	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(l.ip, strconv.Itoa(l.port)),
		Path:   l.path,
	}

	dialer := websocket.Dialer{HandshakeTimeout: l.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(l.ctx, u.String(), nil)
	if err != nil {
		slog.Warn("peer connect failed", "peer_ip", l.ip, "url", u.String(), "error", err)
		l.scheduleReconnect()
		return fmt.Errorf("%w: %s: %v", ErrConnectTimeout, l.ip, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.state = StateConnected
	l.retryCount = 0
	l.mu.Unlock()

	slog.Info("peer connected", "peer_ip", l.ip, "url", u.String())

	l.wg.Add(2)
	go l.readLoop(conn)
	go l.heartbeatLoop(conn)

	return nil
}

// send transmits one envelope over the link.
func (l *peerLink) send(env *Envelope) error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, l.ip)
	}

	data, err := encodeEnvelope(env, l.cipher)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes envelopes until the connection drops, then hands
// control to the reconnect schedule.
func (l *peerLink) readLoop(conn *websocket.Conn) {
	defer l.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() == nil {
				slog.Debug("peer link closed", "peer_ip", l.ip, "error", err)
				l.onDisconnect(conn)
			}
			return
		}

		env, err := decodeEnvelope(data, l.cipher)
		if err != nil {
			slog.Debug("dropping undecodable message", "peer_ip", l.ip, "error", err)
			continue
		}

		if l.onMessage != nil {
			l.onMessage(env, l.ip, l.send)
		}
	}
}

// heartbeatLoop sends periodic liveness probes while conn is the link's
// active connection; a reconnect starts a fresh loop and this one exits on
// its next tick. Failures are logged, never escalated; a genuinely dead
// connection surfaces through the read loop.
func (l *peerLink) heartbeatLoop(conn *websocket.Conn) {
	defer l.wg.Done()

	ticker := l.clock.Ticker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			live := l.state == StateConnected && l.conn == conn
			l.mu.Unlock()
			if !live {
				return
			}
			hb := NewRequest(ActionHeartbeat, nil)
			if err := l.send(hb); err != nil {
				slog.Debug("heartbeat send failed", "peer_ip", l.ip, "error", err)
			}
		}
	}
}

// onDisconnect reacts to a dropped connection.
func (l *peerLink) onDisconnect(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.mu.Unlock()

	_ = conn.Close() //nolint:errcheck // Best effort cleanup
	l.scheduleReconnect()
}

// scheduleReconnect arms the next attempt with incremental backoff, or
// declares the link exhausted once the budget is spent.
func (l *peerLink) scheduleReconnect() {
	l.mu.Lock()

	if l.ctx.Err() != nil {
		l.mu.Unlock()
		return
	}

	if l.retryCount >= l.cfg.MaxRetry {
		l.state = StateExhausted
		onExhausted := l.onExhausted
		l.mu.Unlock()

		slog.Warn("peer link exhausted", "peer_ip", l.ip, "retries", l.cfg.MaxRetry)
		if onExhausted != nil {
			onExhausted(l.ip)
		}
		return
	}

	l.retryCount++
	l.state = StateReconnecting
	delay := l.cfg.ReconnectDelay * time.Duration(l.retryCount)
	l.reconnectTimer = l.clock.AfterFunc(delay, func() {
		if l.ctx.Err() != nil {
			return
		}
		slog.Debug("reconnecting to peer", "peer_ip", l.ip, "attempt", l.retryCount)
		_ = l.connect() //nolint:errcheck // Failure reschedules itself
	})
	l.mu.Unlock()

	slog.Debug("reconnect scheduled", "peer_ip", l.ip, "delay", delay)
}

// close tears the link down: timers cancelled, socket closed. The link is
// unusable afterwards.
func (l *peerLink) close() {
	l.cancel()

	l.mu.Lock()
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
	}
	conn := l.conn
	l.conn = nil
	l.state = StateIdle
	l.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close() //nolint:errcheck // Best effort cleanup
	}

	l.wg.Wait()
}
