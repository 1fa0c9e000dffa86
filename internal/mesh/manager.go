package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// How often ConnectToServer re-checks a link that another caller is
// already establishing.
const connectPollInterval = 100 * time.Millisecond

// ConnectionManager owns the inbound accept side and one outbound link per
// peer IP. Outbound requests are registered with the request tracker before
// they are transmitted so responses, retries and failures correlate.
type ConnectionManager struct {
	cfg     Config
	cipher  *Cipher
	clock   clock.Clock
	tracker *RequestTracker

	server *wsServer
	links  map[string]*peerLink

	onMessage MessageHandler

	// onRetry observes every request resend; used for metrics.
	onRetry func()

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	running bool
}

// NewConnectionManager creates a connection manager. cipher may be nil; a
// nil clk uses wall time.
func NewConnectionManager(cfg Config, cipher *Cipher, clk clock.Clock, tracker *RequestTracker) *ConnectionManager {
	if clk == nil {
		clk = clock.New()
	}
	m := &ConnectionManager{
		cfg:     cfg,
		cipher:  cipher,
		clock:   clk,
		tracker: tracker,
		links:   make(map[string]*peerLink),
	}
	m.server = newWSServer(cfg.Server, cipher, m.dispatch)
	return m
}

// SetMessageHandler sets the handler invoked for every inbound envelope,
// from accepted connections and outbound links alike.
func (m *ConnectionManager) SetMessageHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = h
}

// SetRetryObserver sets a callback invoked on every request resend.
func (m *ConnectionManager) SetRetryObserver(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRetry = fn
}

// dispatch forwards an inbound envelope to the registered handler.
func (m *ConnectionManager) dispatch(env *Envelope, sourceIP string, reply func(*Envelope) error) {
	m.mu.RLock()
	h := m.onMessage
	m.mu.RUnlock()

	if h != nil {
		h(env, sourceIP, reply)
	}
}

// Start launches the accept side and the request tracker sweep.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	if err := m.server.start(); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	m.tracker.Start(m.ctx)
	return nil
}

// Stop tears down every link, the accept side and the tracker. Each step is
// independent so one failure cannot block the rest. Idempotent.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	links := m.links
	m.links = make(map[string]*peerLink)
	m.mu.Unlock()

	for _, link := range links {
		link.close()
	}

	m.server.stop()
	m.tracker.Stop()
}

// ServerPort returns the port the accept side is bound to.
func (m *ConnectionManager) ServerPort() int {
	return m.server.port()
}

// ConnectToServer establishes the outbound link to a peer. Already
// connected is a no-op; an attempt already in flight is awaited until it
// resolves or the connect timeout passes.
func (m *ConnectionManager) ConnectToServer(ip string, port int, path string) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}

	if link, ok := m.links[ip]; ok {
		state := link.currentState()
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateConnecting, StateReconnecting:
			return m.awaitConnected(ip)
		default:
			return m.awaitConnected(ip)
		}
	}

	link := newPeerLink(m.ctx, ip, port, path, m.cfg.Client, m.cipher, m.clock, m.dispatch, m.onLinkExhausted)
	m.links[ip] = link
	m.mu.Unlock()

	return link.connect()
}

// awaitConnected polls an in-flight attempt until it settles.
func (m *ConnectionManager) awaitConnected(ip string) error {
	deadline := m.clock.Now().Add(m.cfg.Client.ConnectTimeout)
	ticker := m.clock.Ticker(connectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case <-ticker.C:
			m.mu.RLock()
			link, ok := m.links[ip]
			m.mu.RUnlock()

			if !ok {
				return fmt.Errorf("%w: %s", ErrNotConnected, ip)
			}
			if link.currentState() == StateConnected {
				return nil
			}
			if m.clock.Now().After(deadline) {
				return fmt.Errorf("%w: %s", ErrConnectTimeout, ip)
			}
		}
	}
}

// onLinkExhausted fires when a peer's reconnect budget is spent: every
// pending request addressed to that peer fails and the link entry is
// removed, so only a fresh discovery can trigger another connection.
func (m *ConnectionManager) onLinkExhausted(ip string) {
	m.mu.Lock()
	link, ok := m.links[ip]
	if ok {
		delete(m.links, ip)
	}
	m.mu.Unlock()

	if ok {
		go link.close()
	}

	n := m.tracker.HandleErrorByTargetIP(ip, ErrMaxRetryExceeded)
	if n > 0 {
		slog.Warn("failed pending requests for exhausted peer", "peer_ip", ip, "count", n)
	}
}

// Send transmits an envelope to a peer. Requests are registered with the
// tracker first and the call blocks until the correlated response arrives,
// the retries are exhausted, or ctx is cancelled. Responses and other
// untracked envelopes are transmitted directly.
func (m *ConnectionManager) Send(ctx context.Context, targetIP string, env *Envelope) (*Envelope, error) {
	if !env.IsRequest() {
		return nil, m.transmit(targetIP, env)
	}

	respCh := make(chan *Envelope, 1)
	errCh := make(chan error, 1)

	cb := RequestCallbacks{
		OnResponse: func(resp *Envelope) { respCh <- resp },
		OnRetryNeeded: func(env *Envelope, retry int) {
			m.mu.RLock()
			onRetry := m.onRetry
			m.mu.RUnlock()
			if onRetry != nil {
				onRetry()
			}
			if err := m.transmit(targetIP, env); err != nil {
				slog.Debug("retry transmit failed", "peer_ip", targetIP, "uuid", env.RequestUUID, "error", err)
			}
		},
		OnFinalError: func(err error) { errCh <- err },
	}

	if err := m.tracker.Add(env.RequestUUID, env, targetIP, cb); err != nil {
		return nil, err
	}

	if err := m.transmit(targetIP, env); err != nil {
		// The tracker keeps the request alive: a reconnect may land
		// before the retry budget runs out.
		slog.Debug("initial transmit failed", "peer_ip", targetIP, "uuid", env.RequestUUID, "error", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		m.tracker.Cancel(env.RequestUUID)
		return nil, ctx.Err()
	}
}

// transmit writes one envelope over the outbound link for an IP.
func (m *ConnectionManager) transmit(ip string, env *Envelope) error {
	m.mu.RLock()
	link, ok := m.links[ip]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, ip)
	}
	return link.send(env)
}

// IsConnected reports whether the outbound link to ip is established.
func (m *ConnectionManager) IsConnected(ip string) bool {
	m.mu.RLock()
	link, ok := m.links[ip]
	m.mu.RUnlock()

	return ok && link.currentState() == StateConnected
}

// ConnectedIPs returns every peer IP with an established outbound link.
func (m *ConnectionManager) ConnectedIPs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ips := make([]string, 0, len(m.links))
	for ip, link := range m.links {
		if link.currentState() == StateConnected {
			ips = append(ips, ip)
		}
	}
	return ips
}

// DisconnectFromServer tears down the outbound link to ip. When
// failPending is set, every pending request addressed to the peer fails
// immediately.
func (m *ConnectionManager) DisconnectFromServer(ip string, failPending bool) {
	m.mu.Lock()
	link, ok := m.links[ip]
	delete(m.links, ip)
	m.mu.Unlock()

	if ok {
		link.close()
	}

	if failPending {
		n := m.tracker.HandleErrorByTargetIP(ip, ErrNotConnected)
		if n > 0 {
			slog.Debug("failed pending requests on disconnect", "peer_ip", ip, "count", n)
		}
	}
}

// SendToClient transmits an envelope to one accepted inbound connection.
func (m *ConnectionManager) SendToClient(id string, env *Envelope) error {
	return m.server.sendToClient(id, env)
}

// BroadcastToClients transmits an envelope to every accepted connection.
func (m *ConnectionManager) BroadcastToClients(env *Envelope) {
	m.server.broadcast(env)
}

// ConnectedClients returns the ids of every accepted inbound connection.
func (m *ConnectionManager) ConnectedClients() []string {
	return m.server.connectedClients()
}
