package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lanmesh/lanmesh/internal/metrics"
	"github.com/lanmesh/lanmesh/internal/util"
)

// Delay between a stop and the restart that follows it, giving sockets a
// moment to release their ports.
const restartSettleDelay = time.Second

// Handler processes one inbound request and returns the response payload.
// A returned error becomes a structured failure response; the error never
// propagates past the dispatch boundary.
type Handler func(env *Envelope, sourceIP string) (json.RawMessage, error)

// ResponseError carries the structured error codes of a failure response.
type ResponseError struct {
	Code int
	Msg  string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("mesh: peer returned error %d: %s", e.Code, e.Msg)
}

// BroadcastResult is the per-peer outcome of a broadcast request.
type BroadcastResult struct {
	TargetIP string          `json:"target_ip"`
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Coordinator wires discovery to the connection manager, owns the device
// directory and the action-handler registry, and exposes the public mesh
// API.
type Coordinator struct {
	cfg    Config
	cipher *Cipher
	clock  clock.Clock

	directory *DeviceDirectory
	tracker   *RequestTracker
	manager   *ConnectionManager
	discovery *DiscoveryService

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	metrics *metrics.Metrics

	// lookupIP resolves the local IPv4 address when Start is not given one.
	lookupIP func() (string, error)

	localIP string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock substitutes the wall clock, letting tests drive timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLocalIPLookup substitutes the local address lookup.
func WithLocalIPLookup(fn func() (string, error)) Option {
	return func(c *Coordinator) { c.lookupIP = fn }
}

// NewCoordinator creates a coordinator from a validated configuration.
func NewCoordinator(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		lookupIP: util.LocalIPv4,
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	c.directory = NewDeviceDirectory(c.clock)

	if cfg.Encryption.Enabled {
		cipher, err := NewCipher(cfg.Encryption)
		if err != nil {
			return nil, err
		}
		c.cipher = cipher
	}

	c.tracker = NewRequestTracker(cfg.Request, c.clock)
	c.manager = NewConnectionManager(cfg, c.cipher, c.clock, c.tracker)
	c.manager.SetMessageHandler(c.handleMessage)
	if c.metrics != nil {
		c.manager.SetRetryObserver(c.metrics.RequestRetries.Inc)
	}
	c.discovery = NewDiscoveryService(cfg, c.cipher, c.clock)

	return c, nil
}

// Start brings the mesh up: connection manager first, then discovery.
// localIP may be empty, in which case the injected lookup resolves it.
// Calling Start on a running coordinator fully stops it, waits a short
// settle delay and starts again.
func (c *Coordinator) Start(ctx context.Context, localIP string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		slog.Info("coordinator already running, restarting")
		c.Stop()
		c.clock.Sleep(restartSettleDelay)
		c.mu.Lock()
	}

	if localIP == "" {
		ip, err := c.lookupIP()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("mesh: resolve local address: %w", err)
		}
		localIP = ip
	}

	c.localIP = localIP
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.manager.Start(c.ctx); err != nil {
		c.mu.Unlock()
		return err
	}

	if err := c.discovery.Start(c.ctx, localIP); err != nil {
		c.manager.Stop()
		c.mu.Unlock()
		return err
	}

	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.discoveryLoop()

	slog.Info("mesh coordinator started",
		"local_ip", localIP,
		"group_key", c.cfg.GroupKey(),
	)

	return nil
}

// Stop tears down discovery, every connection and the tracker. Each step is
// independent so one failure cannot block the rest. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.discovery.Stop()
	c.wg.Wait()
	c.manager.Stop()
	c.directory.Clear()

	slog.Info("mesh coordinator stopped")
}

// LocalIP returns the address the coordinator announced itself with.
func (c *Coordinator) LocalIP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localIP
}

// ServerPort returns the bound WebSocket server port.
func (c *Coordinator) ServerPort() int {
	return c.manager.ServerPort()
}

// discoveryLoop consumes discovered-device events.
func (c *Coordinator) discoveryLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case rec, ok := <-c.discovery.Events():
			if !ok {
				return
			}
			c.handleDiscovered(rec)
		}
	}
}

// handleDiscovered refreshes the directory and connects to new peers.
func (c *Coordinator) handleDiscovered(rec DeviceRecord) {
	c.directory.Upsert(rec.IP, rec.GroupKey, rec.WSPort, rec.WSPath)

	if c.metrics != nil {
		c.metrics.DevicesDiscovered.Inc()
	}

	if c.manager.IsConnected(rec.IP) {
		return
	}

	slog.Info("device discovered", "ip", rec.IP, "ws_port", rec.WSPort)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.manager.ConnectToServer(rec.IP, rec.WSPort, rec.WSPath); err != nil {
			slog.Warn("failed to connect to discovered device", "ip", rec.IP, "error", err)
		}
	}()
}

// handleMessage dispatches one inbound envelope. Heartbeat requests are
// answered in place and never reach user handlers. Handler failures become
// structured failure responses; an unknown action on a request yields a 404
// response. Responses are routed to the request tracker.
func (c *Coordinator) handleMessage(env *Envelope, sourceIP string, reply func(*Envelope) error) {
	if env.MsgType == MessageTypeResponse {
		if !c.tracker.HandleResponse(env.RequestUUID, env) {
			slog.Debug("dropping uncorrelated response", "uuid", env.RequestUUID, "source_ip", sourceIP)
		}
		return
	}

	if env.IsRequest() && env.Action == ActionHeartbeat {
		if c.metrics != nil {
			c.metrics.HeartbeatsSeen.Inc()
		}
		alive, _ := json.Marshal(map[string]string{"status": "alive"})
		if err := reply(NewResponse(env, alive, ResultOK, "SUCCESS", nil, "")); err != nil {
			slog.Debug("heartbeat reply failed", "source_ip", sourceIP, "error", err)
		}
		return
	}

	c.handlersMu.RLock()
	handler, ok := c.handlers[env.Action]
	c.handlersMu.RUnlock()

	if !ok {
		if env.IsRequest() {
			code := ErrorCodeUnknownAction
			resp := NewResponse(env, nil, ResultFailed, "", &code, fmt.Sprintf("no handler for action %q", env.Action))
			if err := reply(resp); err != nil {
				slog.Debug("error reply failed", "source_ip", sourceIP, "error", err)
			}
			return
		}
		slog.Debug("no handler for message", "action", env.Action, "source_ip", sourceIP)
		return
	}

	payload, err := c.invokeHandler(handler, env, sourceIP)
	if !env.IsRequest() {
		if err != nil {
			slog.Warn("handler failed", "action", env.Action, "source_ip", sourceIP, "error", err)
		}
		return
	}

	var resp *Envelope
	if err != nil {
		code := ErrorCodeHandlerFailed
		resp = NewResponse(env, nil, ResultFailed, "", &code, err.Error())
	} else {
		resp = NewResponse(env, payload, ResultOK, "SUCCESS", nil, "")
	}

	if err := reply(resp); err != nil {
		slog.Debug("reply failed", "action", env.Action, "source_ip", sourceIP, "error", err)
	}
}

// invokeHandler runs a user handler, converting panics into errors so one
// misbehaving handler cannot take the coordinator down.
func (c *Coordinator) invokeHandler(handler Handler, env *Envelope, sourceIP string) (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked", "action", env.Action, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(env, sourceIP)
}

// SendRequest sends one request to a peer and blocks until its correlated
// response arrives or the request fails. An unconnected but known peer is
// connected first using its announced WebSocket endpoint.
func (c *Coordinator) SendRequest(ctx context.Context, targetIP, action string, payload json.RawMessage) (json.RawMessage, error) {
	if !c.manager.IsConnected(targetIP) {
		rec, ok := c.directory.Get(targetIP)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, targetIP)
		}
		if err := c.manager.ConnectToServer(targetIP, rec.WSPort, rec.WSPath); err != nil {
			return nil, err
		}
	}

	env := NewRequest(action, payload)
	resp, err := c.manager.Send(ctx, targetIP, env)
	if err != nil {
		if c.metrics != nil {
			switch {
			case errors.Is(err, ErrRequestTimeout):
				c.metrics.RequestTimeouts.Inc()
			case errors.Is(err, ErrMaxRetryExceeded):
				c.metrics.PeersExhausted.Inc()
			}
		}
		c.countRequest(action, "error")
		return nil, err
	}

	if resp.Error != nil {
		c.countRequest(action, "peer_error")
		return resp.Payload, &ResponseError{Code: *resp.Error, Msg: resp.ErrorMsg}
	}

	c.countRequest(action, "ok")
	return resp.Payload, nil
}

// BroadcastRequest sends one request to every currently connected peer,
// sequentially: each peer's request fully resolves or fails before the next
// starts. With no connected peers the result is empty.
func (c *Coordinator) BroadcastRequest(ctx context.Context, action string, payload json.RawMessage) []BroadcastResult {
	ips := c.manager.ConnectedIPs()
	results := make([]BroadcastResult, 0, len(ips))

	for _, ip := range ips {
		data, err := c.SendRequest(ctx, ip, action, payload)
		if err != nil {
			results = append(results, BroadcastResult{TargetIP: ip, Error: err.Error()})
			continue
		}
		results = append(results, BroadcastResult{TargetIP: ip, Success: true, Data: data})
	}

	return results
}

// SendResponse builds and transmits an untracked response envelope
// referencing the original request.
func (c *Coordinator) SendResponse(targetIP string, original *Envelope, payload json.RawMessage, result int, resultMsg string, errCode *int, errMsg string) error {
	resp := NewResponse(original, payload, result, resultMsg, errCode, errMsg)
	_, err := c.manager.Send(context.Background(), targetIP, resp)
	return err
}

// RegisterHandler binds a handler to an action, replacing any previous one.
func (c *Coordinator) RegisterHandler(action string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[action] = h
}

// UnregisterHandler removes the handler for an action.
func (c *Coordinator) UnregisterHandler(action string) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	delete(c.handlers, action)
}

// DiscoveredDevices returns every device the directory knows about.
func (c *Coordinator) DiscoveredDevices() []DeviceRecord {
	return c.directory.All()
}

// ConnectedDevices returns every peer IP with an established link.
func (c *Coordinator) ConnectedDevices() []string {
	return c.manager.ConnectedIPs()
}

// IsConnected reports whether an outbound link to ip is established.
func (c *Coordinator) IsConnected(ip string) bool {
	return c.manager.IsConnected(ip)
}

// DisconnectDevice tears down the link to a peer, fails its pending
// requests and purges its directory record.
func (c *Coordinator) DisconnectDevice(ip string) {
	c.manager.DisconnectFromServer(ip, true)
	c.directory.Remove(ip)
}

// KnownDeviceCount implements metrics.StatsSource.
func (c *Coordinator) KnownDeviceCount() int { return c.directory.Count() }

// ConnectedPeerCount implements metrics.StatsSource.
func (c *Coordinator) ConnectedPeerCount() int { return len(c.manager.ConnectedIPs()) }

// InboundClientCount implements metrics.StatsSource.
func (c *Coordinator) InboundClientCount() int { return len(c.manager.ConnectedClients()) }

// PendingRequestCount implements metrics.StatsSource.
func (c *Coordinator) PendingRequestCount() int { return c.tracker.Pending() }

func (c *Coordinator) countRequest(action, outcome string) {
	if c.metrics != nil {
		c.metrics.RequestsTotal.WithLabelValues(action, outcome).Inc()
	}
}
