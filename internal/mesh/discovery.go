package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
)

// Size of the discovery receive buffer; announcements are small JSON
// documents, far below one MTU.
const discoveryReadBuf = 2048

// DiscoveryService periodically broadcasts this device's presence over UDP
// and listens for announcements from peers in the same group. Valid foreign
// announcements are emitted as DeviceRecord events.
type DiscoveryService struct {
	cfg      Config
	cipher   *Cipher
	clock    clock.Clock
	localIP  string
	groupKey string

	conn   *net.UDPConn
	events chan DeviceRecord

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDiscoveryService creates a discovery service. cipher may be nil when
// encryption is disabled; a nil clk uses wall time.
func NewDiscoveryService(cfg Config, cipher *Cipher, clk clock.Clock) *DiscoveryService {
	if clk == nil {
		clk = clock.New()
	}
	return &DiscoveryService{
		cfg:      cfg,
		cipher:   cipher,
		clock:    clk,
		groupKey: cfg.GroupKey(),
		events:   make(chan DeviceRecord, 32),
	}
}

// Events returns the channel discovered devices are emitted on.
func (s *DiscoveryService) Events() <-chan DeviceRecord {
	return s.events
}

// Start binds the broadcast socket, sends an initial announcement and then
// repeats on the configured interval while listening for peers.
func (s *DiscoveryService) Start(ctx context.Context, localIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	lc := net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			return setBroadcast(rc)
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", s.cfg.Discovery.Port))
	if err != nil {
		return fmt.Errorf("mesh: bind discovery socket: %w", err)
	}

	s.conn = pc.(*net.UDPConn)
	s.localIP = localIP
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(2)
	go s.broadcastLoop()
	go s.listenLoop()

	slog.Info("discovery started",
		"local_ip", localIP,
		"udp_port", s.cfg.Discovery.Port,
		"interval", s.cfg.Discovery.Interval,
	)

	return nil
}

// Stop cancels the broadcast loop and closes the socket. Idempotent.
func (s *DiscoveryService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close() //nolint:errcheck // Best effort cleanup
	}
	s.wg.Wait()

	slog.Info("discovery stopped")
}

// broadcastLoop announces presence immediately and then on every tick.
func (s *DiscoveryService) broadcastLoop() {
	defer s.wg.Done()

	s.announce()

	ticker := s.clock.Ticker(s.cfg.Discovery.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

// announce sends one discovery packet to the broadcast address.
func (s *DiscoveryService) announce() {
	pkt := DiscoveryPacket{
		Action:      ActionNetworkSearch,
		Source:      s.localIP,
		Key:         s.groupKey,
		ReqDateTime: s.clock.Now().Format(time.RFC3339),
		WSPort:      s.cfg.Server.Port,
		WSPath:      s.cfg.Server.Path,
	}

	data, err := json.Marshal(pkt)
	if err != nil {
		slog.Warn("failed to marshal discovery packet", "error", err)
		return
	}

	if s.cipher != nil {
		enc, err := s.cipher.Encrypt(data)
		if err != nil {
			slog.Warn("failed to encrypt discovery packet", "error", err)
			return
		}
		data = []byte(enc)
	}

	dst := &net.UDPAddr{
		IP:   net.ParseIP(s.cfg.Discovery.BroadcastAddress),
		Port: s.cfg.Discovery.Port,
	}

	if _, err := s.conn.WriteToUDP(data, dst); err != nil {
		if s.ctx.Err() == nil {
			slog.Warn("discovery broadcast failed", "error", err)
		}
	}
}

// listenLoop receives packets until the socket closes.
func (s *DiscoveryService) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, discoveryReadBuf)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.shutdownErr(err) {
				return
			}
			// Transient failures (for example a connection-reset delivered
			// for an earlier broadcast on some platforms) must not kill the
			// receive side.
			slog.Debug("discovery read error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handlePacket(data, from)
	}
}

// shutdownErr reports whether a receive error means the socket is gone for
// good rather than a transient read failure.
func (s *DiscoveryService) shutdownErr(err error) bool {
	return s.ctx.Err() != nil || errors.Is(err, net.ErrClosed)
}

// handlePacket validates a received announcement and emits a device event.
// Malformed, foreign and self-echoed packets are dropped.
func (s *DiscoveryService) handlePacket(data []byte, from *net.UDPAddr) {
	if s.cipher != nil {
		plain, err := s.cipher.Decrypt(string(data))
		if err != nil {
			slog.Debug("dropping undecryptable discovery packet", "from", from.IP.String(), "error", err)
			return
		}
		data = plain
	}

	var pkt DiscoveryPacket
	if err := json.Unmarshal(data, &pkt); err != nil {
		slog.Debug("dropping malformed discovery packet", "from", from.IP.String(), "error", err)
		return
	}

	if err := pkt.Validate(); err != nil {
		slog.Debug("dropping invalid discovery packet", "from", from.IP.String())
		return
	}

	// Echo suppression.
	if pkt.Source == s.localIP {
		return
	}

	// Peers must announce the exact same group key; a mismatch means a
	// foreign group and the packet is dropped.
	if pkt.Key != s.groupKey {
		slog.Debug("dropping discovery packet from foreign group",
			"from", from.IP.String(),
			"key", pkt.Key,
		)
		return
	}

	rec := DeviceRecord{
		IP:       pkt.Source,
		GroupKey: pkt.Key,
		LastSeen: s.clock.Now(),
		WSPort:   pkt.WSPort,
		WSPath:   pkt.WSPath,
	}

	select {
	case s.events <- rec:
	default:
		slog.Warn("discovery event channel full, dropping event", "ip", rec.IP)
	}
}
