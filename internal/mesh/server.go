package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// MessageHandler receives every envelope arriving on a peer link. reply
// transmits a response over the same link the message arrived on.
type MessageHandler func(env *Envelope, sourceIP string, reply func(*Envelope) error)

// serverClient is one accepted inbound connection.
type serverClient struct {
	id   string // "remoteIP:remotePort"
	ip   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// send writes one envelope to the client. gorilla allows a single
// concurrent writer, hence the per-connection write lock.
func (c *serverClient) send(env *Envelope, cipher *Cipher) error {
	data, err := encodeEnvelope(env, cipher)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// wsServer accepts inbound peer WebSocket connections, keyed by
// "remoteIP:remotePort", and feeds received envelopes to the message
// handler.
type wsServer struct {
	cfg       ServerConfig
	cipher    *Cipher
	onMessage MessageHandler

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	clients map[string]*serverClient
	mu      sync.RWMutex
	wg      sync.WaitGroup
	running bool
}

// newWSServer creates the accept side. cipher may be nil.
func newWSServer(cfg ServerConfig, cipher *Cipher, onMessage MessageHandler) *wsServer {
	return &wsServer{
		cfg:       cfg,
		cipher:    cipher,
		onMessage: onMessage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*serverClient),
	}
}

// start binds the listener and serves WebSocket upgrades on the configured
// path.
func (s *wsServer) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(s.cfg.Path, s.handleUpgrade)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("mesh: bind websocket server: %w", err)
	}

	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("websocket server failed", "error", err)
		}
	}()

	slog.Info("websocket server started", "port", s.cfg.Port, "path", s.cfg.Path)
	return nil
}

// stop closes every client connection and shuts the listener down.
// Idempotent.
func (s *wsServer) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	clients := make([]*serverClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*serverClient)
	srv := s.httpSrv
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close() //nolint:errcheck // Best effort cleanup
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx) //nolint:errcheck // Best effort cleanup

	s.wg.Wait()
	slog.Info("websocket server stopped")
}

// port returns the bound TCP port, useful when the configured port is 0.
func (s *wsServer) port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.cfg.Port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// handleUpgrade accepts one inbound peer connection.
func (s *wsServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.clients)
	running := s.running
	s.mu.RUnlock()

	if !running {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.cfg.MaxConnections > 0 && count >= s.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	client := &serverClient{
		id:   conn.RemoteAddr().String(),
		ip:   host,
		conn: conn,
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	slog.Info("peer connection accepted", "client_id", client.id)

	s.wg.Add(1)
	go s.readLoop(client)
}

// readLoop consumes envelopes from one client until the connection drops.
func (s *wsServer) readLoop(client *serverClient) {
	defer s.wg.Done()
	defer s.dropClient(client)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("peer connection read error", "client_id", client.id, "error", err)
			}
			return
		}

		env, err := decodeEnvelope(data, s.cipher)
		if err != nil {
			slog.Debug("dropping undecodable message", "client_id", client.id, "error", err)
			continue
		}

		if s.onMessage != nil {
			s.onMessage(env, client.ip, func(resp *Envelope) error {
				return client.send(resp, s.cipher)
			})
		}
	}
}

// dropClient removes a client after its read loop ends.
func (s *wsServer) dropClient(client *serverClient) {
	_ = client.conn.Close() //nolint:errcheck // Best effort cleanup

	s.mu.Lock()
	if s.clients[client.id] == client {
		delete(s.clients, client.id)
	}
	running := s.running
	s.mu.Unlock()

	if running {
		slog.Info("peer connection closed", "client_id", client.id)
	}
}

// sendToClient transmits one envelope to a connected client by id.
func (s *wsServer) sendToClient(id string, env *Envelope) error {
	s.mu.RLock()
	client, ok := s.clients[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: client %s", ErrNotConnected, id)
	}
	return client.send(env, s.cipher)
}

// broadcast transmits one envelope to every connected client. Individual
// send failures are logged, not returned.
func (s *wsServer) broadcast(env *Envelope) {
	s.mu.RLock()
	clients := make([]*serverClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(env, s.cipher); err != nil {
			slog.Debug("broadcast send failed", "client_id", c.id, "error", err)
		}
	}
}

// connectedClients returns the ids of every accepted connection.
func (s *wsServer) connectedClients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}
