package mesh

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer brings up an accept side on an ephemeral port.
func startTestServer(t *testing.T, cfg ServerConfig, cipher *Cipher, onMessage MessageHandler) *wsServer {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	s := newWSServer(cfg, cipher, onMessage)
	require.NoError(t, s.start())
	t.Cleanup(s.stop)
	return s
}

func dialTestServer(t *testing.T, s *wsServer) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", s.port(), s.cfg.Path)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSServerStartStop(t *testing.T) {
	s := startTestServer(t, ServerConfig{Port: 0}, nil, nil)
	assert.NotZero(t, s.port())
	assert.ErrorIs(t, s.start(), ErrAlreadyRunning)

	s.stop()
	s.stop() // idempotent
}

func TestWSServerReceivesEnvelopes(t *testing.T) {
	var (
		mu       sync.Mutex
		received []*Envelope
	)
	s := startTestServer(t, ServerConfig{Port: 0}, nil, func(env *Envelope, sourceIP string, reply func(*Envelope) error) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		assert.Equal(t, "127.0.0.1", sourceIP)
	})

	conn := dialTestServer(t, s)

	env := NewRequest("ping", nil)
	data, err := encodeEnvelope(env, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, env.RequestUUID, received[0].RequestUUID)
	mu.Unlock()
}

func TestWSServerReplyOverSameConnection(t *testing.T) {
	s := startTestServer(t, ServerConfig{Port: 0}, nil, func(env *Envelope, _ string, reply func(*Envelope) error) {
		assert.NoError(t, reply(NewResponse(env, nil, ResultOK, "SUCCESS", nil, "")))
	})

	conn := dialTestServer(t, s)

	env := NewRequest("ping", nil)
	data, err := encodeEnvelope(env, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, respData, err := conn.ReadMessage()
	require.NoError(t, err)

	resp, err := decodeEnvelope(respData, nil)
	require.NoError(t, err)
	assert.Equal(t, env.RequestUUID, resp.RequestUUID)
	assert.Equal(t, MessageTypeResponse, resp.MsgType)
}

func TestWSServerDropsUndecodableMessages(t *testing.T) {
	var calls int
	var mu sync.Mutex
	s := startTestServer(t, ServerConfig{Port: 0}, nil, func(*Envelope, string, func(*Envelope) error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	conn := dialTestServer(t, s)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))

	env := NewRequest("ping", nil)
	data, err := encodeEnvelope(env, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	// the valid envelope after the garbage one still arrives
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSServerMaxConnections(t *testing.T) {
	s := startTestServer(t, ServerConfig{Port: 0, MaxConnections: 1}, nil, nil)

	dialTestServer(t, s)
	require.Eventually(t, func() bool {
		return len(s.connectedClients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	url := fmt.Sprintf("ws://127.0.0.1:%d%s", s.port(), s.cfg.Path)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestWSServerBroadcast(t *testing.T) {
	s := startTestServer(t, ServerConfig{Port: 0}, nil, nil)

	connA := dialTestServer(t, s)
	connB := dialTestServer(t, s)
	require.Eventually(t, func() bool {
		return len(s.connectedClients()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	env := NewRequest("announce", nil)
	s.broadcast(env)

	for _, conn := range []*websocket.Conn{connA, connB} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		got, err := decodeEnvelope(data, nil)
		require.NoError(t, err)
		assert.Equal(t, env.RequestUUID, got.RequestUUID)
	}
}

func TestWSServerSendToClient(t *testing.T) {
	s := startTestServer(t, ServerConfig{Port: 0}, nil, nil)

	conn := dialTestServer(t, s)
	require.Eventually(t, func() bool {
		return len(s.connectedClients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	id := s.connectedClients()[0]
	env := NewRequest("notify", nil)
	require.NoError(t, s.sendToClient(id, env))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	got, err := decodeEnvelope(data, nil)
	require.NoError(t, err)
	assert.Equal(t, env.RequestUUID, got.RequestUUID)

	assert.ErrorIs(t, s.sendToClient("1.2.3.4:9999", env), ErrNotConnected)
}

func TestWSServerEncrypted(t *testing.T) {
	cipher := testCipher(t, "shared-passphrase")

	var mu sync.Mutex
	var received []*Envelope
	s := startTestServer(t, ServerConfig{Port: 0}, cipher, func(env *Envelope, _ string, _ func(*Envelope) error) {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
	})

	conn := dialTestServer(t, s)

	// plaintext is dropped
	plain, err := encodeEnvelope(NewRequest("ping", nil), nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, plain))

	env := NewRequest("ping", nil)
	enc, err := encodeEnvelope(env, cipher)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, enc))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, env.RequestUUID, received[0].RequestUUID)
	mu.Unlock()
}

func TestWSServerClientDisconnectRemoved(t *testing.T) {
	s := startTestServer(t, ServerConfig{Port: 0}, nil, nil)

	conn := dialTestServer(t, s)
	require.Eventually(t, func() bool {
		return len(s.connectedClients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return len(s.connectedClients()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
