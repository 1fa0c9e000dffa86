// Package mesh implements broker-less LAN peer discovery and correlated
// request/response messaging over per-peer WebSocket links.
package mesh

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Config contains the full mesh configuration.
type Config struct {
	// ClientCode identifies the logical peer group.
	ClientCode string `yaml:"client_code" json:"client_code"`

	// DeviceID identifies this device inside the group.
	DeviceID string `yaml:"device_id" json:"device_id"`

	// Discovery contains UDP discovery settings.
	Discovery DiscoveryConfig `yaml:"discovery" json:"discovery"`

	// Server contains WebSocket accept-side settings.
	Server ServerConfig `yaml:"server" json:"server"`

	// Client contains per-peer WebSocket client settings.
	Client ClientConfig `yaml:"client" json:"client"`

	// Request contains tracked-request settings.
	Request RequestConfig `yaml:"request" json:"request"`

	// Encryption contains optional wire encryption settings.
	Encryption EncryptionConfig `yaml:"encryption" json:"encryption"`
}

// DiscoveryConfig contains UDP discovery settings.
type DiscoveryConfig struct {
	// Port is the UDP port discovery packets are sent to and received on.
	Port int `yaml:"port" json:"port"`

	// BroadcastAddress is the destination for discovery packets.
	BroadcastAddress string `yaml:"broadcast_address" json:"broadcast_address"`

	// Interval is how often a discovery packet is broadcast (default: 10s).
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// ServerConfig contains WebSocket accept-side settings.
type ServerConfig struct {
	// Port is the TCP port the WebSocket server listens on.
	Port int `yaml:"port" json:"port"`

	// Path is the HTTP path WebSocket upgrades are accepted on.
	Path string `yaml:"path" json:"path"`

	// MaxConnections caps concurrent inbound connections (0 = unlimited).
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
}

// ClientConfig contains per-peer outbound connection settings.
type ClientConfig struct {
	// MaxRetry is the reconnect budget per peer before the link is
	// declared exhausted (default: 3).
	MaxRetry int `yaml:"max_retry" json:"max_retry"`

	// ConnectTimeout bounds a single connection attempt (default: 10s).
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// ReconnectDelay is the base backoff; the actual delay is
	// ReconnectDelay * retryCount (default: 2s).
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	// HeartbeatInterval is how often heartbeat requests are sent on an
	// established link (default: 15s).
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// RequestConfig contains tracked-request settings.
type RequestConfig struct {
	// Timeout is the per-attempt response deadline (default: 30s).
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRetry is the number of resends before a request fails (default: 3).
	MaxRetry int `yaml:"max_retry" json:"max_retry"`

	// RetryDelay is the base delay before a retry resend; the actual delay
	// is RetryDelay * retryCount (default: 1s).
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// EncryptionConfig contains optional AES-CBC wire encryption settings.
type EncryptionConfig struct {
	// Enabled controls whether payloads are encrypted (default: false).
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Key is the encryption key or passphrase. Passphrases shorter than
	// 32 bytes are stretched with PBKDF2.
	Key string `yaml:"key,omitempty" json:"key,omitempty"`

	// IV is the 16-byte CBC initialization vector.
	IV string `yaml:"iv,omitempty" json:"iv,omitempty"`
}

// GroupKey returns the "<clientCode>_<deviceId>" string that scopes
// discovery to a logical peer set.
func (c *Config) GroupKey() string {
	return c.ClientCode + "_" + c.DeviceID
}

// DefaultConfig returns a mesh configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Discovery: DiscoveryConfig{
			Port:             41234,
			BroadcastAddress: "255.255.255.255",
			Interval:         10 * time.Second,
		},
		Server: ServerConfig{
			Port:           8765,
			Path:           "/ws",
			MaxConnections: 32,
		},
		Client: ClientConfig{
			MaxRetry:          3,
			ConnectTimeout:    10 * time.Second,
			ReconnectDelay:    2 * time.Second,
			HeartbeatInterval: 15 * time.Second,
		},
		Request: RequestConfig{
			Timeout:    30 * time.Second,
			MaxRetry:   3,
			RetryDelay: time.Second,
		},
	}
}

// Validate validates the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.ClientCode == "" {
		return errors.New("mesh: client_code is required")
	}
	if c.DeviceID == "" {
		return errors.New("mesh: device_id is required")
	}

	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		return fmt.Errorf("mesh: invalid discovery port: %d", c.Discovery.Port)
	}
	if c.Discovery.BroadcastAddress == "" {
		c.Discovery.BroadcastAddress = "255.255.255.255"
	}
	if net.ParseIP(c.Discovery.BroadcastAddress) == nil {
		return fmt.Errorf("mesh: invalid broadcast address: %s", c.Discovery.BroadcastAddress)
	}
	if c.Discovery.Interval <= 0 {
		c.Discovery.Interval = 10 * time.Second
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("mesh: invalid server port: %d", c.Server.Port)
	}
	if c.Server.Path == "" {
		c.Server.Path = "/ws"
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("mesh: invalid max_connections: %d", c.Server.MaxConnections)
	}

	if c.Client.MaxRetry <= 0 {
		c.Client.MaxRetry = 3
	}
	if c.Client.ConnectTimeout <= 0 {
		c.Client.ConnectTimeout = 10 * time.Second
	}
	if c.Client.ReconnectDelay <= 0 {
		c.Client.ReconnectDelay = 2 * time.Second
	}
	if c.Client.HeartbeatInterval <= 0 {
		c.Client.HeartbeatInterval = 15 * time.Second
	}

	if c.Request.Timeout <= 0 {
		c.Request.Timeout = 30 * time.Second
	}
	if c.Request.MaxRetry <= 0 {
		c.Request.MaxRetry = 3
	}
	if c.Request.RetryDelay <= 0 {
		c.Request.RetryDelay = time.Second
	}

	if c.Encryption.Enabled {
		if c.Encryption.Key == "" {
			return errors.New("mesh: encryption key is required when encryption is enabled")
		}
		if len(c.Encryption.IV) != 16 {
			return fmt.Errorf("mesh: encryption IV must be 16 bytes, got %d", len(c.Encryption.IV))
		}
	}

	return nil
}
