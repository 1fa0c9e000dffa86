package config

import (
	"fmt"

	"github.com/lanmesh/lanmesh/internal/logging"
	"github.com/lanmesh/lanmesh/internal/mesh"
)

// NodeConfig is the full configuration for a lanmesh node.
type NodeConfig struct {
	// Logging contains log output settings.
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Mesh contains the core mesh settings.
	Mesh mesh.Config `yaml:"mesh" json:"mesh"`

	// API contains the local REST API settings.
	API APIConfig `yaml:"api" json:"api"`
}

// APIConfig contains the local REST API settings.
type APIConfig struct {
	// Enabled controls whether the REST API is served (default: true).
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen is the address the API binds to (default: "127.0.0.1:7070").
	Listen string `yaml:"listen" json:"listen"`

	// Token is an optional bearer token required on API requests.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
}

// DefaultNodeConfig returns a node configuration with sensible defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Logging: logging.DefaultConfig(),
		Mesh:    mesh.DefaultConfig(),
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7070",
		},
	}
}

// Validate validates the node configuration.
func (c *NodeConfig) Validate() error {
	if err := c.Mesh.Validate(); err != nil {
		return err
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("config: api.listen is required when the API is enabled")
	}
	return nil
}
