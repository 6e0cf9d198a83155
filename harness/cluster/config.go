package cluster

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
)

// DefaultBranchName is the branch every new tenant starts with.
const DefaultBranchName = "main"

// GenerateID returns a fresh 16-byte hex identifier, the format tenant and
// timeline IDs use on the wire.
func GenerateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PageserverPort groups one pageserver's listeners.
type PageserverPort struct {
	PG   int
	HTTP int
}

// SafekeeperPort groups one safekeeper's listeners.
type SafekeeperPort struct {
	PG           int
	PGTenantOnly int
	HTTP         int
}

// InitConfig is the TOML document handed to `pagectl init`. Node tables are
// free-form maps so per-test overrides can patch arbitrary keys before
// serialization.
type InitConfig struct {
	DefaultTenantID    string                       `toml:"default_tenant_id"`
	Broker             BrokerConfig                 `toml:"broker"`
	ControlPlaneAPI    string                       `toml:"control_plane_api,omitempty"`
	StorageController  map[string]interface{}       `toml:"storage_controller,omitempty"`
	Pageservers        []map[string]interface{}     `toml:"pageservers"`
	Safekeepers        []map[string]interface{}     `toml:"safekeepers"`
	BranchNameMappings map[string]map[string]string `toml:"branch_name_mappings,omitempty"`
}

type BrokerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// WriteFile serializes the config where `pagectl init` expects it.
func (c *InitConfig) WriteFile(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cluster config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func ReadInitConfig(path string) (*InitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg InitConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cluster config %s: %w", path, err)
	}
	return &cfg, nil
}

// InitialTimelineOf looks up the default branch's timeline for tenantID, used
// when adopting a snapshot whose config carries the mapping.
func (c *InitConfig) InitialTimelineOf(tenantID string) (string, bool) {
	branches, ok := c.BranchNameMappings[DefaultBranchName]
	if !ok {
		return "", false
	}
	timeline, ok := branches[tenantID]
	return timeline, ok
}
