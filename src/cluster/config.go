package cluster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/dps_cluster/src/backend"
	"github.com/danmuck/dps_cluster/src/blocks"
	"github.com/danmuck/dps_cluster/src/registry"
)

const (
	GB = int64(1) << 30

	MetastoreMemory = "memory"
	MetastoreBadger = "badger"
	MetastoreMySQL  = "mysql"

	DefaultCleanupDelaySeconds = 300
	DefaultMeshBandwidthCap    = 1000
)

// NodeConfig seeds one node. StorageBytes, when set, overrides StorageGB.
type NodeConfig struct {
	ID           string `toml:"id"`
	CPU          int    `toml:"cpu"`
	MemoryGB     int64  `toml:"memory_gb"`
	StorageGB    int64  `toml:"storage_gb"`
	StorageBytes int64  `toml:"storage_bytes"`
	Bandwidth    int    `toml:"bandwidth"`
}

func (n NodeConfig) Node() registry.Node {
	total := n.StorageBytes
	if total == 0 {
		total = n.StorageGB * GB
	}
	return registry.Node{
		ID:             n.ID,
		CPUCapacity:    n.CPU,
		MemoryCapacity: n.MemoryGB,
		TotalStorage:   total,
		Bandwidth:      n.Bandwidth,
	}
}

type LinkConfig struct {
	A         string `toml:"a"`
	B         string `toml:"b"`
	Bandwidth int    `toml:"bandwidth"`
}

// Config is the cluster's on-disk configuration. Nodes and Links only seed
// a fresh data directory; afterwards the persisted topology wins.
type Config struct {
	DataDir               string       `toml:"data_dir"`
	BlocksDir             string       `toml:"blocks_dir"`
	Backend               string       `toml:"backend"`
	Replication           int          `toml:"replication"`
	Metastore             string       `toml:"metastore"`
	MetastoreDSN          string       `toml:"metastore_dsn"`
	ConnectTimeoutSeconds int          `toml:"connect_timeout_seconds"`
	CleanupDelaySeconds   int          `toml:"cleanup_delay_seconds"` // 0 disables output cleanup
	MeshBandwidthCap      int          `toml:"mesh_bandwidth_cap"`
	Verbose               bool         `toml:"verbose"`
	Nodes                 []NodeConfig `toml:"nodes"`
	Links                 []LinkConfig `toml:"links"`
}

// DefaultConfig returns the stock two-node cluster rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:               dataDir,
		BlocksDir:             filepath.Join(dataDir, "blocks"),
		Backend:               string(backend.KindVDisk),
		Replication:           blocks.DefaultReplication,
		Metastore:             MetastoreBadger,
		ConnectTimeoutSeconds: 30,
		CleanupDelaySeconds:   DefaultCleanupDelaySeconds,
		MeshBandwidthCap:      DefaultMeshBandwidthCap,
		Verbose:               false,
		Nodes: []NodeConfig{
			{ID: "node1", CPU: 4, MemoryGB: 16, StorageGB: 500, Bandwidth: 1000},
			{ID: "node2", CPU: 8, MemoryGB: 32, StorageGB: 1000, Bandwidth: 2000},
		},
		Links: []LinkConfig{
			{A: "node1", B: "node2", Bandwidth: 1000},
		},
	}
}

// LoadConfig decodes path over base. A missing file returns base unchanged.
func LoadConfig(path string, base Config) (Config, error) {
	cfg := base
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return base, fmt.Errorf("failed to decode cluster config %s: %w", path, err)
	}
	if cfg.BlocksDir == "" {
		cfg.BlocksDir = filepath.Join(cfg.DataDir, "blocks")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.Replication < 1 {
		return fmt.Errorf("replication must be >= 1, got %d", c.Replication)
	}
	if _, err := backend.ParseKind(c.Backend); err != nil {
		return err
	}
	switch c.Metastore {
	case MetastoreMemory, MetastoreBadger:
	case MetastoreMySQL:
		if c.MetastoreDSN == "" {
			return errors.New("metastore_dsn is required for the mysql metastore")
		}
	default:
		return fmt.Errorf("unknown metastore %q", c.Metastore)
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if err := registry.ValidateID(n.ID); err != nil {
			return err
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}

func (c Config) CleanupDelay() time.Duration {
	return time.Duration(c.CleanupDelaySeconds) * time.Second
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c Config) topologyPath() string {
	return filepath.Join(c.DataDir, "topology.toml")
}

func (c Config) disksDir() string {
	return filepath.Join(c.DataDir, "disks")
}

func (c Config) metaDir() string {
	return filepath.Join(c.DataDir, "meta")
}
