package blocks

import (
	"path/filepath"
	"time"

	"github.com/danmuck/dps_cluster/src/backend"
	"github.com/danmuck/dps_cluster/src/metastore"
	"github.com/danmuck/dps_cluster/src/placement"
	"github.com/danmuck/dps_cluster/src/registry"
)

const DefaultReplication = 2

// Config controls a Manager.
type Config struct {
	Replication int    // copies per block, including the primary
	StateDir    string // intent records live under StateDir/.intents
	Verbose     bool   // when true, log per-operation progress
}

func DefaultConfig(stateDir string) Config {
	return Config{
		Replication: DefaultReplication,
		StateDir:    stateDir,
		Verbose:     false,
	}
}

// Manager splits files into blocks, places and replicates them, and
// reassembles them on demand. It holds no persistent state of its own.
type Manager struct {
	config   Config
	registry *registry.Registry
	policy   placement.Policy
	backend  backend.Backend
	meta     metastore.Store
	engine   *Engine
	now      func() time.Time
}

func NewManager(cfg Config, reg *registry.Registry, policy placement.Policy, be backend.Backend, meta metastore.Store) *Manager {
	if cfg.Replication < 1 {
		cfg.Replication = DefaultReplication
	}
	return &Manager{
		config:   cfg,
		registry: reg,
		policy:   policy,
		backend:  be,
		meta:     meta,
		engine:   NewEngine(be),
		now:      time.Now,
	}
}

func (m *Manager) Config() Config {
	return m.config
}

func (m *Manager) intentDir() string {
	return filepath.Join(m.config.StateDir, ".intents")
}
