package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/dps_cluster/src/backend"
	"github.com/danmuck/dps_cluster/src/blocks"
	"github.com/danmuck/dps_cluster/src/cleanup"
	"github.com/danmuck/dps_cluster/src/metastore"
	"github.com/danmuck/dps_cluster/src/placement"
	"github.com/danmuck/dps_cluster/src/registry"
	"github.com/danmuck/dps_cluster/src/vdisk"
	logs "github.com/danmuck/smplog"
)

// Cluster wires the registry, storage backend, metastore and block manager
// together and exposes the caller-facing operations.
type Cluster struct {
	config    Config
	registry  *registry.Registry
	disks     *vdisk.Manager
	backend   backend.Backend
	meta      metastore.Store
	blocks    *blocks.Manager
	scheduler *cleanup.Scheduler
}

type Option func(*options)

type options struct {
	meta      metastore.Store
	scheduler *cleanup.Scheduler
}

// WithMetastore uses store instead of opening the configured one. The
// cluster takes ownership and closes it.
func WithMetastore(store metastore.Store) Option {
	return func(o *options) { o.meta = store }
}

// WithScheduler replaces the timer-driven cleanup scheduler.
func WithScheduler(s *cleanup.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// Open loads (or seeds) the cluster rooted at cfg.DataDir, reclaims copies
// of unfinished distributes and reconciles usage with the metastore.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	c := &Cluster{config: cfg, registry: reg, scheduler: o.scheduler}
	if c.scheduler == nil {
		c.scheduler = cleanup.NewScheduler()
	}

	if err := c.openBackend(); err != nil {
		return nil, err
	}

	c.meta = o.meta
	if c.meta == nil {
		if c.meta, err = openMetastore(ctx, cfg); err != nil {
			return nil, err
		}
	}

	for _, n := range reg.Nodes() {
		if err := c.prepareNode(n); err != nil {
			_ = c.meta.Close()
			return nil, err
		}
	}

	bcfg := blocks.DefaultConfig(cfg.DataDir)
	bcfg.Replication = cfg.Replication
	bcfg.Verbose = cfg.Verbose
	c.blocks = blocks.NewManager(bcfg, reg, placement.NewRoundRobin(reg), c.backend, c.meta)

	if err := c.blocks.RecoverIntents(ctx); err != nil {
		logs.Warnf("intent recovery incomplete: %v", err)
	}
	if err := reg.Reconcile(ctx, c.meta); err != nil {
		_ = c.meta.Close()
		return nil, err
	}

	if cfg.Verbose {
		logs.Infof("Cluster opened: %d node(s), backend=%s, metastore=%s",
			reg.Len(), c.backend.Name(), cfg.Metastore)
	}
	return c, nil
}

func loadRegistry(cfg Config) (*registry.Registry, error) {
	reg, ok, err := registry.LoadTopology(cfg.topologyPath())
	if err != nil {
		return nil, err
	}
	if ok {
		return reg, nil
	}

	for _, n := range cfg.Nodes {
		if err := reg.AddNode(n.Node()); err != nil {
			return nil, fmt.Errorf("failed to seed node %s: %w", n.ID, err)
		}
	}
	for _, l := range cfg.Links {
		if err := reg.ConnectNodes(l.A, l.B, l.Bandwidth); err != nil {
			return nil, fmt.Errorf("failed to seed link %s-%s: %w", l.A, l.B, err)
		}
	}
	return reg, nil
}

func (c *Cluster) openBackend() error {
	kind, err := backend.ParseKind(c.config.Backend)
	if err != nil {
		return err
	}

	var vd *backend.VDisk
	if kind == backend.KindVDisk || kind == backend.KindFallback {
		c.disks = vdisk.NewManager()
		if err := c.disks.Load(c.config.disksDir()); err != nil {
			return err
		}
		vd = backend.NewVDisk(c.disks)
	}

	var fs *backend.FS
	if kind == backend.KindFS || kind == backend.KindFallback {
		if fs, err = backend.NewFS(c.config.BlocksDir); err != nil {
			return err
		}
	}

	switch kind {
	case backend.KindVDisk:
		c.backend = vd
	case backend.KindFS:
		c.backend = fs
	default:
		c.backend = backend.NewFallback(vd, fs)
	}
	return nil
}

func openMetastore(ctx context.Context, cfg Config) (metastore.Store, error) {
	switch cfg.Metastore {
	case MetastoreMemory:
		return metastore.NewMemory(), nil
	case MetastoreMySQL:
		return metastore.OpenMySQL(ctx, cfg.MetastoreDSN, cfg.ConnectTimeout())
	default:
		return metastore.OpenBadger(cfg.metaDir())
	}
}

// prepareNode creates the node's directory and backend storage.
func (c *Cluster) prepareNode(n registry.Node) error {
	if err := os.MkdirAll(c.nodeDir(n.ID), 0755); err != nil {
		return fmt.Errorf("failed to create node directory for %s: %w", n.ID, err)
	}
	if err := c.backend.Prepare(n.ID, n.TotalStorage); err != nil {
		return fmt.Errorf("failed to prepare storage for %s: %w", n.ID, err)
	}
	return nil
}

func (c *Cluster) nodeDir(id string) string {
	return filepath.Join(c.config.BlocksDir, id)
}

// Save persists the topology and, for virtual disks, the disk images.
func (c *Cluster) Save() error {
	if err := c.registry.SaveTopology(c.config.topologyPath()); err != nil {
		return err
	}
	if c.disks != nil {
		if err := c.disks.Save(c.config.disksDir()); err != nil {
			return err
		}
	}
	return nil
}

// persist saves topology and images after a committed admin change.
func (c *Cluster) persist() {
	if err := c.Save(); err != nil {
		logs.Warnf("failed to persist cluster state: %v", err)
	}
}

// persistNodes rewrites the disk images of the given nodes so committed
// block records are backed by saved bytes without waiting for Close.
func (c *Cluster) persistNodes(nodeIDs []string) {
	if c.disks == nil || len(nodeIDs) == 0 {
		return
	}
	if err := c.disks.SaveNodes(c.config.disksDir(), nodeIDs...); err != nil {
		logs.Warnf("failed to persist disk images: %v", err)
	}
}

func nodesOf(records []metastore.Block) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range records {
		if !seen[r.NodeID] {
			seen[r.NodeID] = true
			ids = append(ids, r.NodeID)
		}
	}
	return ids
}

// Close saves state, cancels pending cleanup tasks and closes the
// metastore.
func (c *Cluster) Close() error {
	c.scheduler.Stop()
	saveErr := c.Save()
	closeErr := c.meta.Close()
	return errors.Join(saveErr, closeErr)
}

func (c *Cluster) Config() Config {
	return c.config
}

func (c *Cluster) Registry() *registry.Registry {
	return c.registry
}

func (c *Cluster) Backend() backend.Backend {
	return c.backend
}

func (c *Cluster) Disks() *vdisk.Manager {
	return c.disks
}

func (c *Cluster) Scheduler() *cleanup.Scheduler {
	return c.scheduler
}

// NewFileID returns a random 16 byte hex identifier.
func NewFileID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate file id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func (c *Cluster) refreshUsage(ctx context.Context) {
	if err := c.registry.Reconcile(context.WithoutCancel(ctx), c.meta); err != nil {
		logs.Warnf("usage refresh failed: %v", err)
	}
}
