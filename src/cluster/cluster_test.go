package cluster

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/dps_cluster/src/blocks"
	"github.com/danmuck/dps_cluster/src/cleanup"
	"github.com/danmuck/dps_cluster/src/metastore"
	"github.com/danmuck/dps_cluster/src/registry"
	"github.com/danmuck/dps_cluster/src/vdisk"
)

const mib = int64(1) << 20

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Metastore = MetastoreMemory
	cfg.Nodes = []NodeConfig{
		{ID: "node1", CPU: 4, MemoryGB: 16, StorageBytes: 20 * mib, Bandwidth: 1000},
		{ID: "node2", CPU: 8, MemoryGB: 32, StorageBytes: 40 * mib, Bandwidth: 2000},
	}
	return cfg
}

func openTestCluster(t *testing.T, cfg Config) (*Cluster, *cleanup.Scheduler) {
	t.Helper()
	sched := cleanup.NewManualScheduler(func() time.Time { return epoch })
	c, err := Open(context.Background(), cfg, WithScheduler(sched))
	if err != nil {
		t.Fatalf("open cluster: %v", err)
	}
	return c, sched
}

func writeRandomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand read: %v", err)
	}
	path := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path, data
}

func TestDefaultConfigSeedsTwoNodes(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Metastore = MetastoreMemory
	c, _ := openTestCluster(t, cfg)
	defer c.Close()

	order, _ := c.Registry().Order()
	if len(order) != 2 || order[0] != "node1" || order[1] != "node2" {
		t.Fatalf("unexpected node order %v", order)
	}
	n2, err := c.Registry().Node("node2")
	if err != nil {
		t.Fatalf("node2: %v", err)
	}
	if n2.TotalStorage != 1000*GB || n2.Bandwidth != 2000 || n2.CPUCapacity != 8 {
		t.Fatalf("unexpected node2 %+v", n2)
	}
	if bw := c.Registry().Peers("node1")["node2"]; bw != 1000 {
		t.Fatalf("expected node1-node2 link at 1000, got %d", bw)
	}
	for _, id := range order {
		if _, err := os.Stat(filepath.Join(cfg.BlocksDir, id)); err != nil {
			t.Fatalf("node directory for %s: %v", id, err)
		}
	}
}

func TestDistributeReconstructDelete(t *testing.T) {
	c, sched := openTestCluster(t, testConfig(t))
	defer c.Close()
	ctx := context.Background()

	path, data := writeRandomFile(t, int(3*mib+mib/2))
	file, err := c.Distribute(ctx, path, metastore.File{}, "owner-1")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if file.ID == "" || file.Filename != "input.bin" || file.OwnerID != "owner-1" {
		t.Fatalf("unexpected file record %+v", file)
	}
	if file.SizeBytes != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), file.SizeBytes)
	}

	stats, err := c.NetworkStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.UsedStorage != 2*int64(len(data)) {
		t.Fatalf("expected %d used bytes, got %d", 2*len(data), stats.UsedStorage)
	}

	out := filepath.Join(t.TempDir(), "out.bin")
	report, err := c.Reconstruct(ctx, file.ID, out)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if report.Blocks != 4 || len(report.Fallbacks) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reconstructed bytes differ from input")
	}

	if pending := sched.Pending(); len(pending) != 1 {
		t.Fatalf("expected one cleanup task, got %v", pending)
	}
	if ran := sched.RunDue(epoch.Add(c.Config().CleanupDelay() - time.Second)); ran != 0 {
		t.Fatalf("cleanup ran early")
	}
	if ran := sched.RunDue(epoch.Add(c.Config().CleanupDelay())); ran != 1 {
		t.Fatalf("expected cleanup to run, ran %d", ran)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("expected output removed, stat err %v", err)
	}

	if err := c.DeleteBlocks(ctx, file.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.File(ctx, file.ID); !errors.Is(err, metastore.ErrFileNotFound) {
		t.Fatalf("expected file gone, got %v", err)
	}
	stats, err = c.NetworkStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.UsedStorage != 0 {
		t.Fatalf("expected usage released, got %d", stats.UsedStorage)
	}
}

func TestDistributeFailureLeavesNoRecord(t *testing.T) {
	c, _ := openTestCluster(t, testConfig(t))
	defer c.Close()
	ctx := context.Background()

	path, _ := writeRandomFile(t, int(31*mib))
	_, err := c.Distribute(ctx, path, metastore.File{ID: "big"}, "owner")
	if !errors.Is(err, blocks.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
	files, err := c.Files(ctx)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files, got %v", files)
	}
}

func TestReopenRestoresState(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metastore = MetastoreBadger
	ctx := context.Background()

	c, _ := openTestCluster(t, cfg)
	path, data := writeRandomFile(t, int(2*mib+17))
	if _, err := c.Distribute(ctx, path, metastore.File{ID: "persisted"}, "owner"); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := c.AddNode(ctx, NodeDescriptor{
		Node:          registry.Node{ID: "node3", TotalStorage: 8 * mib, Bandwidth: 500},
		MeshBandwidth: 500,
	}); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, _ = openTestCluster(t, cfg)
	defer c.Close()

	if !c.Registry().Has("node3") {
		t.Fatal("expected node3 to survive reopen")
	}
	out := filepath.Join(t.TempDir(), "out.bin")
	if _, err := c.Reconstruct(ctx, "persisted", out); err != nil {
		t.Fatalf("reconstruct after reopen: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reconstructed bytes differ after reopen")
	}
	n1, _ := c.Registry().Node("node1")
	if n1.UsedStorage != int64(len(data)) {
		t.Fatalf("expected node1 usage %d, got %d", len(data), n1.UsedStorage)
	}
}

func TestAddNodeMeshLinksAreCapped(t *testing.T) {
	c, _ := openTestCluster(t, testConfig(t))
	defer c.Close()
	ctx := context.Background()

	_, before := c.Registry().Order()
	err := c.AddNode(ctx, NodeDescriptor{
		Node:          registry.Node{ID: "node3", TotalStorage: 10 * mib, Bandwidth: 2500},
		MeshBandwidth: 2500,
	})
	if err != nil {
		t.Fatalf("add node: %v", err)
	}
	_, after := c.Registry().Order()
	if after == before {
		t.Fatal("expected node order version to change")
	}

	peers := c.Registry().Peers("node3")
	if len(peers) != 2 || peers["node1"] != 1000 || peers["node2"] != 1000 {
		t.Fatalf("unexpected mesh links %v", peers)
	}
	if _, err := os.Stat(filepath.Join(c.Config().BlocksDir, "node3")); err != nil {
		t.Fatalf("expected node directory: %v", err)
	}
	if d, err := c.Disks().Disk("node3"); err != nil || d.Capacity() != 10*mib {
		t.Fatalf("expected 10 MiB disk for node3, got %v", err)
	}

	if err := c.AddNode(ctx, NodeDescriptor{Node: registry.Node{ID: "node3", TotalStorage: mib}}); !errors.Is(err, registry.ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
}

func TestAddNodeRejectsPathLikeIDs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "fs"
	c, _ := openTestCluster(t, cfg)
	defer c.Close()
	ctx := context.Background()

	path, _ := writeRandomFile(t, int(mib))
	if _, err := c.Distribute(ctx, path, metastore.File{ID: "f"}, "owner"); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	for _, id := range []string{".", "..", "rack/a", `rack\a`, ""} {
		err := c.AddNode(ctx, NodeDescriptor{Node: registry.Node{ID: id, TotalStorage: mib}})
		if !errors.Is(err, registry.ErrInvalidNode) {
			t.Fatalf("AddNode(%q): expected ErrInvalidNode, got %v", id, err)
		}
		if err := c.RemoveNode(ctx, id); !errors.Is(err, registry.ErrNodeNotFound) {
			t.Fatalf("RemoveNode(%q): expected ErrNodeNotFound, got %v", id, err)
		}
	}

	if c.Registry().Len() != 2 {
		t.Fatalf("expected 2 nodes, got %d", c.Registry().Len())
	}
	if _, err := os.Stat(filepath.Join(cfg.BlocksDir, "node1", "f_block_0.dat")); err != nil {
		t.Fatalf("block file lost: %v", err)
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Fatalf("data dir lost: %v", err)
	}
}

func TestCommittedChangesSaveDiskImages(t *testing.T) {
	cfg := testConfig(t)
	c, _ := openTestCluster(t, cfg)
	defer c.Close()
	ctx := context.Background()

	path, data := writeRandomFile(t, int(mib+5))
	if _, err := c.Distribute(ctx, path, metastore.File{ID: "f"}, "owner"); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// read the images back without closing the cluster
	loaded := vdisk.NewManager()
	if err := loaded.Load(cfg.disksDir()); err != nil {
		t.Fatalf("load images: %v", err)
	}
	for _, id := range []string{"node1", "node2"} {
		d, err := loaded.Disk(id)
		if err != nil {
			t.Fatalf("image for %s not saved: %v", id, err)
		}
		if d.Used() != int64(len(data)) {
			t.Fatalf("%s image holds %d bytes, want %d", id, d.Used(), len(data))
		}
	}

	if err := c.DeleteBlocks(ctx, "f"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	loaded = vdisk.NewManager()
	if err := loaded.Load(cfg.disksDir()); err != nil {
		t.Fatalf("reload images: %v", err)
	}
	d, err := loaded.Disk("node1")
	if err != nil {
		t.Fatalf("node1 image: %v", err)
	}
	if d.Used() != 0 {
		t.Fatalf("expected empty node1 image after delete, got %d bytes", d.Used())
	}

	if err := c.ExtendCapacity("node2", mib); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if _, err := os.Stat(cfg.topologyPath()); err != nil {
		t.Fatalf("expected topology saved after extend: %v", err)
	}
}

func TestRemoveNodeRequiresEmptyNode(t *testing.T) {
	c, _ := openTestCluster(t, testConfig(t))
	defer c.Close()
	ctx := context.Background()

	path, _ := writeRandomFile(t, int(mib))
	file, err := c.Distribute(ctx, path, metastore.File{}, "owner")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}

	if err := c.RemoveNode(ctx, "node1"); !errors.Is(err, registry.ErrNodeNotEmpty) {
		t.Fatalf("expected ErrNodeNotEmpty, got %v", err)
	}
	if !c.Registry().Has("node1") {
		t.Fatal("node1 must remain after refused removal")
	}

	if err := c.DeleteBlocks(ctx, file.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.RemoveNode(ctx, "node1"); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	if c.Registry().Has("node1") {
		t.Fatal("node1 still registered")
	}
	if len(c.Registry().Peers("node2")) != 0 {
		t.Fatal("expected node2 links to node1 dropped")
	}
	if _, err := os.Stat(filepath.Join(c.Config().BlocksDir, "node1")); !os.IsNotExist(err) {
		t.Fatalf("expected node directory removed, stat err %v", err)
	}
	if err := c.RemoveNode(ctx, "node1"); !errors.Is(err, registry.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestExtendCapacityResizesDisk(t *testing.T) {
	c, _ := openTestCluster(t, testConfig(t))
	defer c.Close()

	if err := c.ExtendCapacity("node1", 5*mib); err != nil {
		t.Fatalf("extend: %v", err)
	}
	n, _ := c.Registry().Node("node1")
	if n.TotalStorage != 25*mib {
		t.Fatalf("expected 25 MiB, got %d", n.TotalStorage)
	}
	d, err := c.Disks().Disk("node1")
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	if d.Capacity() != 25*mib {
		t.Fatalf("expected disk capacity 25 MiB, got %d", d.Capacity())
	}

	if err := c.ExtendCapacity("node1", 0); !errors.Is(err, registry.ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
	if err := c.ExtendCapacity("ghost", mib); !errors.Is(err, registry.ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestFilesystemBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "fs"
	c, _ := openTestCluster(t, cfg)
	defer c.Close()
	ctx := context.Background()

	path, data := writeRandomFile(t, int(mib+1))
	file, err := c.Distribute(ctx, path, metastore.File{ID: "f"}, "owner")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if c.Disks() != nil {
		t.Fatal("fs backend should not create virtual disks")
	}
	if _, err := os.Stat(filepath.Join(cfg.BlocksDir, "node1", "f_block_0.dat")); err != nil {
		t.Fatalf("expected block file on node1: %v", err)
	}

	out := filepath.Join(t.TempDir(), "out.bin")
	if _, err := c.Reconstruct(ctx, file.ID, out); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Fatal("reconstructed bytes differ")
	}

	problems, err := c.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("expected healthy cluster, got %v", problems)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	base := DefaultConfig(dir)

	cfg, err := LoadConfig(filepath.Join(dir, "missing.toml"), base)
	if err != nil {
		t.Fatalf("missing config: %v", err)
	}
	if cfg.Replication != base.Replication || len(cfg.Nodes) != 2 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}

	path := filepath.Join(dir, "cluster.toml")
	body := `
replication = 3
backend = "vdisk+fs"
metastore = "memory"
cleanup_delay_seconds = 0

[[nodes]]
id = "a"
storage_gb = 2

[[nodes]]
id = "b"
storage_bytes = 1024
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadConfig(path, base)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Replication != 3 || cfg.Backend != "vdisk+fs" || cfg.CleanupDelay() != 0 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Nodes) != 2 || cfg.Nodes[0].Node().TotalStorage != 2*GB || cfg.Nodes[1].Node().TotalStorage != 1024 {
		t.Fatalf("unexpected nodes %+v", cfg.Nodes)
	}
	if cfg.DataDir != dir {
		t.Fatalf("expected data dir to default to %s, got %s", dir, cfg.DataDir)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"zero replication", func(c *Config) { c.Replication = 0 }},
		{"unknown backend", func(c *Config) { c.Backend = "tape" }},
		{"unknown metastore", func(c *Config) { c.Metastore = "etcd" }},
		{"mysql without dsn", func(c *Config) { c.Metastore = MetastoreMySQL }},
		{"duplicate node", func(c *Config) { c.Nodes = append(c.Nodes, c.Nodes[0]) }},
		{"empty node id", func(c *Config) { c.Nodes[0].ID = "" }},
		{"dot node id", func(c *Config) { c.Nodes[0].ID = "." }},
		{"parent node id", func(c *Config) { c.Nodes[1].ID = ".." }},
		{"slash node id", func(c *Config) { c.Nodes[0].ID = "rack/a" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
