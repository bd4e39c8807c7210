package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

type fixedUsage map[string]int64

func (f fixedUsage) UsageByNode(context.Context) (map[string]int64, error) {
	return f, nil
}

type failingUsage struct{}

func (failingUsage) UsageByNode(context.Context) (map[string]int64, error) {
	return nil, errors.New("db down")
}

func newTestRegistry(t *testing.T, ids ...string) *Registry {
	t.Helper()
	r := New()
	for _, id := range ids {
		if err := r.AddNode(Node{ID: id, CPUCapacity: 4, MemoryCapacity: 16, TotalStorage: 100, Bandwidth: 1000}); err != nil {
			t.Fatalf("AddNode(%s) failed: %v", id, err)
		}
	}
	return r
}

func TestAddNodeOrderAndVersion(t *testing.T) {
	r := newTestRegistry(t, "node1", "node2", "node3")

	order, v := r.Order()
	if len(order) != 3 || order[0] != "node1" || order[2] != "node3" {
		t.Fatalf("Order = %v", order)
	}
	if v != 3 {
		t.Fatalf("version = %d, want 3", v)
	}

	if err := r.AddNode(Node{ID: "node1"}); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	if err := r.AddNode(Node{}); !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("expected ErrInvalidNode, got %v", err)
	}
	if _, v2 := r.Order(); v2 != v {
		t.Fatalf("failed add changed version %d -> %d", v, v2)
	}

	// mutating the returned slice must not affect the registry
	order[0] = "mutated"
	if again, _ := r.Order(); again[0] != "node1" {
		t.Fatal("Order exposed internal slice")
	}
}

func TestAddNodeRejectsPathLikeIDs(t *testing.T) {
	r := newTestRegistry(t, "node1")
	_, before := r.Order()

	for _, id := range []string{".", "..", "rack/a", `rack\a`, "/abs", "../up", ""} {
		t.Run(id, func(t *testing.T) {
			if err := r.AddNode(Node{ID: id, TotalStorage: 1 << 20}); !errors.Is(err, ErrInvalidNode) {
				t.Fatalf("AddNode(%q): expected ErrInvalidNode, got %v", id, err)
			}
		})
	}

	if _, after := r.Order(); after != before || r.Len() != 1 {
		t.Fatalf("rejected ids changed the registry: version %d -> %d, len %d", before, after, r.Len())
	}
	for _, id := range []string{"node-2", "rack_a", "n.3"} {
		if err := ValidateID(id); err != nil {
			t.Fatalf("ValidateID(%q): %v", id, err)
		}
	}
}

func TestRemoveNode(t *testing.T) {
	r := newTestRegistry(t, "node1", "node2", "node3")
	if err := r.ConnectNodes("node1", "node2", 500); err != nil {
		t.Fatalf("ConnectNodes failed: %v", err)
	}
	if err := r.ConnectNodes("node2", "node3", 700); err != nil {
		t.Fatalf("ConnectNodes failed: %v", err)
	}

	if err := r.AddUsage("node2", 10); err != nil {
		t.Fatalf("AddUsage failed: %v", err)
	}
	if err := r.RemoveNode("node2"); !errors.Is(err, ErrNodeNotEmpty) {
		t.Fatalf("expected ErrNodeNotEmpty, got %v", err)
	}
	if !r.Has("node2") {
		t.Fatal("non-empty node was removed")
	}

	if err := r.ReleaseUsage("node2", 10); err != nil {
		t.Fatalf("ReleaseUsage failed: %v", err)
	}
	_, before := r.Order()
	if err := r.RemoveNode("node2"); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	order, after := r.Order()
	if after == before {
		t.Fatal("version did not change on removal")
	}
	if len(order) != 2 || order[0] != "node1" || order[1] != "node3" {
		t.Fatalf("Order after removal = %v", order)
	}
	if peers := r.Peers("node1"); len(peers) != 0 {
		t.Fatalf("node1 still linked to %v", peers)
	}
	if peers := r.Peers("node3"); len(peers) != 0 {
		t.Fatalf("node3 still linked to %v", peers)
	}
	if err := r.RemoveNode("node2"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestConnectNodesBidirectional(t *testing.T) {
	r := newTestRegistry(t, "a", "b")

	if err := r.ConnectNodes("a", "b", 250); err != nil {
		t.Fatalf("ConnectNodes failed: %v", err)
	}
	if r.Peers("a")["b"] != 250 || r.Peers("b")["a"] != 250 {
		t.Fatalf("link not bidirectional: %v %v", r.Peers("a"), r.Peers("b"))
	}
	links := r.Links()
	if len(links) != 1 || links[0] != (Link{A: "a", B: "b", Bandwidth: 250}) {
		t.Fatalf("Links = %+v", links)
	}

	if err := r.ConnectNodes("a", "missing", 1); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
	if err := r.ConnectNodes("a", "a", 1); !errors.Is(err, ErrInvalidNode) {
		t.Fatalf("expected ErrInvalidNode, got %v", err)
	}
}

func TestUsageCounters(t *testing.T) {
	r := newTestRegistry(t, "n1", "n2")

	if err := r.AddUsage("n1", 40); err != nil {
		t.Fatalf("AddUsage failed: %v", err)
	}
	if got := r.FreeBytes(); got != 160 {
		t.Fatalf("FreeBytes = %d, want 160", got)
	}
	if err := r.ReleaseUsage("n1", 100); err != nil {
		t.Fatalf("ReleaseUsage failed: %v", err)
	}
	n, _ := r.Node("n1")
	if n.UsedStorage != 0 {
		t.Fatalf("usage not floored at zero: %d", n.UsedStorage)
	}
	if err := r.ExtendCapacity("n2", 50); err != nil {
		t.Fatalf("ExtendCapacity failed: %v", err)
	}
	if err := r.ExtendCapacity("n2", 0); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
	n2, _ := r.Node("n2")
	if n2.TotalStorage != 150 {
		t.Fatalf("TotalStorage = %d, want 150", n2.TotalStorage)
	}
	if err := r.AddUsage("ghost", 1); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestStatsReconcilesFromSource(t *testing.T) {
	r := newTestRegistry(t, "n1", "n2")
	_ = r.AddUsage("n1", 99) // drifted counter
	_ = r.ConnectNodes("n1", "n2", 1000)

	st, err := r.Stats(context.Background(), fixedUsage{"n1": 25, "n2": 50})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.TotalStorage != 200 || st.UsedStorage != 75 {
		t.Fatalf("totals = %d/%d, want 200/75", st.TotalStorage, st.UsedStorage)
	}
	if st.Utilization != 37.5 {
		t.Fatalf("utilization = %v, want 37.5", st.Utilization)
	}
	if st.Nodes[0].UsedStorage != 25 || st.Nodes[0].Utilization != 25 {
		t.Fatalf("node1 stats = %+v", st.Nodes[0])
	}
	if st.Nodes[1].Connections["n1"] != 1000 {
		t.Fatalf("node2 connections = %v", st.Nodes[1].Connections)
	}
	if st.TotalBandwidth != 2000 {
		t.Fatalf("TotalBandwidth = %d", st.TotalBandwidth)
	}

	// counters were written back
	n1, _ := r.Node("n1")
	if n1.UsedStorage != 25 {
		t.Fatalf("reconciled usage = %d, want 25", n1.UsedStorage)
	}

	if _, err := r.Stats(context.Background(), failingUsage{}); err == nil {
		t.Fatal("expected error from failing usage source")
	}
}

func TestConcurrentUsageUpdates(t *testing.T) {
	r := newTestRegistry(t, "n1")
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.AddUsage("n1", 1)
		}()
	}
	wg.Wait()
	n, _ := r.Node("n1")
	if n.UsedStorage != 100 {
		t.Fatalf("UsedStorage = %d, want 100", n.UsedStorage)
	}
}

func TestTopologyRoundTrip(t *testing.T) {
	r := newTestRegistry(t, "node1", "node2")
	_ = r.ConnectNodes("node1", "node2", 1000)
	_ = r.AddUsage("node2", 7)

	path := filepath.Join(t.TempDir(), "state", "topology.toml")
	if err := r.SaveTopology(path); err != nil {
		t.Fatalf("SaveTopology failed: %v", err)
	}

	loaded, ok, err := LoadTopology(path)
	if err != nil || !ok {
		t.Fatalf("LoadTopology = %v, %v", ok, err)
	}
	order, v := loaded.Order()
	_, origV := r.Order()
	if len(order) != 2 || order[0] != "node1" || v != origV {
		t.Fatalf("restored order %v version %d, want version %d", order, v, origV)
	}
	n2, _ := loaded.Node("node2")
	if n2.UsedStorage != 7 {
		t.Fatalf("restored usage = %d", n2.UsedStorage)
	}
	if loaded.Peers("node2")["node1"] != 1000 {
		t.Fatal("restored link missing")
	}

	empty, ok, err := LoadTopology(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil || ok || empty.Len() != 0 {
		t.Fatalf("missing topology = %v, %v, %d", ok, err, empty.Len())
	}
}
