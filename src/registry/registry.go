package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNodeExists      = errors.New("node already registered")
	ErrNodeNotFound    = errors.New("node not registered")
	ErrNodeNotEmpty    = errors.New("node still holds data")
	ErrInvalidCapacity = errors.New("capacity delta must be positive")
	ErrInvalidNode     = errors.New("invalid node descriptor")
)

// Node is a virtual storage node. CPU, memory and bandwidth are descriptive.
type Node struct {
	ID             string `toml:"id"`
	CPUCapacity    int    `toml:"cpu_capacity"`
	MemoryCapacity int64  `toml:"memory_capacity"`
	TotalStorage   int64  `toml:"total_storage"`
	UsedStorage    int64  `toml:"used_storage"`
	Bandwidth      int    `toml:"bandwidth"`
}

func (n Node) Free() int64 {
	return n.TotalStorage - n.UsedStorage
}

// Utilization is used/total in percent.
func (n Node) Utilization() float64 {
	if n.TotalStorage <= 0 {
		return 0
	}
	return float64(n.UsedStorage) / float64(n.TotalStorage) * 100
}

// Link is an undirected connection between two nodes.
type Link struct {
	A         string `toml:"a"`
	B         string `toml:"b"`
	Bandwidth int    `toml:"bandwidth"`
}

// UsageSource reports per-node stored bytes from committed block records.
type UsageSource interface {
	UsageByNode(ctx context.Context) (map[string]int64, error)
}

// Registry holds the node set, their usage counters and the link
// topology. Every method is safe for concurrent use; callers receive
// copies, never live pointers.
type Registry struct {
	nodes   map[string]*Node
	order   []string
	version uint64
	links   map[string]map[string]int
	lock    sync.RWMutex
}

func New() *Registry {
	return &Registry{
		nodes: make(map[string]*Node),
		links: make(map[string]map[string]int),
	}
}

// ValidateID rejects ids that cannot serve as a single path segment. Node
// ids name directories, disk images and vdisk locations.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty id", ErrInvalidNode)
	case id == "." || id == "..":
		return fmt.Errorf("%w: reserved id %q", ErrInvalidNode, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: id %q contains a path separator", ErrInvalidNode, id)
	case !filepath.IsLocal(id):
		return fmt.Errorf("%w: id %q is not a local path segment", ErrInvalidNode, id)
	}
	return nil
}

func (r *Registry) AddNode(n Node) error {
	if err := ValidateID(n.ID); err != nil {
		return err
	}
	if n.TotalStorage < 0 || n.UsedStorage < 0 {
		return fmt.Errorf("%w: negative storage for %s", ErrInvalidNode, n.ID)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.ID)
	}
	node := n
	r.nodes[n.ID] = &node
	r.order = append(r.order, n.ID)
	r.version++
	return nil
}

// RemoveNode deletes an empty node and every link that touches it.
func (r *Registry) RemoveNode(id string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if node.UsedStorage > 0 {
		return fmt.Errorf("%w: %s uses %d bytes", ErrNodeNotEmpty, id, node.UsedStorage)
	}

	delete(r.nodes, id)
	for peer := range r.links[id] {
		delete(r.links[peer], id)
	}
	delete(r.links, id)
	for i, nid := range r.order {
		if nid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.version++
	return nil
}

// ConnectNodes records a bidirectional link, replacing any earlier bandwidth.
func (r *Registry) ConnectNodes(a, b string, bandwidth int) error {
	if a == b {
		return fmt.Errorf("%w: cannot link %s to itself", ErrInvalidNode, a)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, id := range []string{a, b} {
		if _, ok := r.nodes[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
	}
	r.link(a, b, bandwidth)
	return nil
}

func (r *Registry) link(a, b string, bandwidth int) {
	if r.links[a] == nil {
		r.links[a] = make(map[string]int)
	}
	if r.links[b] == nil {
		r.links[b] = make(map[string]int)
	}
	r.links[a][b] = bandwidth
	r.links[b][a] = bandwidth
}

func (r *Registry) ExtendCapacity(id string, delta int64) error {
	if delta <= 0 {
		return ErrInvalidCapacity
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	node.TotalStorage += delta
	return nil
}

// AddUsage increments a node's usage counter.
func (r *Registry) AddUsage(id string, delta int64) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	node.UsedStorage += delta
	return nil
}

// ReleaseUsage decrements a node's usage counter, never below zero.
func (r *Registry) ReleaseUsage(id string, delta int64) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	node.UsedStorage = max(node.UsedStorage-delta, 0)
	return nil
}

// FreeBytes is the aggregate free space across every node.
func (r *Registry) FreeBytes() int64 {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var free int64
	for _, n := range r.nodes {
		free += n.Free()
	}
	return free
}

// Order returns node ids in registration order together with a version
// that changes whenever the node set changes.
func (r *Registry) Order() ([]string, uint64) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return append([]string(nil), r.order...), r.version
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.nodes)
}

func (r *Registry) Has(id string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

func (r *Registry) Node(id string) (Node, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return *node, nil
}

// Nodes returns copies of every node in registration order.
func (r *Registry) Nodes() []Node {
	r.lock.RLock()
	defer r.lock.RUnlock()

	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.nodes[id])
	}
	return out
}

// Peers returns the ids linked to a node with their bandwidth.
func (r *Registry) Peers(id string) map[string]int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	out := make(map[string]int, len(r.links[id]))
	for peer, bw := range r.links[id] {
		out[peer] = bw
	}
	return out
}

// Links lists every link once, ordered by endpoint ids.
func (r *Registry) Links() []Link {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.linksLocked()
}

func (r *Registry) linksLocked() []Link {
	var out []Link
	for a, peers := range r.links {
		for b, bw := range peers {
			if a < b {
				out = append(out, Link{A: a, B: b, Bandwidth: bw})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Reconcile overwrites every node's usage counter with the totals reported
// by src. Nodes absent from the report are reset to zero.
func (r *Registry) Reconcile(ctx context.Context, src UsageSource) error {
	usage, err := src.UsageByNode(ctx)
	if err != nil {
		return fmt.Errorf("failed to load usage from metadata: %w", err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for id, node := range r.nodes {
		node.UsedStorage = usage[id]
	}
	return nil
}
