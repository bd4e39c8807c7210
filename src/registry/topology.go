package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Topology is the persisted form of a registry.
type Topology struct {
	Version uint64 `toml:"version"`
	Nodes   []Node `toml:"nodes"`
	Links   []Link `toml:"links"`
}

func (r *Registry) Snapshot() Topology {
	r.lock.RLock()
	defer r.lock.RUnlock()

	t := Topology{Version: r.version, Links: r.linksLocked()}
	for _, id := range r.order {
		t.Nodes = append(t.Nodes, *r.nodes[id])
	}
	return t
}

// FromTopology builds a registry with the given nodes, links and version.
func FromTopology(t Topology) (*Registry, error) {
	r := New()
	for _, n := range t.Nodes {
		if err := r.AddNode(n); err != nil {
			return nil, fmt.Errorf("failed to restore node %s: %w", n.ID, err)
		}
	}
	for _, l := range t.Links {
		if err := r.ConnectNodes(l.A, l.B, l.Bandwidth); err != nil {
			return nil, fmt.Errorf("failed to restore link %s-%s: %w", l.A, l.B, err)
		}
	}
	if t.Version > r.version {
		r.version = t.Version
	}
	return r, nil
}

// SaveTopology writes the registry to path as toml through a temp file.
func (r *Registry) SaveTopology(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create topology directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp topology file: %w", err)
	}
	tmpPath := tmpFile.Name()

	encoder := toml.NewEncoder(tmpFile)
	encoder.Indent = "    "
	if err := encoder.Encode(r.Snapshot()); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode topology: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp topology file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to publish topology file: %w", err)
	}
	return nil
}

// LoadTopology reads a registry from path. ok is false when the file does
// not exist.
func LoadTopology(path string) (*Registry, bool, error) {
	var t Topology
	if _, err := toml.DecodeFile(path, &t); err != nil {
		if os.IsNotExist(err) {
			return New(), false, nil
		}
		return nil, false, fmt.Errorf("failed to decode topology %s: %w", path, err)
	}
	r, err := FromTopology(t)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}
