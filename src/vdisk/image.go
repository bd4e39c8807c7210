package vdisk

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	imageExtension = ".img"
	indexExtension = ".toml"
)

// imageIndex describes where each key lives inside a disk image file.
type imageIndex struct {
	NodeID   string       `toml:"node_id"`
	Capacity int64        `toml:"capacity"`
	Used     int64        `toml:"used"`
	Entries  []imageEntry `toml:"entries"`
}

type imageEntry struct {
	Key    string `toml:"key"`
	Offset int64  `toml:"offset"`
	Size   int64  `toml:"size"`
}

// snapshot serializes the disk into one contiguous image plus its index.
func (d *Disk) snapshot() ([]byte, imageIndex) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	idx := imageIndex{NodeID: d.nodeID, Capacity: d.capacity, Used: d.used}
	var buf bytes.Buffer
	keys := make([]string, 0, len(d.blocks))
	for k := range d.blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		data := d.blocks[k]
		idx.Entries = append(idx.Entries, imageEntry{
			Key:    k,
			Offset: int64(buf.Len()),
			Size:   int64(len(data)),
		})
		buf.Write(data)
	}
	return buf.Bytes(), idx
}

// Save writes every disk to dir as <node>.img + <node>.toml and removes
// images of nodes the manager no longer tracks.
func (m *Manager) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create disk image directory: %w", err)
	}

	m.lock.RLock()
	disks := make([]*Disk, 0, len(m.disks))
	live := make(map[string]bool, len(m.disks))
	for id, d := range m.disks {
		disks = append(disks, d)
		live[id] = true
	}
	m.lock.RUnlock()

	for _, d := range disks {
		if err := saveDisk(dir, d); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read disk image directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, indexExtension) {
			continue
		}
		nodeID := strings.TrimSuffix(name, indexExtension)
		if live[nodeID] {
			continue
		}
		_ = os.Remove(filepath.Join(dir, name))
		_ = os.Remove(filepath.Join(dir, nodeID+imageExtension))
	}
	return nil
}

// SaveNodes writes only the named disks. Unknown ids are skipped.
func (m *Manager) SaveNodes(dir string, nodeIDs ...string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create disk image directory: %w", err)
	}
	for _, id := range nodeIDs {
		d, err := m.Disk(id)
		if err != nil {
			continue
		}
		if err := saveDisk(dir, d); err != nil {
			return err
		}
	}
	return nil
}

func saveDisk(dir string, d *Disk) error {
	image, idx := d.snapshot()
	if err := writeFileAtomic(dir, d.nodeID+imageExtension, image); err != nil {
		return fmt.Errorf("failed to write image for %s: %w", d.nodeID, err)
	}
	var encoded bytes.Buffer
	encoder := toml.NewEncoder(&encoded)
	encoder.Indent = "    "
	if err := encoder.Encode(idx); err != nil {
		return fmt.Errorf("failed to encode image index for %s: %w", d.nodeID, err)
	}
	if err := writeFileAtomic(dir, d.nodeID+indexExtension, encoded.Bytes()); err != nil {
		return fmt.Errorf("failed to write image index for %s: %w", d.nodeID, err)
	}
	return nil
}

// Load restores every disk image found in dir. A missing directory is not
// an error.
func (m *Manager) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read disk image directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), indexExtension) {
			continue
		}
		d, err := loadDisk(dir, entry.Name())
		if err != nil {
			return err
		}
		m.lock.Lock()
		m.disks[d.nodeID] = d
		m.lock.Unlock()
	}
	return nil
}

func loadDisk(dir, indexName string) (*Disk, error) {
	var idx imageIndex
	if _, err := toml.DecodeFile(filepath.Join(dir, indexName), &idx); err != nil {
		return nil, fmt.Errorf("failed to decode image index %s: %w", indexName, err)
	}
	image, err := os.ReadFile(filepath.Join(dir, idx.NodeID+imageExtension))
	if err != nil {
		return nil, fmt.Errorf("failed to read image for %s: %w", idx.NodeID, err)
	}

	d := NewDisk(idx.NodeID, idx.Capacity)
	for _, e := range idx.Entries {
		end := e.Offset + e.Size
		if e.Offset < 0 || end > int64(len(image)) {
			return nil, fmt.Errorf("image for %s truncated at key %s", idx.NodeID, e.Key)
		}
		buf := make([]byte, e.Size)
		copy(buf, image[e.Offset:end])
		d.blocks[e.Key] = buf
		d.used += e.Size
	}
	return d, nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	cleanupTmp = false
	return nil
}
