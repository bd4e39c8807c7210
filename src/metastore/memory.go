package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type blockID struct {
	fileID string
	index  uint32
	nodeID string
}

// Memory is a process-local Store.
type Memory struct {
	files  map[string]File
	blocks map[blockID]Block
	lock   sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{
		files:  make(map[string]File),
		blocks: make(map[blockID]Block),
	}
}

func idOf(b Block) blockID {
	return blockID{fileID: b.FileID, index: b.Index, nodeID: b.NodeID}
}

func (m *Memory) CreateFile(_ context.Context, f File) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, exists := m.files[f.ID]; exists {
		return fmt.Errorf("%w: %s", ErrFileExists, f.ID)
	}
	m.files[f.ID] = f
	return nil
}

func (m *Memory) GetFile(_ context.Context, id string) (File, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	f, ok := m.files[id]
	if !ok {
		return File{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	return f, nil
}

func (m *Memory) ListFiles(_ context.Context) ([]File, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]File, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteFile(_ context.Context, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.files[id]; !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	for key := range m.blocks {
		if key.fileID == id {
			return fmt.Errorf("%w: %s", ErrFileHasBlocks, id)
		}
	}
	delete(m.files, id)
	return nil
}

func (m *Memory) PutBlocks(_ context.Context, blocks []Block) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, b := range blocks {
		if _, ok := m.files[b.FileID]; !ok {
			return fmt.Errorf("%w: %s", ErrFileNotFound, b.FileID)
		}
	}
	for _, b := range blocks {
		m.blocks[idOf(b)] = b
	}
	return nil
}

func (m *Memory) FileBlocks(_ context.Context, fileID string) ([]Block, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var out []Block
	for key, b := range m.blocks {
		if key.fileID == fileID {
			out = append(out, b)
		}
	}
	SortBlocks(out)
	return out, nil
}

func (m *Memory) DeleteBlock(_ context.Context, b Block) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	key := idOf(b)
	if _, ok := m.blocks[key]; !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, b)
	}
	delete(m.blocks, key)
	return nil
}

func (m *Memory) UsageByNode(_ context.Context) (map[string]int64, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	usage := make(map[string]int64)
	for _, b := range m.blocks {
		usage[b.NodeID] += b.SizeBytes
	}
	return usage, nil
}

func (m *Memory) Close() error {
	return nil
}
