package vdisk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDiskExists  = errors.New("virtual disk already exists")
	ErrUnknownDisk = errors.New("no virtual disk for node")
)

// Manager maps node ids to their virtual disks.
type Manager struct {
	disks map[string]*Disk
	lock  sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{disks: make(map[string]*Disk)}
}

func (m *Manager) CreateDisk(nodeID string, capacityBytes int64) (*Disk, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, exists := m.disks[nodeID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDiskExists, nodeID)
	}
	d := NewDisk(nodeID, capacityBytes)
	m.disks[nodeID] = d
	return d, nil
}

// EnsureDisk returns the node's disk, creating it when missing.
func (m *Manager) EnsureDisk(nodeID string, capacityBytes int64) *Disk {
	m.lock.Lock()
	defer m.lock.Unlock()

	if d, exists := m.disks[nodeID]; exists {
		return d
	}
	d := NewDisk(nodeID, capacityBytes)
	m.disks[nodeID] = d
	return d
}

func (m *Manager) Disk(nodeID string) (*Disk, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	d, ok := m.disks[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDisk, nodeID)
	}
	return d, nil
}

func (m *Manager) RemoveDisk(nodeID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.disks, nodeID)
}

func (m *Manager) NodeIDs() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	ids := make([]string, 0, len(m.disks))
	for id := range m.disks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Store(nodeID, key string, data []byte) error {
	d, err := m.Disk(nodeID)
	if err != nil {
		return err
	}
	return d.Store(key, data)
}

func (m *Manager) Retrieve(nodeID, key string) ([]byte, error) {
	d, err := m.Disk(nodeID)
	if err != nil {
		return nil, err
	}
	return d.Retrieve(key)
}

func (m *Manager) Remove(nodeID, key string) error {
	d, err := m.Disk(nodeID)
	if err != nil {
		return err
	}
	return d.Remove(key)
}

func (m *Manager) Resize(nodeID string, capacityBytes int64) error {
	d, err := m.Disk(nodeID)
	if err != nil {
		return err
	}
	return d.Resize(capacityBytes)
}
