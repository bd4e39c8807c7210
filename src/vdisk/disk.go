package vdisk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrCapacityExceeded = errors.New("virtual disk capacity exceeded")
	ErrNotFound         = errors.New("key not found on virtual disk")
	ErrInvalidCapacity  = errors.New("capacity below used bytes")
)

// Disk is a fixed-capacity in-memory block device owned by one node.
type Disk struct {
	nodeID   string
	capacity int64
	used     int64
	blocks   map[string][]byte
	lock     sync.RWMutex
}

func NewDisk(nodeID string, capacityBytes int64) *Disk {
	return &Disk{
		nodeID:   nodeID,
		capacity: capacityBytes,
		blocks:   make(map[string][]byte),
	}
}

func (d *Disk) NodeID() string {
	return d.nodeID
}

func (d *Disk) Capacity() int64 {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.capacity
}

func (d *Disk) Used() int64 {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.used
}

func (d *Disk) Free() int64 {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.capacity - d.used
}

// Store writes a copy of data under key. Overwriting a key replaces its
// previous bytes and accounts only for the size difference.
func (d *Disk) Store(key string, data []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	prev := int64(len(d.blocks[key]))
	next := d.used - prev + int64(len(data))
	if next > d.capacity {
		return fmt.Errorf("%w: node %s needs %d bytes, has %d free",
			ErrCapacityExceeded, d.nodeID, int64(len(data))-prev, d.capacity-d.used)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	d.blocks[key] = buf
	d.used = next
	return nil
}

// Retrieve returns a copy of the bytes stored under key.
func (d *Disk) Retrieve(key string) ([]byte, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	data, ok := d.blocks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, d.nodeID, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (d *Disk) Remove(key string) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	data, ok := d.blocks[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, d.nodeID, key)
	}
	d.used -= int64(len(data))
	delete(d.blocks, key)
	return nil
}

// Resize changes the capacity. Shrinking below used bytes is refused.
func (d *Disk) Resize(capacityBytes int64) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if capacityBytes < d.used {
		return fmt.Errorf("%w: %d < %d", ErrInvalidCapacity, capacityBytes, d.used)
	}
	d.capacity = capacityBytes
	return nil
}

// Keys lists stored keys in sorted order.
func (d *Disk) Keys() []string {
	d.lock.RLock()
	defer d.lock.RUnlock()

	keys := make([]string, 0, len(d.blocks))
	for k := range d.blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Overwrite replaces stored bytes without capacity accounting changes
// beyond the size delta. It exists for fault injection in tests.
func (d *Disk) Overwrite(key string, data []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	prev, ok := d.blocks[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, d.nodeID, key)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	d.blocks[key] = buf
	d.used += int64(len(data)) - int64(len(prev))
	return nil
}
