package backend

import (
	"fmt"

	logs "github.com/danmuck/smplog"
)

// Fallback writes to primary and, when that fails, to secondary. Reads and
// removals are routed by location, so copies written by either backend in
// an earlier run stay reachable.
type Fallback struct {
	primary   Backend
	secondary Backend
}

func NewFallback(primary, secondary Backend) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (b *Fallback) Name() string {
	return b.primary.Name() + "+" + b.secondary.Name()
}

func (b *Fallback) Owns(location string) bool {
	return b.primary.Owns(location) || b.secondary.Owns(location)
}

func (b *Fallback) route(location string) (Backend, error) {
	switch {
	case b.primary.Owns(location):
		return b.primary, nil
	case b.secondary.Owns(location):
		return b.secondary, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrForeignLocation, location)
}

func (b *Fallback) Locations(nodeID, key string) []string {
	return append(b.primary.Locations(nodeID, key), b.secondary.Locations(nodeID, key)...)
}

func (b *Fallback) Prepare(nodeID string, capacity int64) error {
	if err := b.primary.Prepare(nodeID, capacity); err != nil {
		return err
	}
	return b.secondary.Prepare(nodeID, capacity)
}

func (b *Fallback) Release(nodeID string) error {
	if err := b.primary.Release(nodeID); err != nil {
		return err
	}
	return b.secondary.Release(nodeID)
}

func (b *Fallback) Resize(nodeID string, capacity int64) error {
	if err := b.primary.Resize(nodeID, capacity); err != nil {
		return err
	}
	return b.secondary.Resize(nodeID, capacity)
}

func (b *Fallback) Store(nodeID, key string, data []byte) (string, error) {
	location, err := b.primary.Store(nodeID, key, data)
	if err == nil {
		return location, nil
	}
	logs.Warnf("%s store of %s on %s failed, falling back to %s: %v",
		b.primary.Name(), key, nodeID, b.secondary.Name(), err)

	location, fbErr := b.secondary.Store(nodeID, key, data)
	if fbErr != nil {
		return "", fmt.Errorf("primary failed (%v), fallback failed: %w", err, fbErr)
	}
	return location, nil
}

func (b *Fallback) Retrieve(location string) ([]byte, error) {
	be, err := b.route(location)
	if err != nil {
		return nil, err
	}
	return be.Retrieve(location)
}

func (b *Fallback) Remove(location string) error {
	be, err := b.route(location)
	if err != nil {
		return err
	}
	return be.Remove(location)
}
