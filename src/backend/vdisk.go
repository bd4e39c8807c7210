package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/dps_cluster/src/vdisk"
)

const vdiskScheme = "vdisk://"

// VDisk keeps copies on per-node virtual disks.
type VDisk struct {
	disks *vdisk.Manager
}

func NewVDisk(disks *vdisk.Manager) *VDisk {
	return &VDisk{disks: disks}
}

func (b *VDisk) Name() string {
	return string(KindVDisk)
}

func (b *VDisk) Disks() *vdisk.Manager {
	return b.disks
}

func (b *VDisk) Owns(location string) bool {
	return strings.HasPrefix(location, vdiskScheme)
}

func vdiskLocation(nodeID, key string) string {
	return vdiskScheme + nodeID + "/" + key
}

func parseVDiskLocation(location string) (string, string, error) {
	rest, ok := strings.CutPrefix(location, vdiskScheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrForeignLocation, location)
	}
	nodeID, key, ok := strings.Cut(rest, "/")
	if !ok || nodeID == "" || key == "" {
		return "", "", fmt.Errorf("malformed vdisk location %q", location)
	}
	return nodeID, key, nil
}

func (b *VDisk) Locations(nodeID, key string) []string {
	return []string{vdiskLocation(nodeID, key)}
}

func (b *VDisk) Prepare(nodeID string, capacity int64) error {
	b.disks.EnsureDisk(nodeID, capacity)
	return nil
}

func (b *VDisk) Release(nodeID string) error {
	b.disks.RemoveDisk(nodeID)
	return nil
}

func (b *VDisk) Resize(nodeID string, capacity int64) error {
	return b.disks.Resize(nodeID, capacity)
}

func (b *VDisk) Store(nodeID, key string, data []byte) (string, error) {
	if err := b.disks.Store(nodeID, key, data); err != nil {
		return "", fmt.Errorf("failed to store %s on %s: %w", key, nodeID, err)
	}
	return vdiskLocation(nodeID, key), nil
}

func (b *VDisk) Retrieve(location string) ([]byte, error) {
	nodeID, key, err := parseVDiskLocation(location)
	if err != nil {
		return nil, err
	}
	data, err := b.disks.Retrieve(nodeID, key)
	if errors.Is(err, vdisk.ErrNotFound) || errors.Is(err, vdisk.ErrUnknownDisk) {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, location, err)
	}
	return data, err
}

func (b *VDisk) Remove(location string) error {
	nodeID, key, err := parseVDiskLocation(location)
	if err != nil {
		return err
	}
	err = b.disks.Remove(nodeID, key)
	if errors.Is(err, vdisk.ErrNotFound) || errors.Is(err, vdisk.ErrUnknownDisk) {
		return fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return err
}
