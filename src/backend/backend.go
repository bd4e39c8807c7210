package backend

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("block copy not found")
	ErrForeignLocation = errors.New("location not served by backend")
)

// Backend stores block copies on behalf of nodes. A location returned by
// Store is the only handle needed to read or remove that copy later.
type Backend interface {
	Name() string
	// Owns reports whether location was produced by this backend.
	Owns(location string) bool

	Prepare(nodeID string, capacity int64) error
	Release(nodeID string) error
	Resize(nodeID string, capacity int64) error

	// Locations lists where a copy of key on nodeID could live.
	Locations(nodeID, key string) []string

	Store(nodeID, key string, data []byte) (string, error)
	Retrieve(location string) ([]byte, error)
	Remove(location string) error
}

// BlockKey is the per-node key of one block copy.
func BlockKey(fileID string, index uint32) string {
	return fmt.Sprintf("%s_block_%d", fileID, index)
}

// Kind names a backend selection in configuration.
type Kind string

const (
	KindVDisk    Kind = "vdisk"
	KindFS       Kind = "fs"
	KindFallback Kind = "vdisk+fs"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindVDisk, KindFS, KindFallback:
		return Kind(s), nil
	case "":
		return KindVDisk, nil
	}
	return "", fmt.Errorf("unknown storage backend %q", s)
}
