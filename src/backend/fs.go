package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const blockExtension = ".dat"

// FS keeps copies as files under root/<node>/<key>.dat.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blocks root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blocks root: %w", err)
	}
	return &FS{root: abs}, nil
}

func (b *FS) Name() string {
	return string(KindFS)
}

func (b *FS) Root() string {
	return b.root
}

func (b *FS) Owns(location string) bool {
	rel, err := filepath.Rel(b.root, location)
	return err == nil && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) &&
		strings.HasSuffix(location, blockExtension)
}

func (b *FS) nodeDir(nodeID string) string {
	return filepath.Join(b.root, nodeID)
}

func (b *FS) blockPath(nodeID, key string) string {
	return filepath.Join(b.nodeDir(nodeID), key+blockExtension)
}

func (b *FS) Locations(nodeID, key string) []string {
	return []string{b.blockPath(nodeID, key)}
}

func (b *FS) Prepare(nodeID string, _ int64) error {
	if err := os.MkdirAll(b.nodeDir(nodeID), 0755); err != nil {
		return fmt.Errorf("failed to create node directory: %w", err)
	}
	return nil
}

func (b *FS) Release(nodeID string) error {
	if err := os.RemoveAll(b.nodeDir(nodeID)); err != nil {
		return fmt.Errorf("failed to remove node directory: %w", err)
	}
	return nil
}

// Resize is a no-op; capacity is enforced by the registry precheck.
func (b *FS) Resize(string, int64) error {
	return nil
}

func (b *FS) Store(nodeID, key string, data []byte) (string, error) {
	dir := b.nodeDir(nodeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create node directory: %w", err)
	}
	finalPath := b.blockPath(nodeID, key)

	tmpFile, err := os.CreateTemp(dir, key+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp block file: %w", err)
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
		return "", fmt.Errorf("failed to write temp block file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp block file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to publish block file: %w", err)
	}
	cleanupTmp = false
	return finalPath, nil
}

func (b *FS) Retrieve(location string) ([]byte, error) {
	if !b.Owns(location) {
		return nil, fmt.Errorf("%w: %s", ErrForeignLocation, location)
	}
	data, err := os.ReadFile(location)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block file: %w", err)
	}
	return data, nil
}

func (b *FS) Remove(location string) error {
	if !b.Owns(location) {
		return fmt.Errorf("%w: %s", ErrForeignLocation, location)
	}
	err := os.Remove(location)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return err
}
