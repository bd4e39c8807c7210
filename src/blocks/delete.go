package blocks

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/dps_cluster/src/metastore"
	"github.com/danmuck/dps_cluster/src/registry"
	logs "github.com/danmuck/smplog"
)

// Delete removes every copy of a file, releases the usage it held and
// drops its records. Physical removal is best effort; metadata errors
// are returned.
func (m *Manager) Delete(ctx context.Context, fileID string) error {
	const op = "delete"

	records, err := m.meta.FileBlocks(ctx, fileID)
	if err != nil {
		return opError(op, fileID, -1, err)
	}

	for _, rec := range records {
		if err := m.backend.Remove(rec.Location); err != nil {
			logs.Debugf("delete %s: could not remove %s: %v", fileID, rec.Location, err)
		}
		if err := m.registry.ReleaseUsage(rec.NodeID, rec.SizeBytes); err != nil && !errors.Is(err, registry.ErrNodeNotFound) {
			logs.Debugf("delete %s: could not release usage on %s: %v", fileID, rec.NodeID, err)
		}
		if err := m.meta.DeleteBlock(ctx, rec); err != nil && !errors.Is(err, metastore.ErrBlockNotFound) {
			return opError(op, fileID, int(rec.Index), fmt.Errorf("failed to delete block record: %w", err))
		}
	}

	if err := m.meta.DeleteFile(ctx, fileID); err != nil && !errors.Is(err, metastore.ErrFileNotFound) {
		return opError(op, fileID, -1, err)
	}

	if m.config.Verbose {
		logs.Infof("Deleted %s: %d cop(ies) released", fileID, len(records))
	}
	return nil
}
