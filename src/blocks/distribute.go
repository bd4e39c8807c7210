package blocks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/dps_cluster/src/backend"
	"github.com/danmuck/dps_cluster/src/chunker"
	"github.com/danmuck/dps_cluster/src/metastore"
	"github.com/danmuck/dps_cluster/src/placement"
	logs "github.com/danmuck/smplog"
)

// storedCopy is one physical copy written during a distribute.
type storedCopy struct {
	nodeID   string
	location string
	size     int64
}

// staging tracks everything a distribute has done so it can be undone.
type staging struct {
	copies []storedCopy
	usage  map[string]int64
}

// Distribute splits the file at filePath into blocks and stores
// Replication copies of each. On success every block record is committed
// at once; on failure copies, usage and the file record are rolled back.
func (m *Manager) Distribute(ctx context.Context, filePath string, file metastore.File) error {
	const op = "distribute"

	blocks, err := chunker.SplitFile(filePath)
	if err != nil {
		return opError(op, file.ID, -1, err)
	}
	if len(blocks) == 0 {
		return opError(op, file.ID, -1, ErrEmptyInput)
	}

	total := chunker.TotalSize(blocks)
	need := total * int64(m.config.Replication)
	if free := m.registry.FreeBytes(); need > free {
		return opError(op, file.ID, -1,
			fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientCapacity, need, free))
	}

	// the record always describes the bytes actually split
	file.SizeBytes = total
	if file.UploadedAt.IsZero() {
		file.UploadedAt = m.now()
	}
	if err := m.meta.CreateFile(ctx, file); err != nil {
		return opError(op, file.ID, -1, err)
	}

	order, _ := m.registry.Order()
	if err := m.writeIntent(file.ID, uint32(len(blocks)), order); err != nil {
		m.rollback(ctx, file.ID, &staging{})
		return opError(op, file.ID, -1, err)
	}

	stage := &staging{usage: make(map[string]int64)}
	records := make([]metastore.Block, 0, len(blocks)*m.config.Replication)

	for _, blk := range blocks {
		if err := ctx.Err(); err != nil {
			m.rollback(ctx, file.ID, stage)
			return opError(op, file.ID, int(blk.Index), err)
		}

		sel := m.policy.SelectNodes(blk.Index, m.config.Replication)
		if sel.Empty() {
			m.rollback(ctx, file.ID, stage)
			return opError(op, file.ID, int(blk.Index), ErrNoNodesAvailable)
		}

		recs, err := m.storeBlock(file.ID, blk, sel, stage)
		if err != nil {
			m.rollback(ctx, file.ID, stage)
			return opError(op, file.ID, int(blk.Index), err)
		}
		records = append(records, recs...)

		if m.config.Verbose {
			logs.Debugf("block %d of %s placed on %v (order v%d)", blk.Index, file.ID, sel.Nodes, sel.Version)
		}
	}

	if err := m.meta.PutBlocks(ctx, records); err != nil {
		m.rollback(ctx, file.ID, stage)
		return opError(op, file.ID, -1, fmt.Errorf("failed to commit block records: %w", err))
	}
	if err := m.clearIntent(file.ID); err != nil {
		logs.Warnf("distribute %s committed but intent was not cleared: %v", file.ID, err)
	}

	if m.config.Verbose {
		logs.Infof("Distributed %s: %d block(s), %d cop(ies), %d bytes",
			file.ID, len(blocks), len(records), total)
	}
	return nil
}

// storeBlock writes every copy of one block in parallel, then charges the
// usage of the copies that landed.
func (m *Manager) storeBlock(fileID string, blk chunker.Block, sel placement.Selection, stage *staging) ([]metastore.Block, error) {
	key := backend.BlockKey(fileID, blk.Index)

	type result struct {
		location string
		err      error
	}
	results := make([]result, len(sel.Nodes))

	var wg sync.WaitGroup
	for rank, nodeID := range sel.Nodes {
		wg.Add(1)
		go func(rank int, nodeID string) {
			defer wg.Done()
			loc, err := m.backend.Store(nodeID, key, blk.Data)
			results[rank] = result{location: loc, err: err}
		}(rank, nodeID)
	}
	wg.Wait()

	var errs []error
	records := make([]metastore.Block, 0, len(sel.Nodes))
	for rank, nodeID := range sel.Nodes {
		res := results[rank]
		if res.err != nil {
			errs = append(errs, fmt.Errorf("copy on %s: %w", nodeID, res.err))
			continue
		}
		stage.copies = append(stage.copies, storedCopy{nodeID: nodeID, location: res.location, size: blk.Size()})
		if err := m.registry.AddUsage(nodeID, blk.Size()); err != nil {
			errs = append(errs, err)
			continue
		}
		stage.usage[nodeID] += blk.Size()

		records = append(records, metastore.Block{
			FileID:    fileID,
			Index:     blk.Index,
			NodeID:    nodeID,
			SizeBytes: blk.Size(),
			Checksum:  blk.Checksum,
			IsReplica: rank > 0,
			ReplicaOf: blk.Index,
			Rank:      uint32(rank),
			Location:  res.location,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return records, nil
}

// rollback undoes a failed distribute: physical copies, usage counters,
// the file record and the intent.
func (m *Manager) rollback(ctx context.Context, fileID string, stage *staging) {
	for _, c := range stage.copies {
		if err := m.backend.Remove(c.location); err != nil {
			logs.Debugf("rollback of %s: could not remove %s: %v", fileID, c.location, err)
		}
	}
	for nodeID, used := range stage.usage {
		if err := m.registry.ReleaseUsage(nodeID, used); err != nil {
			logs.Debugf("rollback of %s: could not release usage on %s: %v", fileID, nodeID, err)
		}
	}
	if err := m.meta.DeleteFile(context.WithoutCancel(ctx), fileID); err != nil && !errors.Is(err, metastore.ErrFileNotFound) {
		logs.Warnf("rollback of %s: could not delete file record: %v", fileID, err)
	}
	if err := m.clearIntent(fileID); err != nil {
		logs.Warnf("rollback of %s: %v", fileID, err)
	}
	logs.Warnf("distribute of %s rolled back (%d cop(ies) reclaimed)", fileID, len(stage.copies))
}
