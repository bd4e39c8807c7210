package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/dps_cluster/src/blocks"
	"github.com/danmuck/dps_cluster/src/cleanup"
	"github.com/danmuck/dps_cluster/src/metastore"
	"github.com/danmuck/dps_cluster/src/registry"
	logs "github.com/danmuck/smplog"
)

// Distribute stores the file at filePath under file.ID, generating an id
// and filename when they are empty. The stored record is returned.
func (c *Cluster) Distribute(ctx context.Context, filePath string, file metastore.File, ownerID string) (metastore.File, error) {
	if file.ID == "" {
		id, err := NewFileID()
		if err != nil {
			return file, err
		}
		file.ID = id
	}
	if file.Filename == "" {
		file.Filename = filepath.Base(filePath)
	}
	file.OwnerID = ownerID

	err := c.blocks.Distribute(ctx, filePath, file)
	c.refreshUsage(ctx)
	if err != nil {
		return file, err
	}
	if records, err := c.meta.FileBlocks(ctx, file.ID); err == nil {
		c.persistNodes(nodesOf(records))
	}
	return c.meta.GetFile(ctx, file.ID)
}

// Reconstruct writes the file to outputPath and schedules its removal
// after the configured cleanup delay.
func (c *Cluster) Reconstruct(ctx context.Context, fileID, outputPath string) (blocks.Report, error) {
	report, err := c.blocks.Reconstruct(ctx, fileID, outputPath)
	if err != nil {
		return report, err
	}
	if delay := c.config.CleanupDelay(); delay > 0 {
		c.scheduler.Schedule("output:"+outputPath, delay, cleanup.RemoveFile(outputPath))
	}
	return report, nil
}

// DeleteBlocks removes every copy and record of a file.
func (c *Cluster) DeleteBlocks(ctx context.Context, fileID string) error {
	records, _ := c.meta.FileBlocks(ctx, fileID)
	err := c.blocks.Delete(ctx, fileID)
	c.refreshUsage(ctx)
	c.persistNodes(nodesOf(records))
	return err
}

func (c *Cluster) Files(ctx context.Context) ([]metastore.File, error) {
	return c.meta.ListFiles(ctx)
}

func (c *Cluster) File(ctx context.Context, id string) (metastore.File, error) {
	return c.meta.GetFile(ctx, id)
}

func (c *Cluster) FileBlocks(ctx context.Context, id string) ([]metastore.Block, error) {
	return c.meta.FileBlocks(ctx, id)
}

func (c *Cluster) Verify(ctx context.Context) ([]blocks.CopyError, error) {
	return c.blocks.VerifyAll(ctx)
}

// NodeDescriptor describes a node to add. A positive MeshBandwidth links
// the new node to every existing node at min(MeshBandwidth, the configured
// cap).
type NodeDescriptor struct {
	Node          registry.Node
	MeshBandwidth int
}

func (c *Cluster) AddNode(ctx context.Context, desc NodeDescriptor) error {
	node := desc.Node
	node.UsedStorage = 0
	peers, _ := c.registry.Order()

	if err := c.registry.AddNode(node); err != nil {
		return err
	}
	if err := c.prepareNode(node); err != nil {
		if rmErr := c.registry.RemoveNode(node.ID); rmErr != nil {
			logs.Warnf("failed to undo registration of %s: %v", node.ID, rmErr)
		}
		return err
	}

	if desc.MeshBandwidth > 0 {
		bw := desc.MeshBandwidth
		if limit := c.config.MeshBandwidthCap; limit > 0 {
			bw = min(bw, limit)
		}
		for _, peer := range peers {
			if err := c.registry.ConnectNodes(node.ID, peer, bw); err != nil {
				return fmt.Errorf("failed to link %s to %s: %w", node.ID, peer, err)
			}
		}
	}

	c.persist()
	if c.config.Verbose {
		logs.Infof("Node %s added (%d bytes, %d link(s))", node.ID, node.TotalStorage, len(c.registry.Peers(node.ID)))
	}
	return nil
}

// RemoveNode refuses nodes that still hold data; otherwise the node, its
// links, its storage and its directory are removed.
func (c *Cluster) RemoveNode(ctx context.Context, id string) error {
	if err := c.registry.Reconcile(ctx, c.meta); err != nil {
		return err
	}
	if err := c.registry.RemoveNode(id); err != nil {
		return err
	}
	if err := c.backend.Release(id); err != nil {
		logs.Warnf("failed to release storage of %s: %v", id, err)
	}
	if err := os.RemoveAll(c.nodeDir(id)); err != nil {
		return fmt.Errorf("failed to remove node directory: %w", err)
	}
	c.persist()
	return nil
}

func (c *Cluster) ConnectNodes(a, b string, bandwidth int) error {
	if err := c.registry.ConnectNodes(a, b, bandwidth); err != nil {
		return err
	}
	c.persist()
	return nil
}

// ExtendCapacity grows a node's storage by deltaBytes.
func (c *Cluster) ExtendCapacity(id string, deltaBytes int64) error {
	if err := c.registry.ExtendCapacity(id, deltaBytes); err != nil {
		return err
	}
	node, err := c.registry.Node(id)
	if err != nil {
		return err
	}
	if err := c.backend.Resize(id, node.TotalStorage); err != nil {
		return fmt.Errorf("failed to resize storage of %s: %w", id, err)
	}
	c.persist()
	return nil
}

// NetworkStats reconciles usage with the metastore and reports per-node
// and aggregate figures.
func (c *Cluster) NetworkStats(ctx context.Context) (registry.Stats, error) {
	return c.registry.Stats(ctx, c.meta)
}
