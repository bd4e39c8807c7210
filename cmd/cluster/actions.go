package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/danmuck/dps_cluster/src/blocks"
	"github.com/danmuck/dps_cluster/src/cluster"
	"github.com/danmuck/dps_cluster/src/metastore"
	"github.com/danmuck/dps_cluster/src/registry"
	logs "github.com/danmuck/smplog"
)

func formatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

func executeAction(ctx context.Context, cfg RuntimeConfig, c *cluster.Cluster) error {
	switch cfg.Action {
	case ActionDistribute:
		return executeDistributeAction(ctx, cfg, c)
	case ActionReconstruct:
		return executeReconstructAction(ctx, cfg, c)
	case ActionDelete:
		if err := c.DeleteBlocks(ctx, cfg.Args[0]); err != nil {
			return err
		}
		logs.Printf("Deleted %s\n", cfg.Args[0])
		return nil
	case ActionFiles:
		return executeFilesAction(ctx, c)
	case ActionAddNode:
		err := c.AddNode(ctx, cluster.NodeDescriptor{
			Node: registry.Node{
				ID:             cfg.Args[0],
				CPUCapacity:    cfg.NodeCPU,
				MemoryCapacity: cfg.NodeMemoryGB,
				TotalStorage:   cfg.NodeStorage,
				Bandwidth:      cfg.NodeBandwidth,
			},
			MeshBandwidth: cfg.MeshBandwidth,
		})
		if err != nil {
			return err
		}
		logs.Printf("Node %s added with %s\n", cfg.Args[0], formatBytes(cfg.NodeStorage))
		return nil
	case ActionRemoveNode:
		if err := c.RemoveNode(ctx, cfg.Args[0]); err != nil {
			return err
		}
		logs.Printf("Node %s removed\n", cfg.Args[0])
		return nil
	case ActionConnect:
		bw, err := parsePositive("bandwidth", cfg.Args[2])
		if err != nil {
			return err
		}
		if err := c.ConnectNodes(cfg.Args[0], cfg.Args[1], bw); err != nil {
			return err
		}
		logs.Printf("Linked %s <-> %s at %d Mbps\n", cfg.Args[0], cfg.Args[1], bw)
		return nil
	case ActionExtend:
		delta, err := parseBytes("size", cfg.Args[1])
		if err != nil {
			return err
		}
		if err := c.ExtendCapacity(cfg.Args[0], delta); err != nil {
			return err
		}
		logs.Printf("Node %s extended by %s\n", cfg.Args[0], formatBytes(delta))
		return nil
	case ActionStats:
		return executeStatsAction(ctx, c)
	case ActionVerify:
		return executeVerifyAction(ctx, c)
	default:
		return fmt.Errorf("unsupported action %q", cfg.Action)
	}
}

func executeDistributeAction(ctx context.Context, cfg RuntimeConfig, c *cluster.Cluster) error {
	file, err := c.Distribute(ctx, cfg.Args[0], metastore.File{ID: cfg.FileID}, cfg.OwnerID)
	if err != nil {
		return err
	}
	records, err := c.FileBlocks(ctx, file.ID)
	if err != nil {
		return err
	}

	logs.Titlef("\nDistributed %s\n", file.Filename)
	logs.DataKV("File ID", file.ID)
	logs.DataKV("Size", formatBytes(file.SizeBytes))
	logs.DataKV("Blocks", strconv.Itoa(len(metastore.Primaries(records))))
	logs.DataKV("Copies", strconv.Itoa(len(records)))
	return nil
}

func executeReconstructAction(ctx context.Context, cfg RuntimeConfig, c *cluster.Cluster) error {
	report, err := c.Reconstruct(ctx, cfg.Args[0], cfg.Args[1])
	if err != nil {
		return err
	}

	logs.Titlef("\nReconstructed %s\n", report.FileID)
	logs.DataKV("Output", cfg.Args[1])
	logs.DataKV("Blocks", strconv.Itoa(report.Blocks))
	logs.DataKV("Size", formatBytes(report.Bytes))
	if len(report.Fallbacks) == 0 {
		logs.StatusInfo("All blocks served by their primary.")
		logs.Printf("\n")
		return nil
	}
	logs.StatusWarn(fmt.Sprintf("%d block(s) served by a replica.", replicaServedBlocks(report.Fallbacks)))
	logs.Printf("\n")
	for _, fb := range report.Fallbacks {
		logs.MenuItem(int(fb.Index), fmt.Sprintf("%s -> %s (%s)", fb.From, fb.To, fb.Reason), false)
		logs.Printf("\n")
	}
	return nil
}

// replicaServedBlocks counts distinct block indexes; one block may fall
// back more than once before a replica verifies.
func replicaServedBlocks(fallbacks []blocks.Fallback) int {
	seen := make(map[uint32]struct{}, len(fallbacks))
	for _, fb := range fallbacks {
		seen[fb.Index] = struct{}{}
	}
	return len(seen)
}

func executeFilesAction(ctx context.Context, c *cluster.Cluster) error {
	files, err := c.Files(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logs.StatusWarn("No files stored.")
		logs.Printf("\n")
		return nil
	}

	logs.Titlef("\nStored Files\n")
	for i, f := range files {
		logs.Dataf("  [%d] %s  id: %s  size: %s  owner: %s  uploaded: %s\n",
			i, f.Filename, f.ID, formatBytes(f.SizeBytes), f.OwnerID,
			humanize.Time(f.UploadedAt))
	}
	return nil
}
