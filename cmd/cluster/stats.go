package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/dps_cluster/src/cluster"
	logs "github.com/danmuck/smplog"
)

func executeStatsAction(ctx context.Context, c *cluster.Cluster) error {
	stats, err := c.NetworkStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect network stats: %w", err)
	}
	cfg := c.Config()

	logs.Titlef("\nCluster\n")
	logs.DataKV("Generated at", time.Now().Format(time.RFC3339))
	logs.DataKV("Data dir", cfg.DataDir)
	logs.DataKV("Backend", c.Backend().Name())
	logs.DataKV("Metastore", cfg.Metastore)
	logs.Dataf("Replication: %d  Topology version: %d\n", cfg.Replication, stats.Version)

	logs.Titlef("\nStorage\n")
	logs.DataKV("Total", formatBytes(stats.TotalStorage))
	logs.DataKV("Used", formatBytes(stats.UsedStorage))
	logs.DataKV("Utilization", fmt.Sprintf("%.2f%%", stats.Utilization))
	logs.DataKV("Total bandwidth", fmt.Sprintf("%d Mbps", stats.TotalBandwidth))

	logs.Titlef("\nNodes (%d)\n", len(stats.Nodes))
	for _, n := range stats.Nodes {
		peers := make([]string, 0, len(n.Connections))
		for id, bw := range n.Connections {
			peers = append(peers, fmt.Sprintf("%s@%d", id, bw))
		}
		sort.Strings(peers)
		logs.Dataf("  %-10s cpu=%d mem=%dGB used=%s/%s (%.2f%%) bw=%dMbps links=[%s]\n",
			n.ID, n.CPUCapacity, n.MemoryCapacity,
			formatBytes(n.UsedStorage), formatBytes(n.TotalStorage),
			n.Utilization, n.Bandwidth, strings.Join(peers, " "))
	}

	if len(stats.Links) > 0 {
		logs.Titlef("\nLinks (%d)\n", len(stats.Links))
		for _, l := range stats.Links {
			logs.Dataf("  %s <-> %s  %d Mbps\n", l.A, l.B, l.Bandwidth)
		}
	}
	return nil
}
