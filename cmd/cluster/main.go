package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/danmuck/dps_cluster/cmd/internal/logcfg"
	"github.com/danmuck/dps_cluster/src/cluster"
	logs "github.com/danmuck/smplog"
)

func main() {
	logs.Configure(logcfg.Load())

	cfg, err := parseCLI(os.Args[1:], defaultRuntimeConfig)
	if err != nil {
		fmt.Printf("Error: %v\n\n", err)
		printUsage(defaultRuntimeConfig)
		os.Exit(1)
	}

	clusterCfg, err := cluster.LoadConfig(cfg.ConfigPath, cfg.Cluster)
	if err != nil {
		logs.Fatalf(err, "Failed to load cluster config %s", cfg.ConfigPath)
	}
	// explicit flags win over the file
	clusterCfg = applyOverrides(clusterCfg, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	timer := newPhaseTimer()
	timer.start("open")
	c, err := cluster.Open(ctx, clusterCfg)
	timer.stop(err)
	if err != nil {
		logs.Fatalf(err, "Failed to open cluster at %s", clusterCfg.DataDir)
	}

	timer.start(string(cfg.Action))
	runErr := executeAction(ctx, cfg, c)
	timer.stop(runErr)

	timer.start("close")
	closeErr := c.Close()
	timer.stop(closeErr)
	if closeErr != nil {
		logs.Errorf(closeErr, "Failed to close cluster")
	}

	if clusterCfg.Verbose {
		timer.render(cfg.Action)
	}
	if runErr != nil {
		logs.Fatalf(runErr, "Action %q failed", cfg.Action)
	}
}

func applyOverrides(clusterCfg cluster.Config, cfg RuntimeConfig) cluster.Config {
	def := defaultRuntimeConfig.Cluster
	flags := cfg.Cluster

	if flags.DataDir != def.DataDir {
		clusterCfg.DataDir = flags.DataDir
		clusterCfg.BlocksDir = filepath.Join(flags.DataDir, "blocks")
	}
	if flags.Backend != def.Backend {
		clusterCfg.Backend = flags.Backend
	}
	if flags.Metastore != def.Metastore {
		clusterCfg.Metastore = flags.Metastore
	}
	if flags.MetastoreDSN != "" {
		clusterCfg.MetastoreDSN = flags.MetastoreDSN
	}
	if flags.Replication != def.Replication {
		clusterCfg.Replication = flags.Replication
	}
	if flags.Verbose {
		clusterCfg.Verbose = true
	}
	// one-shot processes exit before any cleanup delay elapses
	clusterCfg.CleanupDelaySeconds = 0
	return clusterCfg
}
