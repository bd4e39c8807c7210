package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/danmuck/dps_cluster/src/backend"
	"github.com/danmuck/dps_cluster/src/cluster"
)

type MenuAction string

const (
	ActionDistribute  MenuAction = "distribute"
	ActionReconstruct MenuAction = "reconstruct"
	ActionDelete      MenuAction = "delete"
	ActionFiles       MenuAction = "files"
	ActionAddNode     MenuAction = "add-node"
	ActionRemoveNode  MenuAction = "remove-node"
	ActionConnect     MenuAction = "connect"
	ActionExtend      MenuAction = "extend"
	ActionStats       MenuAction = "stats"
	ActionVerify      MenuAction = "verify"
)

// positional argument count per action
var actionArity = map[MenuAction]int{
	ActionDistribute:  1,
	ActionReconstruct: 2,
	ActionDelete:      1,
	ActionFiles:       0,
	ActionAddNode:     1,
	ActionRemoveNode:  1,
	ActionConnect:     3,
	ActionExtend:      2,
	ActionStats:       0,
	ActionVerify:      0,
}

const defaultDataDir = "./local/cluster"

type RuntimeConfig struct {
	ConfigPath     string
	Action         MenuAction
	ActionProvided bool
	Args           []string
	OwnerID        string
	FileID         string
	NodeStorage    int64
	NodeCPU        int
	NodeMemoryGB   int64
	NodeBandwidth  int
	MeshBandwidth  int
	Cluster        cluster.Config
}

func defaultConfig() RuntimeConfig {
	return RuntimeConfig{
		ConfigPath:     "./local/cluster.toml",
		Action:         ActionStats,
		ActionProvided: false,
		OwnerID:        "local",
		NodeCPU:        4,
		NodeMemoryGB:   16,
		NodeBandwidth:  1000,
		MeshBandwidth:  1000,
		Cluster:        cluster.DefaultConfig(defaultDataDir),
	}
}

var defaultRuntimeConfig = defaultConfig()

const CONFIG_FLAG = "--config"
const DATA_DIR_FLAG = "--data-dir"
const BACKEND_FLAG = "--backend"
const METASTORE_FLAG = "--metastore"
const DSN_FLAG = "--dsn"
const REPLICATION_FLAG = "--replication"
const OWNER_FLAG = "--owner"
const FILE_ID_FLAG = "--file-id"
const STORAGE_FLAG = "--storage"
const CPU_FLAG = "--cpu"
const MEMORY_FLAG = "--memory-gb"
const BANDWIDTH_FLAG = "--bandwidth"
const MESH_FLAG = "--mesh"
const VERBOSE_FLAG = "--verbose"

// flagValue matches "--name value" and "--name=value". ok reports whether
// arg was the flag at all.
func flagValue(args []string, i *int, name string) (string, bool, error) {
	arg := args[*i]
	if arg == name {
		if *i+1 >= len(args) {
			return "", true, fmt.Errorf("missing value after %q", name)
		}
		*i++
		return strings.TrimSpace(args[*i]), true, nil
	}
	if after, ok := strings.CutPrefix(arg, name+"="); ok {
		return strings.TrimSpace(after), true, nil
	}
	return "", false, nil
}

func parsePositive(name, raw string) (int, error) {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, raw, err)
	}
	if parsed < 1 {
		return 0, fmt.Errorf("%s must be >= 1", name)
	}
	return parsed, nil
}

// parseBytes accepts humanized sizes ("500GB", "3.5 MiB") or plain bytes.
func parseBytes(name, raw string) (int64, error) {
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, raw, err)
	}
	if parsed == 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return int64(parsed), nil
}

func parseCLI(args []string, cfg RuntimeConfig) (RuntimeConfig, error) {
	runtimeCfg := cfg
	runtimeCfg.Args = nil

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == VERBOSE_FLAG {
			runtimeCfg.Cluster.Verbose = true
			continue
		}

		if v, ok, err := flagValue(args, &i, CONFIG_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.ConfigPath = v
			continue
		}

		if v, ok, err := flagValue(args, &i, DATA_DIR_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.Cluster.DataDir = v
			runtimeCfg.Cluster.BlocksDir = ""
			continue
		}

		if v, ok, err := flagValue(args, &i, BACKEND_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			kind, err := backend.ParseKind(v)
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.Cluster.Backend = string(kind)
			continue
		}

		if v, ok, err := flagValue(args, &i, METASTORE_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			switch v {
			case cluster.MetastoreMemory, cluster.MetastoreBadger, cluster.MetastoreMySQL:
				runtimeCfg.Cluster.Metastore = v
			default:
				return runtimeCfg, fmt.Errorf("unknown metastore %q", v)
			}
			continue
		}

		if v, ok, err := flagValue(args, &i, DSN_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.Cluster.MetastoreDSN = v
			continue
		}

		if v, ok, err := flagValue(args, &i, REPLICATION_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			n, err := parsePositive(REPLICATION_FLAG, v)
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.Cluster.Replication = n
			continue
		}

		if v, ok, err := flagValue(args, &i, OWNER_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.OwnerID = v
			continue
		}

		if v, ok, err := flagValue(args, &i, FILE_ID_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.FileID = v
			continue
		}

		if v, ok, err := flagValue(args, &i, STORAGE_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			n, err := parseBytes(STORAGE_FLAG, v)
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.NodeStorage = n
			continue
		}

		if v, ok, err := flagValue(args, &i, CPU_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			n, err := parsePositive(CPU_FLAG, v)
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.NodeCPU = n
			continue
		}

		if v, ok, err := flagValue(args, &i, MEMORY_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			n, err := parsePositive(MEMORY_FLAG, v)
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.NodeMemoryGB = int64(n)
			continue
		}

		if v, ok, err := flagValue(args, &i, BANDWIDTH_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			n, err := parsePositive(BANDWIDTH_FLAG, v)
			if err != nil {
				return runtimeCfg, err
			}
			runtimeCfg.NodeBandwidth = n
			continue
		}

		if v, ok, err := flagValue(args, &i, MESH_FLAG); ok {
			if err != nil {
				return runtimeCfg, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return runtimeCfg, fmt.Errorf("invalid %s value %q", MESH_FLAG, v)
			}
			runtimeCfg.MeshBandwidth = n
			continue
		}

		if strings.HasPrefix(arg, "--") {
			return runtimeCfg, fmt.Errorf("unsupported flag %q", arg)
		}

		if !runtimeCfg.ActionProvided {
			action := MenuAction(strings.ToLower(strings.TrimSpace(arg)))
			if _, known := actionArity[action]; !known {
				return runtimeCfg, fmt.Errorf("unsupported action %q", arg)
			}
			runtimeCfg.Action = action
			runtimeCfg.ActionProvided = true
			continue
		}
		runtimeCfg.Args = append(runtimeCfg.Args, arg)
	}

	if want := actionArity[runtimeCfg.Action]; len(runtimeCfg.Args) != want {
		return runtimeCfg, fmt.Errorf("action %q takes %d argument(s), got %d", runtimeCfg.Action, want, len(runtimeCfg.Args))
	}
	if runtimeCfg.Action == ActionAddNode && runtimeCfg.NodeStorage == 0 {
		return runtimeCfg, fmt.Errorf("action %q requires %s", ActionAddNode, STORAGE_FLAG)
	}

	return runtimeCfg, nil
}

func printUsage(cfg RuntimeConfig) {
	fmt.Printf("Usage: cluster <action> [args] [%s PATH] [%s DIR] [%s vdisk|fs|vdisk+fs] [%s memory|badger|mysql] [%s DSN] [%s N] [%s]\n",
		CONFIG_FLAG,
		DATA_DIR_FLAG,
		BACKEND_FLAG,
		METASTORE_FLAG,
		DSN_FLAG,
		REPLICATION_FLAG,
		VERBOSE_FLAG,
	)
	fmt.Printf("No action defaults to %q.\n", cfg.Action)
	fmt.Printf("Cluster config is read from %s when present; data lives under %s.\n", cfg.ConfigPath, cfg.Cluster.DataDir)
	fmt.Println("\nActions:")
	fmt.Printf("    distribute PATH [%s ID] [%s ID]\n", OWNER_FLAG, FILE_ID_FLAG)
	fmt.Println("    reconstruct FILE_ID OUTPUT")
	fmt.Println("    delete FILE_ID")
	fmt.Println("    files")
	fmt.Printf("    add-node ID %s SIZE [%s N] [%s N] [%s MBPS] [%s MBPS]\n", STORAGE_FLAG, CPU_FLAG, MEMORY_FLAG, BANDWIDTH_FLAG, MESH_FLAG)
	fmt.Println("    remove-node ID")
	fmt.Println("    connect A B MBPS")
	fmt.Println("    extend ID SIZE")
	fmt.Println("    stats")
	fmt.Println("    verify")
}
