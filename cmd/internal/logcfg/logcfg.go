package logcfg

import (
	"os"

	logs "github.com/danmuck/smplog"
)

// DPS_LOG_CONFIG takes precedence over the generic smplog variable.
var envConfigPaths = []string{"DPS_LOG_CONFIG", "SMPLOG_CONFIG"}

var fileCandidates = []string{
	"./smplog.config.toml",
	"./local/smplog.config.toml",
}

// Load returns the first readable logging configuration from the
// environment or the working directory, otherwise defaults.
func Load() logs.Config {
	for _, env := range envConfigPaths {
		path := os.Getenv(env)
		if path == "" {
			continue
		}
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}

	for _, path := range fileCandidates {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}

	return logs.DefaultConfig()
}
