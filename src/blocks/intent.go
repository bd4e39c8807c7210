package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/dps_cluster/src/backend"
	"github.com/danmuck/dps_cluster/src/metastore"
	logs "github.com/danmuck/smplog"
)

// intentRecord is written to .intents/{fileID}.json before any copy is
// stored and removed once block records commit. A leftover record marks a
// distribute that never finished.
type intentRecord struct {
	FileID      string   `json:"file_id"`
	TotalBlocks uint32   `json:"total_blocks"`
	Nodes       []string `json:"nodes"`
	StartedAt   int64    `json:"started_at"`
}

func (m *Manager) intentPath(fileID string) string {
	return filepath.Join(m.intentDir(), fileID+".json")
}

func (m *Manager) writeIntent(fileID string, totalBlocks uint32, nodes []string) error {
	dir := m.intentDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create intents directory: %w", err)
	}

	data, err := json.Marshal(intentRecord{
		FileID:      fileID,
		TotalBlocks: totalBlocks,
		Nodes:       nodes,
		StartedAt:   m.now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, fileID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp intent file: %w", err)
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
		return fmt.Errorf("failed to write temp intent file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp intent file: %w", err)
	}
	if err := os.Rename(tmpPath, m.intentPath(fileID)); err != nil {
		return fmt.Errorf("failed to publish intent file: %w", err)
	}
	cleanupTmp = false
	return nil
}

func (m *Manager) clearIntent(fileID string) error {
	if err := os.Remove(m.intentPath(fileID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear intent file: %w", err)
	}
	return nil
}

// PendingIntents lists file ids with an unfinished distribute on disk.
func (m *Manager) PendingIntents() ([]string, error) {
	entries, err := os.ReadDir(m.intentDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read intents directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
		}
	}
	return ids, nil
}

// RecoverIntents reclaims copies left behind by distributes that stopped
// before committing, and removes their file records.
func (m *Manager) RecoverIntents(ctx context.Context) error {
	ids, err := m.PendingIntents()
	if err != nil {
		return err
	}

	var issues []string
	for _, id := range ids {
		if err := m.recoverIntent(ctx, m.intentPath(id)); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", id, err))
			logs.Warnf("intent recovery issue for %s: %v", id, err)
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("intent recovery encountered %d issue(s): %s", len(issues), strings.Join(issues, "; "))
	}
	return nil
}

func (m *Manager) recoverIntent(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read intent file: %w", err)
	}

	var rec intentRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.FileID == "" {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove corrupt intent: %w", rmErr)
		}
		return nil
	}

	committed, err := m.meta.FileBlocks(ctx, rec.FileID)
	if err != nil {
		return fmt.Errorf("failed to check records for intent: %w", err)
	}
	if len(committed) > 0 {
		if m.config.Verbose {
			logs.Infof("Intent recovery: %s already committed", rec.FileID)
		}
		return m.clearIntent(rec.FileID)
	}

	cleaned := 0
	for i := uint32(0); i < rec.TotalBlocks; i++ {
		key := backend.BlockKey(rec.FileID, i)
		for _, nodeID := range rec.Nodes {
			for _, loc := range m.backend.Locations(nodeID, key) {
				err := m.backend.Remove(loc)
				if err == nil {
					cleaned++
				} else if !errors.Is(err, backend.ErrNotFound) {
					logs.Debugf("intent recovery: could not remove %s: %v", loc, err)
				}
			}
		}
	}

	if err := m.meta.DeleteFile(ctx, rec.FileID); err != nil && !errors.Is(err, metastore.ErrFileNotFound) {
		return fmt.Errorf("failed to remove uncommitted file record: %w", err)
	}
	if cleaned > 0 || m.config.Verbose {
		logs.Infof("Intent recovery: cleaned %d orphaned cop(ies) for %s", cleaned, rec.FileID)
	}
	return m.clearIntent(rec.FileID)
}
