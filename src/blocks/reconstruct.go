package blocks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danmuck/dps_cluster/src/backend"
	"github.com/danmuck/dps_cluster/src/chunker"
	"github.com/danmuck/dps_cluster/src/metastore"
	logs "github.com/danmuck/smplog"
)

type FallbackReason string

const (
	ReasonMissing  FallbackReason = "missing"
	ReasonChecksum FallbackReason = "checksum"
)

// Fallback records one switch from a copy to a replica during a read.
type Fallback struct {
	Index  uint32
	From   string // node id of the copy that was abandoned
	To     string // node id of the replica that was tried next
	Reason FallbackReason
	Err    error
}

// Report summarizes a reconstruction.
type Report struct {
	FileID    string
	Blocks    int
	Bytes     int64
	Fallbacks []Fallback
}

// Engine reads one block by walking its primary and replica records.
type Engine struct {
	backend backend.Backend
}

func NewEngine(be backend.Backend) *Engine {
	return &Engine{backend: be}
}

// ReadBlock returns verified bytes for a block. A primary that yields no
// bytes is replaced by the first replica that does; bytes that fail their
// checksum are replaced by the first replica whose bytes match that
// replica's own checksum.
func (e *Engine) ReadBlock(primary metastore.Block, replicas []metastore.Block) ([]byte, []Fallback, error) {
	var fallbacks []Fallback
	used := primary

	data, err := e.backend.Retrieve(primary.Location)
	if err != nil {
		found := false
		for _, r := range replicas {
			fallbacks = append(fallbacks, Fallback{
				Index: primary.Index, From: used.NodeID, To: r.NodeID, Reason: ReasonMissing, Err: err,
			})
			data, err = e.backend.Retrieve(r.Location)
			if err == nil {
				used = r
				found = true
				break
			}
		}
		if !found {
			return nil, fallbacks, fmt.Errorf("%w: last error: %v", ErrBlockUnreadable, err)
		}
	}

	if chunker.Verify(data, used.Checksum) {
		return data, fallbacks, nil
	}

	for _, r := range replicas {
		if r.NodeID == used.NodeID {
			continue
		}
		candidate, rerr := e.backend.Retrieve(r.Location)
		if rerr != nil {
			continue
		}
		if chunker.Verify(candidate, r.Checksum) {
			fallbacks = append(fallbacks, Fallback{
				Index: primary.Index, From: used.NodeID, To: r.NodeID, Reason: ReasonChecksum,
			})
			return candidate, fallbacks, nil
		}
	}
	return nil, fallbacks, ErrChecksumMismatch
}

// Reconstruct reassembles a file into outputPath. Output is staged next to
// outputPath and only renamed into place once every block verified.
func (m *Manager) Reconstruct(ctx context.Context, fileID, outputPath string) (Report, error) {
	const op = "reconstruct"
	report := Report{FileID: fileID}

	file, err := m.meta.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, metastore.ErrFileNotFound) {
			return report, opError(op, fileID, -1, fmt.Errorf("%w: %w", ErrBlockUnreadable, err))
		}
		return report, opError(op, fileID, -1, err)
	}
	records, err := m.meta.FileBlocks(ctx, fileID)
	if err != nil {
		return report, opError(op, fileID, -1, err)
	}
	primaries := metastore.Primaries(records)
	if len(primaries) == 0 {
		return report, opError(op, fileID, -1, fmt.Errorf("%w: file has no block records", ErrBlockUnreadable))
	}
	if want := expectedBlocks(file.SizeBytes); len(primaries) != want {
		return report, opError(op, fileID, -1,
			fmt.Errorf("%w: %d primary record(s), file of %d bytes needs %d", ErrBlockUnreadable, len(primaries), file.SizeBytes, want))
	}
	for i, p := range primaries {
		if p.Index != uint32(i) {
			return report, opError(op, fileID, i, fmt.Errorf("%w: no primary record", ErrBlockUnreadable))
		}
	}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return report, opError(op, fileID, -1, fmt.Errorf("failed to create output directory: %w", err))
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(outputPath)+"-*.partial")
	if err != nil {
		return report, opError(op, fileID, -1, fmt.Errorf("failed to create staging file: %w", err))
	}
	tmpPath := tmpFile.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	for _, p := range primaries {
		if err := ctx.Err(); err != nil {
			return report, opError(op, fileID, int(p.Index), err)
		}

		data, fallbacks, err := m.engine.ReadBlock(p, metastore.ReplicasOf(records, p.Index))
		for _, fb := range fallbacks {
			logs.Warnf("block %d of %s: falling back from %s to %s (%s)", fb.Index, fileID, fb.From, fb.To, fb.Reason)
		}
		report.Fallbacks = append(report.Fallbacks, fallbacks...)
		if err != nil {
			return report, opError(op, fileID, int(p.Index), err)
		}

		if _, err := tmpFile.Write(data); err != nil {
			return report, opError(op, fileID, int(p.Index), fmt.Errorf("failed to write staging file: %w", err))
		}
		report.Blocks++
		report.Bytes += int64(len(data))
	}

	if report.Bytes != file.SizeBytes {
		return report, opError(op, fileID, -1,
			fmt.Errorf("%w: reassembled %d bytes, expected %d", ErrBlockUnreadable, report.Bytes, file.SizeBytes))
	}

	if err := tmpFile.Sync(); err != nil {
		return report, opError(op, fileID, -1, fmt.Errorf("failed to sync staging file: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		return report, opError(op, fileID, -1, fmt.Errorf("failed to close staging file: %w", err))
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		_ = os.Remove(tmpPath)
		return report, opError(op, fileID, -1, fmt.Errorf("failed to publish output: %w", err))
	}
	committed = true

	if m.config.Verbose {
		logs.Infof("Reconstructed %s: %d block(s), %d bytes, %d fallback(s)",
			fileID, report.Blocks, report.Bytes, len(report.Fallbacks))
	}
	return report, nil
}

func expectedBlocks(size int64) int {
	return int((size + chunker.BlockSize - 1) / chunker.BlockSize)
}
