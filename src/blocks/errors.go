package blocks

import (
	"errors"
	"fmt"

	"github.com/danmuck/dps_cluster/src/registry"
)

var (
	ErrEmptyInput           = errors.New("input file is empty")
	ErrInsufficientCapacity = errors.New("insufficient cluster capacity")
	ErrNoNodesAvailable     = errors.New("no nodes available for placement")
	ErrBlockUnreadable      = errors.New("no copy of block could be read")
	ErrChecksumMismatch     = errors.New("no copy of block matches its checksum")
	ErrNodeNotEmpty         = registry.ErrNodeNotEmpty
)

// Error is returned by Manager operations. Err wraps one of the sentinels
// above or the underlying failure.
type Error struct {
	Op     string
	FileID string
	Index  int // -1 when the failure is not tied to one block
	Err    error
}

func (e *Error) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s %s: %v", e.Op, e.FileID, e.Err)
	}
	return fmt.Sprintf("%s %s block %d: %v", e.Op, e.FileID, e.Index, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op, fileID string, index int, err error) *Error {
	return &Error{Op: op, FileID: fileID, Index: index, Err: err}
}
