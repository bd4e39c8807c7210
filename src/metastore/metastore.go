package metastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrFileExists    = errors.New("file record already exists")
	ErrFileNotFound  = errors.New("file record not found")
	ErrFileHasBlocks = errors.New("file record still has block records")
	ErrBlockNotFound = errors.New("block record not found")
)

// File is the logical file a set of blocks belongs to.
type File struct {
	ID         string
	Filename   string
	SizeBytes  int64
	OwnerID    string
	UploadedAt time.Time
}

// Block records one stored copy of one block. Rank is the copy's position
// in the placement selection: 0 for the primary, 1.. for replicas.
type Block struct {
	FileID    string
	Index     uint32
	NodeID    string
	SizeBytes int64
	Checksum  string
	IsReplica bool
	ReplicaOf uint32 // block index the replica duplicates; meaningful only when IsReplica
	Rank      uint32
	Location  string
}

func (b Block) String() string {
	kind := "primary"
	if b.IsReplica {
		kind = fmt.Sprintf("replica %d", b.Rank)
	}
	return fmt.Sprintf("%s[%d] %s on %s", b.FileID, b.Index, kind, b.NodeID)
}

// Store is the record repository for files and block copies.
type Store interface {
	CreateFile(ctx context.Context, f File) error
	GetFile(ctx context.Context, id string) (File, error)
	ListFiles(ctx context.Context) ([]File, error)
	// DeleteFile fails with ErrFileHasBlocks while block records remain.
	DeleteFile(ctx context.Context, id string) error

	// PutBlocks commits every record or none of them.
	PutBlocks(ctx context.Context, blocks []Block) error
	// FileBlocks returns all copies ordered by index then rank.
	FileBlocks(ctx context.Context, fileID string) ([]Block, error)
	DeleteBlock(ctx context.Context, b Block) error

	// UsageByNode sums SizeBytes of every record grouped by node.
	UsageByNode(ctx context.Context) (map[string]int64, error)
	Close() error
}

// SortBlocks orders records by index then rank.
func SortBlocks(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Index != blocks[j].Index {
			return blocks[i].Index < blocks[j].Index
		}
		return blocks[i].Rank < blocks[j].Rank
	})
}

// Primaries filters the primary records, ordered by index.
func Primaries(blocks []Block) []Block {
	var out []Block
	for _, b := range blocks {
		if !b.IsReplica {
			out = append(out, b)
		}
	}
	SortBlocks(out)
	return out
}

// ReplicasOf returns the replica records of one block index, ordered by rank.
func ReplicasOf(blocks []Block, index uint32) []Block {
	var out []Block
	for _, b := range blocks {
		if b.IsReplica && b.ReplicaOf == index {
			out = append(out, b)
		}
	}
	SortBlocks(out)
	return out
}
