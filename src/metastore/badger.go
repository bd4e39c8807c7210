package metastore

import (
	"context"
	"errors"
	"fmt"

	logs "github.com/danmuck/smplog"
	badger "github.com/dgraph-io/badger/v4"
)

const (
	filePrefix  = "file/"
	blockPrefix = "block/"
)

func fileKey(id string) []byte {
	return []byte(filePrefix + id)
}

func fileBlocksPrefix(fileID string) []byte {
	return []byte(blockPrefix + fileID + "/")
}

// index and rank are zero padded so iteration order matches SortBlocks.
func blockKey(b Block) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d/%05d/%s", blockPrefix, b.FileID, b.Index, b.Rank, b.NodeID))
}

// Badger is a Store backed by an embedded badger database.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger metastore: %w", err)
	}
	return &Badger{db: db}, nil
}

func (s *Badger) CreateFile(_ context.Context, f File) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := fileKey(f.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrFileExists, f.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, encodeFile(f))
	})
}

func (s *Badger) GetFile(_ context.Context, id string) (File, error) {
	var f File
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			f, err = decodeFile(val)
			return err
		})
	})
	return f, err
}

func (s *Badger) ListFiles(_ context.Context) ([]File, error) {
	var out []File
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, []byte(filePrefix), func(val []byte) error {
			f, err := decodeFile(val)
			if err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	return out, err
}

func (s *Badger) DeleteFile(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := fileKey(id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, id)
		} else if err != nil {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: fileBlocksPrefix(id)})
		prefix := fileBlocksPrefix(id)
		it.Seek(prefix)
		remaining := it.ValidForPrefix(prefix)
		it.Close()
		if remaining {
			return fmt.Errorf("%w: %s", ErrFileHasBlocks, id)
		}
		return txn.Delete(key)
	})
}

func (s *Badger) PutBlocks(_ context.Context, blocks []Block) error {
	return s.db.Update(func(txn *badger.Txn) error {
		checked := make(map[string]bool)
		for _, b := range blocks {
			if !checked[b.FileID] {
				if _, err := txn.Get(fileKey(b.FileID)); errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("%w: %s", ErrFileNotFound, b.FileID)
				} else if err != nil {
					return err
				}
				checked[b.FileID] = true
			}
			if err := txn.Set(blockKey(b), encodeBlock(b)); err != nil {
				return fmt.Errorf("failed to stage %s: %w", b, err)
			}
		}
		return nil
	})
}

func (s *Badger) FileBlocks(_ context.Context, fileID string) ([]Block, error) {
	var out []Block
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, fileBlocksPrefix(fileID), func(val []byte) error {
			b, err := decodeBlock(val)
			if err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	SortBlocks(out)
	return out, err
}

func (s *Badger) DeleteBlock(_ context.Context, b Block) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := blockKey(b)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrBlockNotFound, b)
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *Badger) UsageByNode(_ context.Context) (map[string]int64, error) {
	usage := make(map[string]int64)
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, []byte(blockPrefix), func(val []byte) error {
			b, err := decodeBlock(val)
			if err != nil {
				return err
			}
			usage[b.NodeID] += b.SizeBytes
			return nil
		})
	})
	return usage, err
}

func (s *Badger) Close() error {
	return s.db.Close()
}

func iteratePrefix(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// badgerLogger routes badger's internal logging through smplog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logs.Errorf(fmt.Errorf(format, args...), "badger")
}

func (badgerLogger) Warningf(format string, args ...any) {
	logs.Warnf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...any) {
	logs.Debugf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...any) {
	logs.Debugf("badger: "+format, args...)
}
