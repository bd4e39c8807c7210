package metastore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
)

func newMockSQL(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sql expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewSQL(db), mock
}

func TestSQLMigrate(t *testing.T) {
	s, mock := newMockSQL(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS files").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS blocks").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
}

func TestSQLCreateFile(t *testing.T) {
	f := testFile("f1")

	t.Run("inserted", func(t *testing.T) {
		s, mock := newMockSQL(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO files")).
			WithArgs(f.ID, f.Filename, f.SizeBytes, f.OwnerID, f.UploadedAt.UnixNano()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		if err := s.CreateFile(context.Background(), f); err != nil {
			t.Fatalf("CreateFile failed: %v", err)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		s, mock := newMockSQL(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO files")).
			WillReturnError(&mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"})
		if err := s.CreateFile(context.Background(), f); !errors.Is(err, ErrFileExists) {
			t.Fatalf("expected ErrFileExists, got %v", err)
		}
	})
}

func TestSQLGetFile(t *testing.T) {
	s, mock := newMockSQL(t)
	uploaded := time.Unix(1700000000, 0)
	cols := []string{"id", "filename", "size_bytes", "owner_id", "uploaded_at"}

	mock.ExpectQuery("SELECT id, filename, size_bytes, owner_id, uploaded_at FROM files WHERE id = \\?").
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("f1", "a.bin", int64(10), "u1", uploaded.UnixNano()))
	mock.ExpectQuery("SELECT id, filename, size_bytes, owner_id, uploaded_at FROM files WHERE id = \\?").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(cols))

	got, err := s.GetFile(context.Background(), "f1")
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.Filename != "a.bin" || !got.UploadedAt.Equal(uploaded) {
		t.Fatalf("GetFile = %+v", got)
	}
	if _, err := s.GetFile(context.Background(), "nope"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestSQLPutBlocksTransaction(t *testing.T) {
	blocks := testBlocks("f1")

	fileCheck := regexp.QuoteMeta("SELECT 1 FROM files WHERE id = ? FOR UPDATE")

	t.Run("commit", func(t *testing.T) {
		s, mock := newMockSQL(t)
		mock.ExpectBegin()
		mock.ExpectQuery(fileCheck).WithArgs("f1").
			WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
		prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO blocks"))
		for _, b := range blocks {
			prep.ExpectExec().
				WithArgs(b.FileID, b.Index, b.NodeID, b.SizeBytes, b.Checksum, b.IsReplica, b.ReplicaOf, b.Rank, b.Location).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()

		if err := s.PutBlocks(context.Background(), blocks); err != nil {
			t.Fatalf("PutBlocks failed: %v", err)
		}
	})

	t.Run("unknown file", func(t *testing.T) {
		s, mock := newMockSQL(t)
		mock.ExpectBegin()
		mock.ExpectQuery(fileCheck).WithArgs("f1").
			WillReturnRows(sqlmock.NewRows([]string{"1"}))
		mock.ExpectRollback()

		if err := s.PutBlocks(context.Background(), blocks); !errors.Is(err, ErrFileNotFound) {
			t.Fatalf("expected ErrFileNotFound, got %v", err)
		}
	})

	t.Run("rollback on failure", func(t *testing.T) {
		s, mock := newMockSQL(t)
		mock.ExpectBegin()
		mock.ExpectQuery(fileCheck).WithArgs("f1").
			WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
		prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO blocks"))
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		if err := s.PutBlocks(context.Background(), blocks); err == nil {
			t.Fatal("expected PutBlocks to fail")
		}
	})
}

func TestSQLDeleteFileGuardsBlocks(t *testing.T) {
	s, mock := newMockSQL(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM blocks WHERE file_id = ?")).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	if err := s.DeleteFile(context.Background(), "f1"); !errors.Is(err, ErrFileHasBlocks) {
		t.Fatalf("expected ErrFileHasBlocks, got %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM blocks WHERE file_id = ?")).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM files WHERE id = ?")).
		WithArgs("f1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.DeleteFile(context.Background(), "f1"); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
}

func TestSQLDeleteBlockMissing(t *testing.T) {
	s, mock := newMockSQL(t)
	b := testBlocks("f1")[0]
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM blocks")).
		WithArgs(b.FileID, b.Index, b.NodeID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.DeleteBlock(context.Background(), b); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestSQLFileBlocksAndUsage(t *testing.T) {
	s, mock := newMockSQL(t)
	cols := []string{"file_id", "block_index", "node_id", "size_bytes", "checksum", "is_replica", "replica_of", "replica_rank", "storage_location"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM blocks WHERE file_id = ? ORDER BY block_index, replica_rank")).
		WithArgs("f1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("f1", int64(0), "n1", int64(1024), "c0", false, int64(0), int64(0), "vdisk://n1/f1_block_0").
			AddRow("f1", int64(0), "n2", int64(1024), "c0", true, int64(0), int64(1), "vdisk://n2/f1_block_0"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT node_id, COALESCE(SUM(size_bytes), 0) FROM blocks GROUP BY node_id")).
		WillReturnRows(sqlmock.NewRows([]string{"node_id", "used"}).
			AddRow("n1", int64(1024)).
			AddRow("n2", int64(1024)))

	blocks, err := s.FileBlocks(context.Background(), "f1")
	if err != nil {
		t.Fatalf("FileBlocks failed: %v", err)
	}
	if len(blocks) != 2 || !blocks[1].IsReplica || blocks[1].Rank != 1 || blocks[0].Location != "vdisk://n1/f1_block_0" {
		t.Fatalf("FileBlocks = %+v", blocks)
	}

	usage, err := s.UsageByNode(context.Background())
	if err != nil {
		t.Fatalf("UsageByNode failed: %v", err)
	}
	if usage["n1"] != 1024 || usage["n2"] != 1024 {
		t.Fatalf("UsageByNode = %v", usage)
	}
}
