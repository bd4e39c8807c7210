package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	logs "github.com/danmuck/smplog"
	"github.com/go-sql-driver/mysql"
)

const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		filename VARCHAR(255) NOT NULL,
		size_bytes BIGINT NOT NULL,
		owner_id VARCHAR(64) NOT NULL,
		uploaded_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		file_id VARCHAR(64) NOT NULL,
		block_index INT UNSIGNED NOT NULL,
		node_id VARCHAR(64) NOT NULL,
		size_bytes BIGINT NOT NULL,
		checksum CHAR(32) NOT NULL,
		is_replica BOOLEAN NOT NULL,
		replica_of INT UNSIGNED NOT NULL,
		replica_rank INT UNSIGNED NOT NULL,
		storage_location VARCHAR(512) NOT NULL,
		PRIMARY KEY (file_id, block_index, node_id),
		INDEX idx_blocks_node (node_id),
		CONSTRAINT fk_blocks_file FOREIGN KEY (file_id) REFERENCES files (id)
	)`,
}

// SQL is a Store over a relational database reached through database/sql.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps an already opened handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// OpenMySQL opens dsn with the mysql driver, retrying the first ping with
// exponential backoff for up to maxWait, then creates the schema.
func OpenMySQL(ctx context.Context, dsn string, maxWait time.Duration) (*SQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql metastore: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait

	retryable := func() error {
		return db.PingContext(ctx)
	}
	notify := func(err error, wait time.Duration) {
		logs.Warnf("metastore ping failed, retrying in %s: %v", wait, err)
	}
	if err := backoff.RetryNotify(retryable, backoff.WithContext(b, ctx), notify); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach mysql metastore: %w", err)
	}

	s := NewSQL(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the files and blocks tables when missing.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply metastore schema: %w", err)
		}
	}
	return nil
}

func (s *SQL) CreateFile(ctx context.Context, f File) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, filename, size_bytes, owner_id, uploaded_at) VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.Filename, f.SizeBytes, f.OwnerID, f.UploadedAt.UnixNano())
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%w: %s", ErrFileExists, f.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert file %s: %w", f.ID, err)
	}
	return nil
}

func scanFile(row interface{ Scan(...any) error }) (File, error) {
	var f File
	var uploaded int64
	if err := row.Scan(&f.ID, &f.Filename, &f.SizeBytes, &f.OwnerID, &uploaded); err != nil {
		return File{}, err
	}
	f.UploadedAt = time.Unix(0, uploaded)
	return f, nil
}

func (s *SQL) GetFile(ctx context.Context, id string) (File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, filename, size_bytes, owner_id, uploaded_at FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	if err != nil {
		return File{}, fmt.Errorf("failed to load file %s: %w", id, err)
	}
	return f, nil
}

func (s *SQL) ListFiles(ctx context.Context) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, size_bytes, owner_id, uploaded_at FROM files ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteFile(ctx context.Context, id string) error {
	var remaining int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks WHERE file_id = ?`, id).Scan(&remaining); err != nil {
		return fmt.Errorf("failed to count blocks of %s: %w", id, err)
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %s", ErrFileHasBlocks, id)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	return nil
}

func (s *SQL) PutBlocks(ctx context.Context, blocks []Block) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin block commit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	checked := make(map[string]bool)
	for _, b := range blocks {
		if checked[b.FileID] {
			continue
		}
		var one int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ? FOR UPDATE`, b.FileID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: %s", ErrFileNotFound, b.FileID)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to check file %s: %w", b.FileID, err)
		}
		checked[b.FileID] = true
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO blocks (file_id, block_index, node_id, size_bytes, checksum, is_replica, replica_of, replica_rank, storage_location)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare block insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range blocks {
		if _, err = stmt.ExecContext(ctx, b.FileID, b.Index, b.NodeID, b.SizeBytes, b.Checksum,
			b.IsReplica, b.ReplicaOf, b.Rank, b.Location); err != nil {
			return fmt.Errorf("failed to insert %s: %w", b, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit blocks: %w", err)
	}
	return nil
}

func (s *SQL) FileBlocks(ctx context.Context, fileID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, block_index, node_id, size_bytes, checksum, is_replica, replica_of, replica_rank, storage_location
		 FROM blocks WHERE file_id = ? ORDER BY block_index, replica_rank`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks of %s: %w", fileID, err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.FileID, &b.Index, &b.NodeID, &b.SizeBytes, &b.Checksum,
			&b.IsReplica, &b.ReplicaOf, &b.Rank, &b.Location); err != nil {
			return nil, fmt.Errorf("failed to scan block row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteBlock(ctx context.Context, b Block) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE file_id = ? AND block_index = ? AND node_id = ?`,
		b.FileID, b.Index, b.NodeID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", b, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, b)
	}
	return nil
}

func (s *SQL) UsageByNode(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, COALESCE(SUM(size_bytes), 0) FROM blocks GROUP BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate node usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]int64)
	for rows.Next() {
		var node string
		var used int64
		if err := rows.Scan(&node, &used); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		usage[node] = used
	}
	return usage, rows.Err()
}

func (s *SQL) Close() error {
	return s.db.Close()
}
