// Package sqlite implements the durable checkpoint store on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/convograph/statekit/checkpoint"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
	maxIdleConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func WithMaxIdleConns(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxIdleConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
		maxIdleConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(s.maxIdleConn)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Ping reports live connectivity to the database file.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return checkpoint.ErrUnavailable
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", checkpoint.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, req checkpoint.PutRequest) (string, error) {
	if req.ThreadID == "" {
		return "", fmt.Errorf("thread_id is required")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	stateRaw, err := json.Marshal(req.State)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	metaRaw, err := json.Marshal(req.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", unavailable("begin put", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Latest means insertion order (rowid), not id order: a backward
	// clock step can mint a child id that sorts below its parent.
	const latestQ = `
SELECT checkpoint_id
FROM checkpoints
WHERE thread_id = ? AND namespace = ?
ORDER BY rowid DESC
LIMIT 1;
`
	latest := ""
	err = tx.QueryRowContext(ctx, latestQ, req.ThreadID, req.Namespace).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", unavailable("read latest for put", err)
	}
	if latest != req.Parent {
		return "", checkpoint.ErrConflict
	}

	id := checkpoint.NewID()
	const insertQ = `
INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, namespace, state, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	_, err = tx.ExecContext(
		ctx,
		insertQ,
		req.ThreadID,
		id,
		req.Parent,
		req.Namespace,
		string(stateRaw),
		string(metaRaw),
		req.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", checkpoint.ErrConflict
		}
		return "", unavailable("insert checkpoint", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return "", checkpoint.ErrConflict
		}
		return "", unavailable("commit checkpoint", err)
	}
	return id, nil
}

func (s *Store) GetLatest(ctx context.Context, threadID, namespace string) (checkpoint.Checkpoint, error) {
	if threadID == "" {
		return checkpoint.Checkpoint{}, fmt.Errorf("thread_id is required")
	}

	const q = `
SELECT thread_id, checkpoint_id, parent_checkpoint_id, namespace, state, metadata, created_at
FROM checkpoints
WHERE thread_id = ? AND namespace = ?
ORDER BY rowid DESC
LIMIT 1;
`
	row := s.db.QueryRowContext(ctx, q, threadID, namespace)
	cp, err := scanCheckpoint(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		if errors.Is(err, checkpoint.ErrCorrupt) {
			return checkpoint.Checkpoint{}, err
		}
		return checkpoint.Checkpoint{}, unavailable("load latest checkpoint", err)
	}
	return cp, nil
}

func (s *Store) GetHistory(ctx context.Context, threadID, namespace string, limit int) ([]checkpoint.Checkpoint, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT thread_id, checkpoint_id, parent_checkpoint_id, namespace, state, metadata, created_at
FROM checkpoints
WHERE thread_id = ? AND namespace = ?
ORDER BY rowid DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, threadID, namespace, limit)
	if err != nil {
		return nil, unavailable("list checkpoints", err)
	}
	defer rows.Close()

	out := make([]checkpoint.Checkpoint, 0, limit)
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate checkpoints", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanCheckpoint(scan func(dest ...any) error) (checkpoint.Checkpoint, error) {
	var (
		cp           checkpoint.Checkpoint
		stateRaw     string
		metaRaw      string
		createdAtRaw string
	)
	if err := scan(
		&cp.ThreadID,
		&cp.CheckpointID,
		&cp.ParentCheckpointID,
		&cp.Namespace,
		&stateRaw,
		&metaRaw,
		&createdAtRaw,
	); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(stateRaw), &cp.State); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: checkpoint %s state: %v", checkpoint.ErrCorrupt, cp.CheckpointID, err)
	}
	if err := json.Unmarshal([]byte(metaRaw), &cp.Metadata); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: checkpoint %s metadata: %v", checkpoint.ErrCorrupt, cp.CheckpointID, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: checkpoint %s created_at: %v", checkpoint.ErrCorrupt, cp.CheckpointID, err)
	}
	cp.CreatedAt = createdAt.UTC()
	return cp, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", checkpoint.ErrUnavailable, op, err)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
