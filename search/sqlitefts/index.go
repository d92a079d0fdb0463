// Package sqlitefts implements the search index on SQLite FTS5. It
// lives in its own database file, separate from the durable checkpoint
// store, and is eventually consistent with it by construction.
package sqlitefts

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

	"github.com/convograph/statekit/search"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 10

type Index struct {
	db *sql.DB
}

func New(path string) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("search index path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create search index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open search index db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize search index schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (i *Index) Index(ctx context.Context, doc search.Document) error {
	if doc.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = time.Now().UTC()
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	metaRaw, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal document metadata: %w", err)
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsertQ = `
INSERT INTO documents (thread_id, tenant_id, session_id, intent, paused_at, resolved, awaiting_input, messages, metadata, indexed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  tenant_id=excluded.tenant_id,
  session_id=excluded.session_id,
  intent=excluded.intent,
  paused_at=excluded.paused_at,
  resolved=excluded.resolved,
  awaiting_input=excluded.awaiting_input,
  messages=excluded.messages,
  metadata=excluded.metadata,
  indexed_at=excluded.indexed_at;
`
	_, err = tx.ExecContext(
		ctx,
		upsertQ,
		doc.ThreadID,
		doc.TenantID,
		doc.SessionID,
		doc.Intent,
		doc.PausedAt,
		boolToInt(doc.Resolved),
		boolToInt(doc.AwaitingInput),
		doc.Messages,
		string(metaRaw),
		doc.IndexedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE thread_id = ?;`, doc.ThreadID); err != nil {
		return fmt.Errorf("failed to clear document text: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents_fts (thread_id, messages) VALUES (?, ?);`, doc.ThreadID, doc.Messages); err != nil {
		return fmt.Errorf("failed to index document text: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index write: %w", err)
	}
	return nil
}

func (i *Index) Search(ctx context.Context, query search.Query) ([]search.Document, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var (
		where []string
		args  []any
	)
	sqlText := `
SELECT d.thread_id, d.tenant_id, d.session_id, d.intent, d.paused_at, d.resolved, d.awaiting_input, d.messages, d.metadata, d.indexed_at
FROM documents d
`
	order := " ORDER BY d.indexed_at DESC"
	if strings.TrimSpace(query.Text) != "" {
		sqlText = `
SELECT d.thread_id, d.tenant_id, d.session_id, d.intent, d.paused_at, d.resolved, d.awaiting_input, d.messages, d.metadata, d.indexed_at
FROM documents_fts
JOIN documents d ON d.thread_id = documents_fts.thread_id
`
		where = append(where, "documents_fts MATCH ?")
		args = append(args, ftsQuery(query.Text))
		order = " ORDER BY bm25(documents_fts)"
	}
	if query.TenantID != "" {
		where = append(where, "d.tenant_id = ?")
		args = append(args, query.TenantID)
	}
	if query.Intent != "" {
		where = append(where, "d.intent = ?")
		args = append(args, query.Intent)
	}
	if query.Resolved != nil {
		where = append(where, "d.resolved = ?")
		args = append(args, boolToInt(*query.Resolved))
	}
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += order + " LIMIT ?;"
	args = append(args, limit)

	rows, err := i.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	defer rows.Close()

	out := make([]search.Document, 0, limit)
	for rows.Next() {
		var (
			doc           search.Document
			resolved      int
			awaitingInput int
			metaRaw       string
			indexedAtRaw  string
		)
		if err := rows.Scan(
			&doc.ThreadID,
			&doc.TenantID,
			&doc.SessionID,
			&doc.Intent,
			&doc.PausedAt,
			&resolved,
			&awaitingInput,
			&doc.Messages,
			&metaRaw,
			&indexedAtRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		doc.Resolved = resolved != 0
		doc.AwaitingInput = awaitingInput != 0
		if err := json.Unmarshal([]byte(metaRaw), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode document metadata: %w", err)
		}
		indexedAt, err := time.Parse(time.RFC3339Nano, indexedAtRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse document indexed_at: %w", err)
		}
		doc.IndexedAt = indexedAt.UTC()
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return out, nil
}

func (i *Index) Ping(ctx context.Context) error {
	if i.db == nil {
		return errors.New("search index is closed")
	}
	return i.db.PingContext(ctx)
}

func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

// ftsQuery quotes each term so user input cannot inject FTS5 query
// syntax, and ANDs the terms (match-all semantics).
func ftsQuery(text string) string {
	terms := strings.Fields(text)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " AND ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
