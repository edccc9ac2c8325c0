// Package sqlite implements the engine's relational store and dedup
// log on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prizm-ai/prizm-memory/memory"
)

// Store is the SQLite-backed record of truth. It implements both
// memory.RelationalStore and memory.DedupLog.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) a SQLite database at the given path and
// initializes the schema.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Printf("[SQLITE] Memory store opened at %s", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id          TEXT PRIMARY KEY,
			memory_type TEXT NOT NULL,
			content     TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			group_id    TEXT,
			metadata    BLOB NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_group ON memories(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_bucket ON memories(memory_type, user_id, group_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS dedup_log (
			id           TEXT PRIMARY KEY,
			scope        TEXT NOT NULL,
			memory_type  TEXT NOT NULL,
			content      TEXT NOT NULL,
			duplicate_of TEXT NOT NULL,
			suppressed   BLOB NOT NULL,
			resolved     INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dedup_scope ON dedup_log(scope, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// Insert writes one row. group_id is stored as NULL for the user layer.
func (s *Store) Insert(ctx context.Context, row *memory.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, memory_type, content, user_id, group_id, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, string(row.Type), row.Content, row.UserID, nullable(row.GroupID),
		row.Metadata, row.CreatedAt.UnixNano(), row.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", row.ID, err)
	}
	return nil
}

// Get fetches one row by id.
func (s *Store) Get(ctx context.Context, id string) (*memory.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, memory_type, content, user_id, group_id, metadata, created_at, updated_at
		 FROM memories WHERE id = ?`, id)
	rec, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, memory.ErrNotFound)
	}
	return rec, err
}

// ListByUser returns the user's rows, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*memory.Row, error) {
	return s.listRows(ctx,
		`SELECT id, memory_type, content, user_id, group_id, metadata, created_at, updated_at
		 FROM memories WHERE user_id = ? ORDER BY created_at DESC`,
		[]any{userID}, limit)
}

// ListByGroup returns rows addressed to an exact group, newest first.
// An empty userID matches all users; an empty groupID is the user layer
// (group_id IS NULL).
func (s *Store) ListByGroup(ctx context.Context, userID, groupID string, limit int) ([]*memory.Row, error) {
	where, args := groupClause(groupID)
	if userID != "" {
		where = "user_id = ? AND " + where
		args = append([]any{userID}, args...)
	}
	return s.listRows(ctx,
		`SELECT id, memory_type, content, user_id, group_id, metadata, created_at, updated_at
		 FROM memories WHERE `+where+` ORDER BY created_at DESC`,
		args, limit)
}

// ListByGroupPrefix returns rows whose group id equals prefix or begins
// with "prefix:", newest first.
func (s *Store) ListByGroupPrefix(ctx context.Context, userID, prefix string, limit int) ([]*memory.Row, error) {
	where := `(group_id = ? OR group_id LIKE ? ESCAPE '\')`
	args := []any{prefix, escapeLike(prefix) + ":%"}
	if userID != "" {
		where = "user_id = ? AND " + where
		args = append([]any{userID}, args...)
	}
	return s.listRows(ctx,
		`SELECT id, memory_type, content, user_id, group_id, metadata, created_at, updated_at
		 FROM memories WHERE `+where+` ORDER BY created_at DESC`,
		args, limit)
}

// ListBucket returns the newest rows sharing a (type, user, group)
// address.
func (s *Store) ListBucket(ctx context.Context, t memory.MemoryType, userID, groupID string, limit int) ([]*memory.Row, error) {
	where, args := groupClause(groupID)
	args = append([]any{string(t), userID}, args...)
	return s.listRows(ctx,
		`SELECT id, memory_type, content, user_id, group_id, metadata, created_at, updated_at
		 FROM memories WHERE memory_type = ? AND user_id = ? AND `+where+` ORDER BY created_at DESC`,
		args, limit)
}

// SearchContent returns rows whose content contains any of the terms,
// scoped by the filter. Matching is a case-insensitive LIKE scan; the
// caller scores and ranks.
func (s *Store) SearchContent(ctx context.Context, filter memory.Filters, terms []string, limit int) ([]*memory.Row, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	var conds []string
	var args []any

	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.GroupID != "" {
		conds = append(conds, "group_id = ?")
		args = append(args, filter.GroupID)
	}
	if len(filter.Types) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Types))
		conds = append(conds, "memory_type IN ("+placeholders[:len(placeholders)-1]+")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}

	likes := make([]string, len(terms))
	for i, term := range terms {
		likes[i] = `content LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(term)+"%")
	}
	conds = append(conds, "("+strings.Join(likes, " OR ")+")")

	return s.listRows(ctx,
		`SELECT id, memory_type, content, user_id, group_id, metadata, created_at, updated_at
		 FROM memories WHERE `+strings.Join(conds, " AND ")+` ORDER BY created_at DESC`,
		args, limit)
}

// Delete removes one row. Returns false if the id did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteByGroup removes all rows addressed to the exact group in one
// statement and returns the count.
func (s *Store) DeleteByGroup(ctx context.Context, groupID string) (int, error) {
	where, args := groupClause(groupID)
	return s.deleteRows(ctx, `DELETE FROM memories WHERE `+where, args)
}

// DeleteByGroupPrefix removes all rows whose group id equals prefix or
// begins with "prefix:" and returns the count.
func (s *Store) DeleteByGroupPrefix(ctx context.Context, prefix string) (int, error) {
	return s.deleteRows(ctx,
		`DELETE FROM memories WHERE group_id = ? OR group_id LIKE ? ESCAPE '\'`,
		[]any{prefix, escapeLike(prefix) + ":%"})
}

// InsertEntry appends a dedup log entry.
func (s *Store) InsertEntry(ctx context.Context, e *memory.DedupLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup_log (id, scope, memory_type, content, duplicate_of, suppressed, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Scope, string(e.Type), e.Content, e.DuplicateOf, e.Suppressed,
		boolToInt(e.Resolved), e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert dedup entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry fetches one dedup log entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*memory.DedupLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, scope, memory_type, content, duplicate_of, suppressed, resolved, created_at
		 FROM dedup_log WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dedup entry %s: %w", id, memory.ErrNotFound)
	}
	return e, err
}

// ListEntries returns dedup log entries for a scope, newest first.
func (s *Store) ListEntries(ctx context.Context, scope string, limit int) ([]*memory.DedupLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, scope, memory_type, content, duplicate_of, suppressed, resolved, created_at
		 FROM dedup_log WHERE scope = ? ORDER BY created_at DESC`
	args := []any{scope}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dedup entries: %w", err)
	}
	defer rows.Close()

	var entries []*memory.DedupLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClaimEntry atomically marks an entry resolved. The conditional update
// makes the first caller win under concurrent undo.
func (s *Store) ClaimEntry(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE dedup_log SET resolved = 1 WHERE id = ? AND resolved = 0`, id)
	if err != nil {
		return false, fmt.Errorf("claim dedup entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) listRows(ctx context.Context, query string, args []any, limit int) ([]*memory.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []*memory.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) deleteRows(ctx context.Context, query string, args []any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*memory.Row, error) {
	var r memory.Row
	var memType string
	var groupID sql.NullString
	var createdAt, updatedAt int64

	if err := sc.Scan(&r.ID, &memType, &r.Content, &r.UserID, &groupID, &r.Metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Type = memory.MemoryType(memType)
	r.GroupID = groupID.String
	r.CreatedAt = time.Unix(0, createdAt)
	r.UpdatedAt = time.Unix(0, updatedAt)
	return &r, nil
}

func scanEntry(sc scanner) (*memory.DedupLogEntry, error) {
	var e memory.DedupLogEntry
	var memType string
	var resolved int
	var createdAt int64

	if err := sc.Scan(&e.ID, &e.Scope, &memType, &e.Content, &e.DuplicateOf, &e.Suppressed, &resolved, &createdAt); err != nil {
		return nil, err
	}
	e.Type = memory.MemoryType(memType)
	e.Resolved = resolved != 0
	e.CreatedAt = time.Unix(0, createdAt)
	return &e, nil
}

// groupClause builds the group filter; an empty group id is the user
// layer, stored as NULL.
func groupClause(groupID string) (string, []any) {
	if groupID == "" {
		return "group_id IS NULL", nil
	}
	return "group_id = ?", []any{groupID}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
