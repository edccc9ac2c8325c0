package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	"github.com/viterin/vek/vek32"
)

// DedupLogEntry records one suppression event. Entries are consumed at
// most once: Undo restores the suppressed record and marks the entry
// resolved, and later undo attempts report "already restored".
type DedupLogEntry struct {
	ID          string     `json:"id"` // ULID, time-sortable
	Scope       string     `json:"scope"`
	Type        MemoryType `json:"memory_type"`
	Content     string     `json:"content"`
	DuplicateOf string     `json:"duplicate_of"`
	Suppressed  []byte     `json:"suppressed"` // serialized candidate record
	Resolved    bool       `json:"resolved"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DedupConfig tunes duplicate detection.
type DedupConfig struct {
	// Threshold is the cosine similarity at or above which two records
	// in the same bucket count as duplicates.
	Threshold float64

	// BucketLimit caps how many recent records in the same
	// (type, user, group) bucket a candidate is compared against.
	BucketLimit int
}

// DefaultDedupConfig returns the default dedup tuning.
var DefaultDedupConfig = &DedupConfig{
	Threshold:   0.92,
	BucketLimit: 64,
}

// DedupResult is the outcome of a dedup check.
type DedupResult struct {
	Accepted    bool
	LogEntryID  string
	DuplicateOf string
}

// Deduper detects near-duplicate records before they are written.
//
// Duplicate rule: within the candidate's (type, user, group) bucket,
// normalized-content equality always counts as a duplicate; otherwise,
// when both sides carry embeddings, cosine similarity at or above the
// configured threshold does.
type Deduper struct {
	rel RelationalStore
	log DedupLog
	cfg *DedupConfig
}

// NewDeduper creates a deduper over the relational store and log.
func NewDeduper(rel RelationalStore, dlog DedupLog, cfg *DedupConfig) *Deduper {
	if cfg == nil {
		cfg = DefaultDedupConfig
	}
	return &Deduper{rel: rel, log: dlog, cfg: cfg}
}

// CheckAndSuppress compares a candidate against its bucket. When a
// duplicate is found, the candidate is suppressed: no write happens and
// a reversible log entry is created instead.
func (d *Deduper) CheckAndSuppress(ctx context.Context, candidate *Record) (*DedupResult, error) {
	rows, err := d.rel.ListBucket(ctx, candidate.Type, candidate.UserID, candidate.GroupID, d.cfg.BucketLimit)
	if err != nil {
		return nil, storageErr("dedup bucket scan", err)
	}

	norm := normalizeContent(candidate.Content)
	for _, row := range rows {
		if !d.isDuplicate(candidate, norm, row) {
			continue
		}
		entry, err := d.suppress(ctx, candidate, row.ID)
		if err != nil {
			return nil, err
		}
		return &DedupResult{
			Accepted:    false,
			LogEntryID:  entry.ID,
			DuplicateOf: row.ID,
		}, nil
	}
	return &DedupResult{Accepted: true}, nil
}

func (d *Deduper) isDuplicate(candidate *Record, candidateNorm string, row *Row) bool {
	if candidateNorm != "" && normalizeContent(row.Content) == candidateNorm {
		return true
	}
	if len(candidate.Embedding) == 0 {
		return false
	}
	existing, err := row.Record()
	if err != nil || len(existing.Embedding) != len(candidate.Embedding) {
		return false
	}
	return cosineSimilarity(candidate.Embedding, existing.Embedding) >= d.cfg.Threshold
}

func (d *Deduper) suppress(ctx context.Context, candidate *Record, duplicateOf string) (*DedupLogEntry, error) {
	blob, err := candidate.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("serialize suppressed record: %w", err)
	}
	entry := &DedupLogEntry{
		ID:          ulid.Make().String(),
		Scope:       candidate.GroupID,
		Type:        candidate.Type,
		Content:     candidate.Content,
		DuplicateOf: duplicateOf,
		Suppressed:  blob,
		CreatedAt:   time.Now(),
	}
	if err := d.log.InsertEntry(ctx, entry); err != nil {
		return nil, storageErr("dedup log insert", err)
	}
	log.Printf("[DEDUP] Suppressed %s record in scope %q as duplicate of %s", candidate.Type, candidate.GroupID, duplicateOf)
	return entry, nil
}

// UndoResult is the outcome of a dedup undo.
type UndoResult struct {
	Restored   bool
	RestoredID string
}

// ListDedupLog returns suppression entries for a scope, newest first.
func (m *Manager) ListDedupLog(ctx context.Context, scope string, limit int) ([]*DedupLogEntry, error) {
	if m.deduper == nil {
		return nil, fmt.Errorf("%w: dedup is not enabled", ErrInvalidArgument)
	}
	entries, err := m.deduper.log.ListEntries(ctx, scope, limit)
	if err != nil {
		return nil, storageErr("dedup log list", err)
	}
	return entries, nil
}

// UndoDedup restores the record suppressed by a log entry and marks the
// entry resolved. The claim is atomic, so concurrent undos of the same
// entry let exactly one caller restore; every later call (and an
// already-resolved entry) reports Restored=false. A nonexistent id also
// reports Restored=false rather than failing, keeping undo idempotent.
func (m *Manager) UndoDedup(ctx context.Context, entryID string) (*UndoResult, error) {
	if m.deduper == nil {
		return nil, fmt.Errorf("%w: dedup is not enabled", ErrInvalidArgument)
	}

	entry, err := m.deduper.log.GetEntry(ctx, entryID)
	if err != nil {
		if IsNotFound(err) {
			return &UndoResult{Restored: false}, nil
		}
		return nil, storageErr("dedup log get", err)
	}

	claimed, err := m.deduper.log.ClaimEntry(ctx, entryID)
	if err != nil {
		return nil, storageErr("dedup log claim", err)
	}
	if !claimed {
		log.Printf("[DEDUP] Entry %s already restored", entryID)
		return &UndoResult{Restored: false}, nil
	}

	var rec Record
	if err := json.Unmarshal(entry.Suppressed, &rec); err != nil {
		return nil, fmt.Errorf("decode suppressed record: %w", err)
	}
	rec.UpdatedAt = time.Now()

	if err := m.writeRecord(ctx, &rec); err != nil {
		return nil, err
	}
	log.Printf("[DEDUP] Restored suppressed record %s from entry %s", rec.ID, entryID)
	return &UndoResult{Restored: true, RestoredID: rec.ID}, nil
}

// normalizeContent lowercases, strips punctuation, and collapses
// whitespace so trivially reworded copies compare equal.
func normalizeContent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// cosineSimilarity returns the cosine of two vectors, treating the NaN
// produced by zero vectors as 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	sim := vek32.CosineSimilarity(a, b)
	if math.IsNaN(float64(sim)) {
		return 0
	}
	return float64(sim)
}
