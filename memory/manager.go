package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/prizm-ai/prizm-memory/core"
)

// Manager is the memory engine's public surface: ingestion with
// scene-conditional routing, retrieval, dedup undo, listing, deletion,
// and vector backfill.
//
// The relational store is the record of truth; the vector store is a
// secondary index that EnsureIndexed can rebuild.
type Manager struct {
	rel        RelationalStore
	vec        VectorStore
	extractors map[MemoryType]Extractor
	embedder   Embedder       // required for vector/hybrid/agentic retrieval
	expander   QueryExpander  // optional: agentic retrieval
	reranker   Reranker       // optional: rerank flag
	deduper    *Deduper       // optional: nil disables dedup
	config     *Config
	expansions *lru.Cache[string, []string]
}

// Option configures the manager.
type Option func(*Manager)

// WithExtractors injects the per-type extractor map. Types without an
// extractor are skipped at ingestion, not errors.
func WithExtractors(extractors map[MemoryType]Extractor) Option {
	return func(m *Manager) {
		m.extractors = extractors
	}
}

// WithEmbedder sets the embedding capability. Records without an
// extractor-provided embedding are embedded from their display content;
// vector, hybrid and agentic retrieval require it.
func WithEmbedder(e Embedder) Option {
	return func(m *Manager) {
		m.embedder = e
	}
}

// WithExpander sets the query-expansion capability used by agentic
// retrieval.
func WithExpander(e QueryExpander) Option {
	return func(m *Manager) {
		m.expander = e
	}
}

// WithReranker sets the reranking capability. Without it the rerank
// flag is a no-op.
func WithReranker(r Reranker) Option {
	return func(m *Manager) {
		m.reranker = r
	}
}

// WithDedup enables near-duplicate suppression backed by the given log.
func WithDedup(dlog DedupLog, cfg *DedupConfig) Option {
	return func(m *Manager) {
		m.deduper = NewDeduper(m.rel, dlog, cfg)
	}
}

// WithConfig overrides the default configuration.
func WithConfig(cfg *Config) Option {
	return func(m *Manager) {
		if cfg != nil {
			m.config = cfg
		}
	}
}

// NewManager creates a manager over the two stores.
func NewManager(rel RelationalStore, vec VectorStore, opts ...Option) *Manager {
	m := &Manager{
		rel:    rel,
		vec:    vec,
		config: DefaultConfig,
	}
	for _, opt := range opts {
		opt(m)
	}
	// Size is fixed; New only fails on a non-positive size.
	m.expansions, _ = lru.New[string, []string](128)
	return m
}

// ProcessUnit runs extraction for a raw unit and persists the results.
//
// Extraction fans out per applicable memory type; each branch is
// independently fault-isolated, so a failing, panicking, or timed-out
// extractor only costs its own records. The call fails only when the
// unit itself is missing.
func (m *Manager) ProcessUnit(ctx context.Context, unit *core.MemCell, rc *core.RoutingContext) error {
	if unit == nil {
		return fmt.Errorf("%w: nil unit", ErrInvalidArgument)
	}
	if unit.EventID == "" {
		unit.EventID = uuid.New().String()
	}
	// Routing context is authoritative over whatever the unit carried.
	if rc != nil {
		unit.UserID = rc.UserID
	}

	var wg sync.WaitGroup
	for _, t := range TypesFor(unit) {
		ext, ok := m.extractors[t]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(t MemoryType, ext Extractor) {
			defer wg.Done()
			m.runExtraction(ctx, t, ext, unit, rc)
		}(t, ext)
	}
	wg.Wait()
	return nil
}

// runExtraction executes one extractor branch. Records within a branch
// are processed sequentially.
func (m *Manager) runExtraction(ctx context.Context, t MemoryType, ext Extractor, unit *core.MemCell, rc *core.RoutingContext) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[MEMORY] Extractor %s panicked on event %s: %v", t, unit.EventID, r)
		}
	}()

	ectx, cancel := context.WithTimeout(ctx, m.config.ExtractTimeout)
	defer cancel()

	records, err := ext.Extract(ectx, unit)
	if err != nil {
		log.Printf("[MEMORY] Extractor %s failed on event %s: %v", t, unit.EventID, err)
		return
	}

	for _, rec := range records {
		if rec == nil || (rec.Content == "" && rec.Payload == nil) {
			continue
		}
		if err := m.ingestRecord(ctx, t, rec, unit, rc); err != nil {
			log.Printf("[MEMORY] Failed to ingest %s record for event %s: %v", t, unit.EventID, err)
		}
	}
}

// ingestRecord addresses, dedups, and dual-writes one extracted record.
func (m *Manager) ingestRecord(ctx context.Context, t MemoryType, rec *Record, unit *core.MemCell, rc *core.RoutingContext) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.Type = t
	if rc != nil {
		rec.UserID = rc.UserID
	} else if rec.UserID == "" {
		rec.UserID = unit.UserID
	}
	rec.GroupID = GroupIDFor(t, unit, rc)

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Content = rec.DisplayContent()

	if len(rec.Embedding) == 0 && m.embedder != nil && rec.Content != "" {
		emb, err := m.embedder.Embed(ctx, rec.Content)
		if err != nil {
			// Stays keyword-searchable; EnsureIndexed cannot help here
			// because no embedding was stored.
			log.Printf("[MEMORY] Failed to embed %s record %s: %v", t, rec.ID, err)
		} else {
			rec.Embedding = emb
		}
	}

	if m.deduper != nil {
		res, err := m.deduper.CheckAndSuppress(ctx, rec)
		if err != nil {
			log.Printf("[MEMORY] Dedup check failed for record %s, accepting: %v", rec.ID, err)
		} else if !res.Accepted {
			log.Printf("[MEMORY] Suppressed duplicate of %s (log entry %s)", res.DuplicateOf, res.LogEntryID)
			return nil
		}
	}

	return m.writeRecord(ctx, rec)
}

// writeRecord performs the dual write. The relational insert is
// authoritative; a vector failure is logged and left for EnsureIndexed.
func (m *Manager) writeRecord(ctx context.Context, rec *Record) error {
	row, err := rowFromRecord(rec)
	if err != nil {
		return err
	}
	if err := m.rel.Insert(ctx, row); err != nil {
		return storageErr("relational insert", err)
	}
	if len(rec.Embedding) > 0 {
		if err := m.vec.Upsert(ctx, rec); err != nil {
			log.Printf("[MEMORY] Vector upsert failed for record %s (recoverable via EnsureIndexed): %v", rec.ID, err)
		}
	}
	return nil
}

func rowFromRecord(rec *Record) (*Row, error) {
	blob, err := rec.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("serialize record %s: %w", rec.ID, err)
	}
	return &Row{
		ID:        rec.ID,
		Type:      rec.Type,
		Content:   rec.Content,
		UserID:    rec.UserID,
		GroupID:   rec.GroupID,
		Metadata:  blob,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// ListByUser returns the user's records across all layers, newest first.
func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	rows, err := m.rel.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, storageErr("list by user", err)
	}
	return recordsFromRows(rows), nil
}

// ListByGroup returns the user's records addressed to an exact group.
func (m *Manager) ListByGroup(ctx context.Context, userID, groupID string, limit int) ([]*Record, error) {
	rows, err := m.rel.ListByGroup(ctx, userID, groupID, limit)
	if err != nil {
		return nil, storageErr("list by group", err)
	}
	return recordsFromRows(rows), nil
}

// ListByGroupPrefix returns records whose group id equals prefix or
// begins with "prefix:". Useful for inspecting a scope together with
// its docs and session sublayers.
func (m *Manager) ListByGroupPrefix(ctx context.Context, userID, prefix string, limit int) ([]*Record, error) {
	rows, err := m.rel.ListByGroupPrefix(ctx, userID, prefix, limit)
	if err != nil {
		return nil, storageErr("list by group prefix", err)
	}
	return recordsFromRows(rows), nil
}

func recordsFromRows(rows []*Row) []*Record {
	records := make([]*Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.Record()
		if err != nil {
			log.Printf("[MEMORY] Skipping row %s: %v", row.ID, err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

// DeleteRecord removes one record from both stores. Returns false when
// the id does not exist.
func (m *Manager) DeleteRecord(ctx context.Context, id string) (bool, error) {
	row, err := m.rel.Get(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, storageErr("get record", err)
	}
	if err := m.vec.Delete(ctx, row.Type, id); err != nil {
		log.Printf("[MEMORY] Vector delete failed for record %s: %v", id, err)
	}
	deleted, err := m.rel.Delete(ctx, id)
	if err != nil {
		return false, storageErr("delete record", err)
	}
	return deleted, nil
}

// DeleteByGroup removes all records addressed to the exact group and
// returns the count. Used for session and scope teardown.
func (m *Manager) DeleteByGroup(ctx context.Context, groupID string) (int, error) {
	rows, err := m.rel.ListByGroup(ctx, "", groupID, 0)
	if err != nil {
		return 0, storageErr("list by group", err)
	}
	m.deleteVectorEntries(ctx, rows)
	count, err := m.rel.DeleteByGroup(ctx, groupID)
	if err != nil {
		return 0, storageErr("delete by group", err)
	}
	return count, nil
}

// DeleteByGroupPrefix removes all records whose group id equals prefix
// or begins with "prefix:" and returns the count.
func (m *Manager) DeleteByGroupPrefix(ctx context.Context, prefix string) (int, error) {
	rows, err := m.rel.ListByGroupPrefix(ctx, "", prefix, 0)
	if err != nil {
		return 0, storageErr("list by group prefix", err)
	}
	m.deleteVectorEntries(ctx, rows)
	count, err := m.rel.DeleteByGroupPrefix(ctx, prefix)
	if err != nil {
		return 0, storageErr("delete by group prefix", err)
	}
	return count, nil
}

func (m *Manager) deleteVectorEntries(ctx context.Context, rows []*Row) {
	for _, row := range rows {
		if err := m.vec.Delete(ctx, row.Type, row.ID); err != nil {
			log.Printf("[MEMORY] Vector delete failed for record %s: %v", row.ID, err)
		}
	}
}

// EnsureIndexed re-upserts the vector entry for every one of the user's
// records that carries an embedding. Idempotent; run at startup or on
// demand to reconcile a crash between the two writes. Returns the count
// of records indexed.
func (m *Manager) EnsureIndexed(ctx context.Context, userID string) (int, error) {
	rows, err := m.rel.ListByUser(ctx, userID, 0)
	if err != nil {
		return 0, storageErr("list by user", err)
	}
	indexed := 0
	for _, row := range rows {
		rec, err := row.Record()
		if err != nil {
			log.Printf("[MEMORY] Skipping row %s during backfill: %v", row.ID, err)
			continue
		}
		if len(rec.Embedding) == 0 {
			continue
		}
		if err := m.vec.Upsert(ctx, rec); err != nil {
			log.Printf("[MEMORY] Backfill upsert failed for record %s: %v", rec.ID, err)
			continue
		}
		indexed++
	}
	log.Printf("[MEMORY] Backfill for user %s indexed %d records", userID, indexed)
	return indexed, nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Config holds manager configuration.
type Config struct {
	// ExtractTimeout bounds each extractor branch. A timed-out branch is
	// treated exactly like a failed one.
	ExtractTimeout time.Duration

	// RetrieveTimeout bounds each retrieval branch in hybrid and agentic
	// search. A timed-out branch degrades to an empty list.
	RetrieveTimeout time.Duration

	// RRFK is the reciprocal rank fusion constant.
	RRFK int

	// DefaultLimit is the result count when a caller passes limit <= 0.
	DefaultLimit int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	ExtractTimeout:  30 * time.Second,
	RetrieveTimeout: 10 * time.Second,
	RRFK:            60,
	DefaultLimit:    10,
}
