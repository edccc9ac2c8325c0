package memory

import (
	"context"
	"time"

	"github.com/prizm-ai/prizm-memory/core"
)

// Extractor produces candidate records of a single memory type from a
// raw unit. One implementation is registered per memory type.
//
// Implementations may return zero records; errors and panics are
// isolated per extractor by the Manager and never abort the overall
// ingestion call.
type Extractor interface {
	Extract(ctx context.Context, unit *core.MemCell) ([]*Record, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, unit *core.MemCell) ([]*Record, error)

func (f ExtractorFunc) Extract(ctx context.Context, unit *core.MemCell) ([]*Record, error) {
	return f(ctx, unit)
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local SDK), API-based (production).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// QueryExpander paraphrases or decomposes a query into 2-3 sub-queries
// for agentic retrieval. Typically backed by an LLM.
type QueryExpander interface {
	Expand(ctx context.Context, query string) ([]string, error)
}

// Reranker scores retrieved documents against a query. It returns one
// relevance score per document, in the same order. Typically backed by
// an LLM or a cross-encoder.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Row is a relational projection of a Record: the indexed columns plus
// the full serialized record as an opaque metadata blob.
type Row struct {
	ID        string
	Type      MemoryType
	Content   string
	UserID    string
	GroupID   string // empty = user layer (stored as SQL NULL)
	Metadata  []byte // serialized Record
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record deserializes the row's metadata blob back into a Record.
func (r *Row) Record() (*Record, error) {
	var rec Record
	if err := rec.UnmarshalJSON(r.Metadata); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RelationalStore is the durable row store and the engine's record of
// truth. Implementations: sqlite.Store.
type RelationalStore interface {
	// Insert writes a row. Fails on duplicate id.
	Insert(ctx context.Context, row *Row) error

	// Get fetches one row by id. Returns ErrNotFound for a missing id.
	Get(ctx context.Context, id string) (*Row, error)

	// ListByUser returns the user's rows, newest first. A limit <= 0
	// means no limit.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Row, error)

	// ListByGroup returns rows addressed to an exact group, newest
	// first. An empty userID matches all users.
	ListByGroup(ctx context.Context, userID, groupID string, limit int) ([]*Row, error)

	// ListByGroupPrefix returns rows whose group id equals prefix or
	// begins with "prefix:", newest first.
	ListByGroupPrefix(ctx context.Context, userID, prefix string, limit int) ([]*Row, error)

	// ListBucket returns the newest rows sharing a (type, user, group)
	// address, the comparison set for dedup.
	ListBucket(ctx context.Context, t MemoryType, userID, groupID string, limit int) ([]*Row, error)

	// SearchContent returns rows whose content contains any of the given
	// terms, filtered by user and/or group and optionally by type.
	SearchContent(ctx context.Context, filter Filters, terms []string, limit int) ([]*Row, error)

	// Delete removes one row. Returns false when the id does not exist.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteByGroup removes all rows addressed to the exact group and
	// returns the count of deleted rows.
	DeleteByGroup(ctx context.Context, groupID string) (int, error)

	// DeleteByGroupPrefix removes all rows whose group id equals prefix
	// or begins with "prefix:" and returns the count.
	DeleteByGroupPrefix(ctx context.Context, prefix string) (int, error)

	// Close releases resources.
	Close() error
}

// VectorStore is the per-type embedding index. It is a secondary index
// rebuildable from the relational store; a record absent here is simply
// not vector-searchable.
type VectorStore interface {
	// Upsert indexes a record under its memory type's collection.
	// The record must carry a non-empty embedding.
	Upsert(ctx context.Context, rec *Record) error

	// Search performs nearest-neighbor search in one type's collection,
	// filtered by the user and/or group in the filter.
	Search(ctx context.Context, t MemoryType, embedding []float32, filter Filters, limit int) ([]*RankedRecord, error)

	// Delete removes a record from its type's collection. Missing ids
	// are not an error.
	Delete(ctx context.Context, t MemoryType, id string) error

	// Close releases resources.
	Close() error
}

// Filters scopes retrieval and listing to the address space used at
// ingestion. At least one of UserID/GroupID should be set by callers;
// an empty filter degrades keyword search to a scan across all users.
type Filters struct {
	UserID  string
	GroupID string
	Types   []MemoryType // defaults to [episodic]
}

// DedupLog persists suppression entries. Implementations: sqlite.Store.
type DedupLog interface {
	// InsertEntry appends a suppression entry.
	InsertEntry(ctx context.Context, e *DedupLogEntry) error

	// GetEntry fetches one entry by id.
	GetEntry(ctx context.Context, id string) (*DedupLogEntry, error)

	// ListEntries returns entries for a scope, newest first.
	ListEntries(ctx context.Context, scope string, limit int) ([]*DedupLogEntry, error)

	// ClaimEntry atomically marks an entry resolved. Returns false when
	// the entry was already resolved; the first caller wins.
	ClaimEntry(ctx context.Context, id string) (bool, error)
}
