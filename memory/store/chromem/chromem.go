// Package chromem implements the engine's vector store on chromem-go,
// a pure Go embedded vector database.
package chromem

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/prizm-ai/prizm-memory/memory"
)

// Store holds one chromem collection per memory type. Records are
// stored with their serialized payload so vector hits can be returned
// without a relational round trip.
type Store struct {
	db          *chromem.DB
	collections map[memory.MemoryType]*chromem.Collection
	mu          sync.RWMutex
}

// New creates an in-memory chromem store.
func New() (*Store, error) {
	return &Store{
		db:          chromem.NewDB(),
		collections: make(map[memory.MemoryType]*chromem.Collection),
	}, nil
}

// NewPersistent creates a chromem store backed by a directory.
func NewPersistent(path string) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &Store{
		db:          db,
		collections: make(map[memory.MemoryType]*chromem.Collection),
	}, nil
}

// getOrCreateCollection returns the collection for a memory type.
func (s *Store) getOrCreateCollection(t memory.MemoryType) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[t]
	s.mu.RUnlock()
	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[t]; exists {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(collectionName(t), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection for %s: %w", t, err)
	}
	s.collections[t] = col
	return col, nil
}

// Upsert indexes a record under its type's collection. The record must
// carry a non-empty embedding.
func (s *Store) Upsert(ctx context.Context, rec *memory.Record) error {
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("record %s has no embedding", rec.ID)
	}
	col, err := s.getOrCreateCollection(rec.Type)
	if err != nil {
		return err
	}

	payload, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("serialize record %s: %w", rec.ID, err)
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   string(payload),
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			"user_id":  rec.UserID,
			"group_id": rec.GroupID,
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Search performs nearest-neighbor search in one type's collection,
// filtered by the user and/or group in the filter. Returns
// similarity-ranked results, highest first.
func (s *Store) Search(ctx context.Context, t memory.MemoryType, embedding []float32, filter memory.Filters, limit int) ([]*memory.RankedRecord, error) {
	col, err := s.getOrCreateCollection(t)
	if err != nil {
		return nil, err
	}

	where := map[string]string{}
	if filter.UserID != "" {
		where["user_id"] = filter.UserID
	}
	if filter.GroupID != "" {
		where["group_id"] = filter.GroupID
	}

	// chromem requires nResults <= collection size; clamp and retry
	// smaller on the boundary errors it reports.
	var results []chromem.Result
	for n := limit; n >= 1; n-- {
		results, err = col.QueryEmbedding(ctx, embedding, n, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if n == 1 {
				return nil, nil // collection empty
			}
			continue
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	ranked := make([]*memory.RankedRecord, 0, len(results))
	for i, result := range results {
		var rec memory.Record
		if err := rec.UnmarshalJSON([]byte(result.Content)); err != nil {
			log.Printf("[CHROMEM] Skipping result #%d: %v", i+1, err)
			continue
		}
		ranked = append(ranked, &memory.RankedRecord{
			ID:        rec.ID,
			Type:      rec.Type,
			UserID:    rec.UserID,
			GroupID:   rec.GroupID,
			Content:   rec.Content,
			Score:     float64(result.Similarity),
			CreatedAt: rec.CreatedAt,
		})
	}
	return ranked, nil
}

// Delete removes a record from its type's collection. Missing ids are
// not an error.
func (s *Store) Delete(ctx context.Context, t memory.MemoryType, id string) error {
	s.mu.RLock()
	col, exists := s.collections[t]
	s.mu.RUnlock()
	if !exists {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// Close releases resources. chromem keeps everything in memory (or
// flushed to its directory), so there is nothing to tear down.
func (s *Store) Close() error {
	return nil
}

func collectionName(t memory.MemoryType) string {
	return "mem_" + string(t)
}

// isInsufficientDocsError checks whether the error is chromem telling
// us nResults exceeds the collection size.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
