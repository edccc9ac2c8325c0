package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// Method selects a retrieval strategy.
type Method string

const (
	// MethodKeyword is a substring scan over the relational store's
	// content column. Fast, exact, no embedding dependency.
	MethodKeyword Method = "keyword"

	// MethodVector is nearest-neighbor search over the vector store.
	MethodVector Method = "vector"

	// MethodHybrid runs keyword and vector concurrently and fuses the
	// two lists with reciprocal rank fusion.
	MethodHybrid Method = "hybrid"

	// MethodAgentic expands the query into sub-queries, runs hybrid for
	// each, and fuses all lists. Costs one LLM call plus one embedding
	// call per sub-query; intended for complex multi-intent queries.
	MethodAgentic Method = "agentic"
)

// Retrieve searches the user's memories with the given strategy.
// The rerank flag re-scores the retrieved set with the configured
// Reranker before truncation; without one it is a no-op.
func (m *Manager) Retrieve(ctx context.Context, query string, filters Filters, method Method, limit int, useRerank bool) ([]*RankedRecord, error) {
	if limit <= 0 {
		limit = m.config.DefaultLimit
	}
	if len(filters.Types) == 0 {
		filters.Types = []MemoryType{TypeEpisodic}
	}

	var results []*RankedRecord
	var err error
	switch method {
	case MethodKeyword:
		results, err = m.keywordSearch(ctx, query, filters, limit)
	case MethodVector:
		results, err = m.vectorSearch(ctx, query, filters, limit)
	case MethodHybrid:
		results, err = m.hybridSearch(ctx, query, filters, limit)
	case MethodAgentic:
		results, err = m.agenticSearch(ctx, query, filters, limit)
	default:
		return nil, fmt.Errorf("%w: unknown retrieval method %q", ErrInvalidArgument, method)
	}
	if err != nil {
		return nil, err
	}

	if useRerank && m.reranker != nil && len(results) > 0 {
		results = m.rerank(ctx, query, results)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// keywordSearch scans relational content for the query's terms and
// scores rows by hit count with a bonus for early matches.
func (m *Manager) keywordSearch(ctx context.Context, query string, filters Filters, limit int) ([]*RankedRecord, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	// The LIKE scan is recency-ordered, so any matching row outside the
	// scanned window never reaches scoring. Scan well past the limit to
	// keep older high-scoring rows in play.
	scan := limit * 4
	if scan < 200 {
		scan = 200
	}
	rows, err := m.rel.SearchContent(ctx, filters, terms, scan)
	if err != nil {
		return nil, storageErr("keyword search", err)
	}

	results := make([]*RankedRecord, 0, len(rows))
	for _, row := range rows {
		score := keywordScore(row.Content, terms)
		if score == 0 {
			continue
		}
		results = append(results, &RankedRecord{
			ID:        row.ID,
			Type:      row.Type,
			UserID:    row.UserID,
			GroupID:   row.GroupID,
			Content:   row.Content,
			Score:     score,
			CreatedAt: row.CreatedAt,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// keywordScore counts term occurrences and rewards matches near the
// start of the content.
func keywordScore(content string, terms []string) float64 {
	lower := strings.ToLower(content)
	hits := 0
	earliest := -1
	for _, term := range terms {
		n := strings.Count(lower, term)
		if n == 0 {
			continue
		}
		hits += n
		if idx := strings.Index(lower, term); earliest < 0 || idx < earliest {
			earliest = idx
		}
	}
	if hits == 0 {
		return 0
	}
	return float64(hits) + 1.0/float64(1+earliest)
}

// vectorSearch embeds the query and runs nearest-neighbor search per
// requested memory type.
func (m *Manager) vectorSearch(ctx context.Context, query string, filters Filters, limit int) ([]*RankedRecord, error) {
	if m.embedder == nil {
		return nil, fmt.Errorf("%w: vector retrieval requires an embedder", ErrInvalidArgument)
	}
	embedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var results []*RankedRecord
	for _, t := range filters.Types {
		typed, err := m.vec.Search(ctx, t, embedding, filters, limit)
		if err != nil {
			return nil, storageErr("vector search", err)
		}
		results = append(results, typed...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// hybridSearch runs the keyword and vector paths concurrently and
// fuses their lists with RRF. One failing branch degrades to an empty
// list; both failing propagates a storage error.
func (m *Manager) hybridSearch(ctx context.Context, query string, filters Filters, limit int) ([]*RankedRecord, error) {
	hctx, cancel := context.WithTimeout(ctx, m.config.RetrieveTimeout)
	defer cancel()

	var kwResults, vecResults []*RankedRecord
	var kwErr, vecErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		kwResults, kwErr = m.keywordSearch(hctx, query, filters, limit)
	}()
	go func() {
		defer wg.Done()
		vecResults, vecErr = m.vectorSearch(hctx, query, filters, limit)
	}()
	wg.Wait()

	if kwErr != nil && vecErr != nil {
		return nil, storageErr("hybrid search", errors.Join(kwErr, vecErr))
	}
	if kwErr != nil {
		log.Printf("[MEMORY] Keyword branch degraded to empty: %v", kwErr)
		kwResults = nil
	}
	if vecErr != nil {
		log.Printf("[MEMORY] Vector branch degraded to empty: %v", vecErr)
		vecResults = nil
	}

	fused := fuseRRF([][]*RankedRecord{kwResults, vecResults}, m.config.RRFK)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// agenticSearch expands the query into sub-queries, runs hybrid search
// for each concurrently, and fuses all result lists with N-way RRF.
// Without an expander (or when expansion fails) it degrades to a plain
// hybrid search of the original query.
func (m *Manager) agenticSearch(ctx context.Context, query string, filters Filters, limit int) ([]*RankedRecord, error) {
	subQueries := m.expandQuery(ctx, query)
	if len(subQueries) == 0 {
		return m.hybridSearch(ctx, query, filters, limit)
	}

	lists := make([][]*RankedRecord, len(subQueries))
	errs := make([]error, len(subQueries))

	var wg sync.WaitGroup
	for i, sub := range subQueries {
		wg.Add(1)
		go func(i int, sub string) {
			defer wg.Done()
			lists[i], errs[i] = m.hybridSearch(ctx, sub, filters, limit)
		}(i, sub)
	}
	wg.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			log.Printf("[MEMORY] Sub-query %q degraded to empty: %v", subQueries[i], err)
			lists[i] = nil
			failed++
		}
	}
	if failed == len(subQueries) {
		return nil, storageErr("agentic search", errors.Join(errs...))
	}

	fused := fuseRRF(lists, m.config.RRFK)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// expandQuery returns the cached or freshly expanded sub-queries for a
// query, or nil when no expander is configured or expansion fails.
func (m *Manager) expandQuery(ctx context.Context, query string) []string {
	if m.expander == nil {
		return nil
	}
	if cached, ok := m.expansions.Get(query); ok {
		return cached
	}
	subs, err := m.expander.Expand(ctx, query)
	if err != nil {
		log.Printf("[MEMORY] Query expansion failed, falling back to hybrid: %v", err)
		return nil
	}
	if len(subs) > 0 {
		m.expansions.Add(query, subs)
	}
	return subs
}

// rerank re-scores results with the configured Reranker and re-sorts.
// A reranker failure leaves the original ordering untouched.
func (m *Manager) rerank(ctx context.Context, query string, results []*RankedRecord) []*RankedRecord {
	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Content
	}
	scores, err := m.reranker.Rerank(ctx, query, docs)
	if err != nil {
		log.Printf("[MEMORY] Rerank failed, keeping fused order: %v", err)
		return results
	}
	if len(scores) != len(results) {
		log.Printf("[MEMORY] Rerank returned %d scores for %d docs, keeping fused order", len(scores), len(results))
		return results
	}

	reranked := make([]*RankedRecord, len(results))
	for i, r := range results {
		rec := *r
		rec.Score = scores[i]
		reranked[i] = &rec
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})
	return reranked
}
