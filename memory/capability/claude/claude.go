// Package claude implements the engine's pluggable LLM capabilities
// (query expansion, reranking, extraction) on the Anthropic API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/prizm-ai/prizm-memory/core"
	"github.com/prizm-ai/prizm-memory/memory"
)

// DefaultModel is used when a capability is created without one.
const DefaultModel = "claude-3-5-haiku-latest"

const expanderSystemPrompt = `You rewrite search queries for a memory system.
Given a query, produce 2-3 short sub-queries that paraphrase or decompose it.
Respond with a JSON array of strings and nothing else.`

const rerankerSystemPrompt = `You score documents for relevance to a query.
Given a query and a numbered list of documents, respond with a JSON array of
numbers between 0 and 1, one per document, in the same order, and nothing else.`

// Expander implements memory.QueryExpander with one LLM call per query.
type Expander struct {
	client *anthropic.Client
	model  string
}

// NewExpander creates a query expander. An empty model selects
// DefaultModel.
func NewExpander(client *anthropic.Client, model string) *Expander {
	if model == "" {
		model = DefaultModel
	}
	return &Expander{client: client, model: model}
}

// Expand produces 2-3 paraphrased or decomposed sub-queries.
func (e *Expander) Expand(ctx context.Context, query string) ([]string, error) {
	text, err := complete(ctx, e.client, e.model, expanderSystemPrompt, query, 512)
	if err != nil {
		return nil, fmt.Errorf("expand query: %w", err)
	}

	var subs []string
	if err := json.Unmarshal([]byte(stripFences(text)), &subs); err != nil {
		return nil, fmt.Errorf("parse expansion %q: %w", text, err)
	}
	// Bound the fan-out regardless of what the model returned.
	if len(subs) > 3 {
		subs = subs[:3]
	}
	log.Printf("[CLAUDE] Expanded query into %d sub-queries", len(subs))
	return subs, nil
}

// Reranker implements memory.Reranker with one LLM call per batch.
type Reranker struct {
	client *anthropic.Client
	model  string
}

// NewReranker creates a reranker. An empty model selects DefaultModel.
func NewReranker(client *anthropic.Client, model string) *Reranker {
	if model == "" {
		model = DefaultModel
	}
	return &Reranker{client: client, model: model}
}

// Rerank scores documents against the query, one score per document in
// the same order.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nDocuments:\n", query)
	for i, doc := range docs {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, doc)
	}

	text, err := complete(ctx, r.client, r.model, rerankerSystemPrompt, sb.String(), 1024)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	var scores []float64
	if err := json.Unmarshal([]byte(stripFences(text)), &scores); err != nil {
		return nil, fmt.Errorf("parse rerank scores %q: %w", text, err)
	}
	if len(scores) != len(docs) {
		return nil, fmt.Errorf("rerank returned %d scores for %d docs", len(scores), len(docs))
	}
	return scores, nil
}

var defaultExtractorPrompts = map[memory.MemoryType]string{
	memory.TypeEpisodic: `You summarize conversations and documents for long-term memory.
Extract 0-3 noteworthy episodes from the input. Respond with a JSON array of
objects {"summary": string, "keywords": [string]} and nothing else. An empty
array is a valid answer when nothing is worth remembering.`,

	memory.TypeForesight: `You extract forward-looking facts from conversations.
Extract 0-2 predictions or upcoming events with their validity window. Respond
with a JSON array of objects {"prediction": string, "valid_from": RFC3339,
"valid_until": RFC3339} and nothing else.`,

	memory.TypeEventLog: `You keep a factual activity log.
Extract 0-3 entries describing what happened in the input. Respond with a JSON
array of objects {"facts": [string]} and nothing else.`,

	memory.TypeProfile: `You maintain a user profile.
Extract 0-3 durable facts about the user (preferences, circumstances,
relationships). Respond with a JSON array of objects {"facet": string,
"value": string} and nothing else. Ignore transient details.`,
}

// DefaultExtractorPrompt returns the built-in system prompt for a
// memory type, or "" for types without one.
func DefaultExtractorPrompt(t memory.MemoryType) string {
	return defaultExtractorPrompts[t]
}

// Extractor implements memory.Extractor for one memory type with a
// caller-supplied system prompt. The prompt must instruct the model to
// respond with a JSON array of candidate objects; which fields the
// objects carry depends on the memory type:
//
//	episodic   {"summary": ..., "keywords": [...]}
//	foresight  {"prediction": ..., "valid_from": ..., "valid_until": ...}
//	event_log  {"facts": [...]}
//	profile    {"facet": ..., "value": ...}
type Extractor struct {
	client *anthropic.Client
	model  string
	typ    memory.MemoryType
	prompt string
}

// NewExtractor creates an LLM extractor for a memory type. An empty
// prompt selects the type's built-in default.
func NewExtractor(client *anthropic.Client, model string, t memory.MemoryType, systemPrompt string) *Extractor {
	if model == "" {
		model = DefaultModel
	}
	if systemPrompt == "" {
		systemPrompt = DefaultExtractorPrompt(t)
	}
	return &Extractor{client: client, model: model, typ: t, prompt: systemPrompt}
}

// candidate is the wire shape of one extracted record, a superset of
// all payload fields.
type candidate struct {
	Summary    string    `json:"summary,omitempty"`
	Keywords   []string  `json:"keywords,omitempty"`
	Prediction string    `json:"prediction,omitempty"`
	ValidFrom  time.Time `json:"valid_from,omitempty"`
	ValidUntil time.Time `json:"valid_until,omitempty"`
	Facts      []string  `json:"facts,omitempty"`
	Facet      string    `json:"facet,omitempty"`
	Value      string    `json:"value,omitempty"`
}

// Extract asks the model for candidate records of the extractor's type.
func (e *Extractor) Extract(ctx context.Context, unit *core.MemCell) ([]*memory.Record, error) {
	text, err := complete(ctx, e.client, e.model, e.prompt, unit.Text(), 2048)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", e.typ, err)
	}

	var candidates []candidate
	if err := json.Unmarshal([]byte(stripFences(text)), &candidates); err != nil {
		return nil, fmt.Errorf("parse %s candidates %q: %w", e.typ, text, err)
	}

	records := make([]*memory.Record, 0, len(candidates))
	for _, c := range candidates {
		payload := e.payloadFor(c)
		if payload == nil || payload.DisplayContent() == "" {
			continue
		}
		records = append(records, &memory.Record{Type: e.typ, Payload: payload})
	}
	log.Printf("[CLAUDE] Extracted %d %s candidates from event %s", len(records), e.typ, unit.EventID)
	return records, nil
}

func (e *Extractor) payloadFor(c candidate) memory.Payload {
	switch e.typ {
	case memory.TypeEpisodic:
		return &memory.EpisodicPayload{Summary: c.Summary, Keywords: c.Keywords}
	case memory.TypeForesight:
		return &memory.ForesightPayload{Prediction: c.Prediction, ValidFrom: c.ValidFrom, ValidUntil: c.ValidUntil}
	case memory.TypeEventLog:
		return &memory.EventLogPayload{Facts: c.Facts}
	case memory.TypeProfile:
		return &memory.ProfilePayload{Facet: c.Facet, Value: c.Value}
	default:
		return nil
	}
}

// complete makes one message call and concatenates the text blocks.
func complete(ctx context.Context, client *anthropic.Client, model, system, user string, maxTokens int64) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return strings.TrimSpace(text), nil
}

// stripFences removes a markdown code fence if the model wrapped its
// JSON in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
