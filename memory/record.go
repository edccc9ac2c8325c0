package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MemoryType identifies what kind of memory a record holds.
// Values outside the built-in four are allowed for future types.
type MemoryType string

const (
	// TypeEpisodic is a narrative summary of an exchange or document.
	TypeEpisodic MemoryType = "episodic"

	// TypeForesight is a predicted future event with a validity window.
	TypeForesight MemoryType = "foresight"

	// TypeEventLog is one or more atomic facts extracted from a unit.
	TypeEventLog MemoryType = "event_log"

	// TypeProfile is a facet of the user's profile. Profile records live
	// on the user layer (no group id).
	TypeProfile MemoryType = "profile"
)

// BuiltinTypes lists the four memory types with scene-conditional routing.
var BuiltinTypes = []MemoryType{TypeEpisodic, TypeForesight, TypeEventLog, TypeProfile}

// Payload is the type-specific body of a Record. Each variant knows how
// to render itself as a display string.
type Payload interface {
	DisplayContent() string
}

// EpisodicPayload is a narrative summary of a conversation or document.
type EpisodicPayload struct {
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords,omitempty"`
}

func (p *EpisodicPayload) DisplayContent() string { return p.Summary }

// ForesightPayload is a predicted event with its validity window.
type ForesightPayload struct {
	Prediction string    `json:"prediction"`
	ValidFrom  time.Time `json:"valid_from,omitempty"`
	ValidUntil time.Time `json:"valid_until,omitempty"`
}

func (p *ForesightPayload) DisplayContent() string { return p.Prediction }

// EventLogPayload holds atomic facts. Multiple facts are joined with a
// separator for display.
type EventLogPayload struct {
	Facts []string `json:"facts"`
}

func (p *EventLogPayload) DisplayContent() string {
	return strings.Join(p.Facts, "; ")
}

// ProfilePayload is a single facet of a user profile.
type ProfilePayload struct {
	Facet string `json:"facet"`
	Value string `json:"value"`
}

func (p *ProfilePayload) DisplayContent() string {
	if p.Facet == "" {
		return p.Value
	}
	return p.Facet + ": " + p.Value
}

// GenericPayload carries the body of a memory type the engine does not
// know. Display falls back to the conventional field names in order.
type GenericPayload struct {
	Fields map[string]any `json:"fields"`
}

func (p *GenericPayload) DisplayContent() string {
	for _, key := range []string{"content", "summary", "prediction"} {
		if s, ok := p.Fields[key].(string); ok && s != "" {
			return s
		}
	}
	if facts, ok := p.Fields["facts"].([]any); ok {
		parts := make([]string, 0, len(facts))
		for _, f := range facts {
			if s, ok := f.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

// Record is the durable output of extraction.
//
// GroupID encodes the three-tier address space: empty means the user
// layer (profile only), "<scope>" or "<scope>:docs" is the scope layer,
// and "<scope>:session:<id>" is the session layer.
type Record struct {
	ID        string     `json:"id"`
	Type      MemoryType `json:"memory_type"`
	UserID    string     `json:"user_id"`
	GroupID   string     `json:"group_id,omitempty"`
	Content   string     `json:"content,omitempty"`
	Payload   Payload    `json:"-"`
	Embedding []float32  `json:"embedding,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DisplayContent derives the record's display string. An explicit
// Content field takes precedence over the payload's own rendering.
func (r *Record) DisplayContent() string {
	if r.Content != "" {
		return r.Content
	}
	if r.Payload != nil {
		return r.Payload.DisplayContent()
	}
	return ""
}

// recordJSON is the wire shape of a Record with the payload held as raw
// JSON so it can be decoded per memory type.
type recordJSON struct {
	ID        string          `json:"id"`
	Type      MemoryType      `json:"memory_type"`
	UserID    string          `json:"user_id"`
	GroupID   string          `json:"group_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Embedding []float32       `json:"embedding,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON serializes the record with its payload inline.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:        r.ID,
		Type:      r.Type,
		UserID:    r.UserID,
		GroupID:   r.GroupID,
		Content:   r.Content,
		Embedding: r.Embedding,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the record, switching the payload shape on the
// record's memory type.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.ID = in.ID
	r.Type = in.Type
	r.UserID = in.UserID
	r.GroupID = in.GroupID
	r.Content = in.Content
	r.Embedding = in.Embedding
	r.CreatedAt = in.CreatedAt
	r.UpdatedAt = in.UpdatedAt
	r.Payload = nil
	if len(in.Payload) == 0 {
		return nil
	}

	payload, err := decodePayload(in.Type, in.Payload)
	if err != nil {
		return err
	}
	r.Payload = payload
	return nil
}

func decodePayload(t MemoryType, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeEpisodic:
		var p EpisodicPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode episodic payload: %w", err)
		}
		return &p, nil
	case TypeForesight:
		var p ForesightPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode foresight payload: %w", err)
		}
		return &p, nil
	case TypeEventLog:
		var p EventLogPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode event_log payload: %w", err)
		}
		return &p, nil
	case TypeProfile:
		var p ProfilePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode profile payload: %w", err)
		}
		return &p, nil
	default:
		var p GenericPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode payload for type %q: %w", t, err)
		}
		return &p, nil
	}
}

// RankedRecord is a retrieval result: the record's identifying fields
// plus the strategy's relevance score.
type RankedRecord struct {
	ID        string     `json:"id"`
	Type      MemoryType `json:"memory_type"`
	UserID    string     `json:"user_id"`
	GroupID   string     `json:"group_id,omitempty"`
	Content   string     `json:"content"`
	Score     float64    `json:"score"`
	CreatedAt time.Time  `json:"created_at"`
}
