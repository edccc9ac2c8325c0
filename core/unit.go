// Package core defines the raw input types submitted to the memory engine.
package core

import "time"

// Scene classifies the context a MemCell was produced in.
// It gates which memory types are extracted from the unit.
type Scene string

const (
	// SceneAssistant is a one-on-one assistant conversation.
	// An empty scene is treated as assistant.
	SceneAssistant Scene = "assistant"

	// SceneGroup is a group conversation. Group units produce no
	// extractions under the built-in memory types.
	SceneGroup Scene = "group"

	// SceneDocument is document content rather than conversation.
	SceneDocument Scene = "document"
)

// Turn is a single conversational exchange inside a MemCell.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// MemCell is the atomic unit submitted for memory extraction.
// It carries either conversation turns, document text, or both.
type MemCell struct {
	// EventID uniquely identifies this unit. Generated if absent.
	EventID string `json:"event_id"`

	// UserID is the owning user. Overridden by RoutingContext.UserID
	// when a routing context is supplied at ingestion.
	UserID string `json:"user_id"`

	// Turns holds conversation content.
	Turns []Turn `json:"turns,omitempty"`

	// Document holds document text (scene "document").
	Document string `json:"document,omitempty"`

	// Timestamp is when the unit was captured.
	Timestamp time.Time `json:"timestamp"`

	// Scene classifies the unit's context. Empty means assistant.
	Scene Scene `json:"scene,omitempty"`

	// GroupID is the unit's own group. Only consulted for memory types
	// outside the built-in four.
	GroupID string `json:"group_id,omitempty"`

	// Deleted marks the unit tombstoned. Callers are expected to skip
	// tombstoned units; the engine does not enforce this.
	Deleted bool `json:"deleted,omitempty"`
}

// IsDocument reports whether the unit is document content.
func (m *MemCell) IsDocument() bool {
	return m.Scene == SceneDocument
}

// IsAssistant reports whether the unit is an assistant conversation.
// Anything that is neither group nor document counts as assistant.
func (m *MemCell) IsAssistant() bool {
	return m.Scene != SceneGroup && m.Scene != SceneDocument
}

// Text returns the unit's textual content for extraction: document text
// when present, otherwise the concatenated conversation turns.
func (m *MemCell) Text() string {
	if m.Document != "" {
		return m.Document
	}
	var out string
	for i, t := range m.Turns {
		if i > 0 {
			out += "\n"
		}
		out += t.Role + ": " + t.Content
	}
	return out
}

// RoutingContext tells the engine where extracted records belong.
// It is consumed once at ingestion to compute each record's address and
// is never persisted verbatim.
type RoutingContext struct {
	// UserID is authoritative over whatever the raw unit carried.
	UserID string `json:"user_id"`

	// Scope is the scope-layer address (e.g. a project or workspace id).
	Scope string `json:"scope"`

	// SessionID, when present, pins event-log records to the session
	// layer ("<scope>:session:<id>").
	SessionID string `json:"session_id,omitempty"`
}
