package memory

import "github.com/prizm-ai/prizm-memory/core"

// Address-space suffixes. The scope layer is "<scope>" for conversation
// units and "<scope>:docs" for document units; the session layer is
// "<scope>:session:<id>".
const (
	docsSuffix    = ":docs"
	sessionSuffix = ":session:"
)

// GroupIDFor computes a record's group id from its memory type, the
// originating unit's scene, and the routing context. An empty result is
// the user layer (profile only).
func GroupIDFor(t MemoryType, unit *core.MemCell, rc *core.RoutingContext) string {
	scope := unit.GroupID
	session := ""
	if rc != nil {
		scope = rc.Scope
		session = rc.SessionID
	}

	switch t {
	case TypeProfile:
		return ""
	case TypeEpisodic, TypeForesight:
		if unit.IsDocument() {
			return scope + docsSuffix
		}
		return scope
	case TypeEventLog:
		if unit.IsDocument() {
			return scope + docsSuffix
		}
		if session != "" {
			return scope + sessionSuffix + session
		}
		return scope
	default:
		// Unknown types keep the unit's own group, falling back to the
		// routing scope.
		if unit.GroupID != "" {
			return unit.GroupID
		}
		return scope
	}
}

// TypesFor returns the memory types applicable to a unit's scene:
//
//	episodic   assistant or document
//	event_log  assistant or document
//	foresight  assistant only
//	profile    assistant only
//
// Group-scene units match nothing and produce no records.
func TypesFor(unit *core.MemCell) []MemoryType {
	var types []MemoryType
	if unit.IsAssistant() || unit.IsDocument() {
		types = append(types, TypeEpisodic, TypeEventLog)
	}
	if unit.IsAssistant() {
		types = append(types, TypeForesight, TypeProfile)
	}
	return types
}
