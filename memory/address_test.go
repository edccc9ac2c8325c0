package memory

import (
	"reflect"
	"testing"

	"github.com/prizm-ai/prizm-memory/core"
)

func TestTypesFor_Scenes(t *testing.T) {
	cases := []struct {
		scene core.Scene
		want  []MemoryType
	}{
		{"", []MemoryType{TypeEpisodic, TypeEventLog, TypeForesight, TypeProfile}},
		{core.SceneAssistant, []MemoryType{TypeEpisodic, TypeEventLog, TypeForesight, TypeProfile}},
		{core.SceneDocument, []MemoryType{TypeEpisodic, TypeEventLog}},
		{core.SceneGroup, nil},
	}
	for _, c := range cases {
		got := TypesFor(&core.MemCell{Scene: c.scene})
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("TypesFor(scene=%q) = %v, want %v", c.scene, got, c.want)
		}
	}
}

func TestGroupIDFor(t *testing.T) {
	rc := &core.RoutingContext{UserID: "u1", Scope: "proj"}
	rcSession := &core.RoutingContext{UserID: "u1", Scope: "proj", SessionID: "s1"}
	chat := &core.MemCell{}
	doc := &core.MemCell{Scene: core.SceneDocument}

	cases := []struct {
		name string
		typ  MemoryType
		unit *core.MemCell
		rc   *core.RoutingContext
		want string
	}{
		{"profile is user layer", TypeProfile, chat, rc, ""},
		{"episodic uses scope", TypeEpisodic, chat, rc, "proj"},
		{"episodic document", TypeEpisodic, doc, rc, "proj:docs"},
		{"foresight uses scope", TypeForesight, chat, rc, "proj"},
		{"event log falls back to scope", TypeEventLog, chat, rc, "proj"},
		{"event log with session", TypeEventLog, chat, rcSession, "proj:session:s1"},
		{"event log document ignores session", TypeEventLog, doc, rcSession, "proj:docs"},
		{"unknown type keeps unit group", "custom", &core.MemCell{GroupID: "g9"}, rc, "g9"},
		{"unknown type falls back to scope", "custom", chat, rc, "proj"},
		{"no routing context uses unit group", TypeEpisodic, &core.MemCell{GroupID: "g9"}, nil, "g9"},
	}
	for _, c := range cases {
		if got := GroupIDFor(c.typ, c.unit, c.rc); got != c.want {
			t.Errorf("%s: GroupIDFor = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestRecordDisplayContent(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want string
	}{
		{
			"explicit content wins",
			Record{Content: "explicit", Payload: &EpisodicPayload{Summary: "summary"}},
			"explicit",
		},
		{
			"episodic summary",
			Record{Payload: &EpisodicPayload{Summary: "met Alice"}},
			"met Alice",
		},
		{
			"foresight prediction",
			Record{Payload: &ForesightPayload{Prediction: "release slips"}},
			"release slips",
		},
		{
			"facts joined",
			Record{Payload: &EventLogPayload{Facts: []string{"a", "b"}}},
			"a; b",
		},
		{
			"profile facet",
			Record{Payload: &ProfilePayload{Facet: "language", Value: "Go"}},
			"language: Go",
		},
		{
			"generic probing",
			Record{Payload: &GenericPayload{Fields: map[string]any{"summary": "s"}}},
			"s",
		},
		{
			"empty",
			Record{},
			"",
		},
	}
	for _, c := range cases {
		if got := c.rec.DisplayContent(); got != c.want {
			t.Errorf("%s: DisplayContent = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := &Record{
		ID:      "r1",
		Type:    TypeForesight,
		UserID:  "u1",
		GroupID: "proj",
		Content: "release slips",
		Payload: &ForesightPayload{Prediction: "release slips"},
	}

	blob, err := rec.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	var back Record
	if err := back.UnmarshalJSON(blob); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}

	if back.ID != rec.ID || back.Type != rec.Type || back.GroupID != rec.GroupID {
		t.Errorf("round trip lost fields: %+v", back)
	}
	p, ok := back.Payload.(*ForesightPayload)
	if !ok {
		t.Fatalf("payload decoded as %T, want *ForesightPayload", back.Payload)
	}
	if p.Prediction != "release slips" {
		t.Errorf("prediction = %q", p.Prediction)
	}
}

func TestRecordJSONUnknownType(t *testing.T) {
	blob := []byte(`{"id":"r2","memory_type":"custom","user_id":"u1","payload":{"fields":{"content":"hello"}}}`)

	var rec Record
	if err := rec.UnmarshalJSON(blob); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if rec.DisplayContent() != "hello" {
		t.Errorf("DisplayContent = %q, want hello", rec.DisplayContent())
	}
}
