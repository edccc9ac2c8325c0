package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prizm-ai/prizm-memory/memory"
	"github.com/prizm-ai/prizm-memory/memory/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "mem.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func row(id, user, group, content string, t memory.MemoryType, at time.Time) *memory.Row {
	return &memory.Row{
		ID:        id,
		Type:      t,
		Content:   content,
		UserID:    user,
		GroupID:   group,
		Metadata:  []byte(`{"id":"` + id + `","memory_type":"` + string(t) + `"}`),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestInsertGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	at := time.Now().Truncate(time.Microsecond)
	in := row("m1", "u1", "proj", "hello world", memory.TypeEpisodic, at)
	if err := s.Insert(ctx, in); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	out, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.ID != "m1" || out.Type != memory.TypeEpisodic || out.Content != "hello world" ||
		out.UserID != "u1" || out.GroupID != "proj" {
		t.Errorf("row mismatch: %+v", out)
	}
	if !out.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", out.CreatedAt, at)
	}
	if string(out.Metadata) != string(in.Metadata) {
		t.Errorf("metadata not preserved: %s", out.Metadata)
	}
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !memory.IsNotFound(err) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUserLayerIsNullGroup(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Now()

	if err := s.Insert(ctx, row("m1", "u1", "", "profile fact", memory.TypeProfile, at)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, row("m2", "u1", "proj", "scoped", memory.TypeEpisodic, at)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rows, err := s.ListByGroup(ctx, "u1", "", 0)
	if err != nil {
		t.Fatalf("ListByGroup: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "m1" || rows[0].GroupID != "" {
		t.Fatalf("user layer rows = %+v", rows)
	}
}

func TestListByGroupPrefix(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Now()

	for _, r := range []*memory.Row{
		row("m1", "u1", "proj", "a", memory.TypeEpisodic, at),
		row("m2", "u1", "proj:docs", "b", memory.TypeEpisodic, at.Add(time.Second)),
		row("m3", "u1", "proj:session:s1", "c", memory.TypeEventLog, at.Add(2*time.Second)),
		row("m4", "u1", "project-other", "d", memory.TypeEpisodic, at.Add(3*time.Second)),
		row("m5", "u2", "proj", "e", memory.TypeEpisodic, at.Add(4*time.Second)),
	} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert %s: %v", r.ID, err)
		}
	}

	rows, err := s.ListByGroupPrefix(ctx, "u1", "proj", 0)
	if err != nil {
		t.Fatalf("ListByGroupPrefix: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (exact + two sublayers)", len(rows))
	}
	for _, r := range rows {
		if r.ID == "m4" {
			t.Error("prefix match must not catch project-other")
		}
		if r.ID == "m5" {
			t.Error("prefix match must respect the user filter")
		}
	}

	// Empty user means all users, used by group teardown.
	rows, err = s.ListByGroupPrefix(ctx, "", "proj", 0)
	if err != nil {
		t.Fatalf("ListByGroupPrefix: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows for all users, want 4", len(rows))
	}
}

func TestListBucket(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Now()

	for _, r := range []*memory.Row{
		row("m1", "u1", "proj", "a", memory.TypeEpisodic, at),
		row("m2", "u1", "proj", "b", memory.TypeEpisodic, at.Add(time.Second)),
		row("m3", "u1", "proj", "c", memory.TypeEventLog, at.Add(2*time.Second)),
		row("m4", "u1", "other", "d", memory.TypeEpisodic, at.Add(3*time.Second)),
	} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert %s: %v", r.ID, err)
		}
	}

	rows, err := s.ListBucket(ctx, memory.TypeEpisodic, "u1", "proj", 64)
	if err != nil {
		t.Fatalf("ListBucket: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	// Newest first.
	if rows[0].ID != "m2" || rows[1].ID != "m1" {
		t.Errorf("order = [%s %s], want [m2 m1]", rows[0].ID, rows[1].ID)
	}

	rows, err = s.ListBucket(ctx, memory.TypeEpisodic, "u1", "proj", 1)
	if err != nil {
		t.Fatalf("ListBucket: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "m2" {
		t.Fatalf("capped bucket = %+v, want just m2", rows)
	}
}

func TestSearchContent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Now()

	for _, r := range []*memory.Row{
		row("m1", "u1", "proj", "booked flights to Berlin", memory.TypeEpisodic, at),
		row("m2", "u1", "proj", "adopted a cat", memory.TypeEpisodic, at.Add(time.Second)),
		row("m3", "u2", "proj", "flights are expensive", memory.TypeEpisodic, at.Add(2*time.Second)),
		row("m4", "u1", "proj", "berlin trip confirmed", memory.TypeForesight, at.Add(3*time.Second)),
	} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert %s: %v", r.ID, err)
		}
	}

	rows, err := s.SearchContent(ctx,
		memory.Filters{UserID: "u1", Types: []memory.MemoryType{memory.TypeEpisodic}},
		[]string{"berlin", "flights"}, 10)
	if err != nil {
		t.Fatalf("SearchContent: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "m1" {
		t.Fatalf("rows = %+v, want just m1", rows)
	}

	// LIKE wildcards in terms must not act as wildcards.
	rows, err = s.SearchContent(ctx, memory.Filters{UserID: "u1"}, []string{"%"}, 10)
	if err != nil {
		t.Fatalf("SearchContent: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("wildcard term matched %d rows, want 0", len(rows))
	}
}

func TestDeleteByGroupPrefixCounts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Now()

	for _, r := range []*memory.Row{
		row("m1", "u1", "proj", "a", memory.TypeEpisodic, at),
		row("m2", "u1", "proj:docs", "b", memory.TypeEpisodic, at),
		row("m3", "u1", "project-other", "c", memory.TypeEpisodic, at),
	} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert %s: %v", r.ID, err)
		}
	}

	n, err := s.DeleteByGroupPrefix(ctx, "proj")
	if err != nil {
		t.Fatalf("DeleteByGroupPrefix: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d rows, want 2", n)
	}

	n, err = s.DeleteByGroupPrefix(ctx, "proj")
	if err != nil {
		t.Fatalf("DeleteByGroupPrefix: %v", err)
	}
	if n != 0 {
		t.Errorf("second pass deleted %d rows, want 0", n)
	}

	if _, err := s.Get(ctx, "m3"); err != nil {
		t.Errorf("sibling group row deleted: %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if err := s.Insert(ctx, row("m1", "u1", "proj", "a", memory.TypeEpisodic, time.Now())); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ok, err := s.Delete(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.Delete(ctx, "m1")
	if err != nil || ok {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestDedupLogEntries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	e := &memory.DedupLogEntry{
		ID:          "01HQZX0000000000000000000A",
		Scope:       "proj",
		Type:        memory.TypeEpisodic,
		Content:     "the launch is friday",
		DuplicateOf: "m1",
		Suppressed:  []byte(`{"id":"m2"}`),
		CreatedAt:   time.Now().Truncate(time.Microsecond),
	}
	if err := s.InsertEntry(ctx, e); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}

	got, err := s.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Scope != "proj" || got.DuplicateOf != "m1" || got.Resolved ||
		string(got.Suppressed) != `{"id":"m2"}` {
		t.Errorf("entry mismatch: %+v", got)
	}

	entries, err := s.ListEntries(ctx, "proj", 0)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries, _ := s.ListEntries(ctx, "other", 0); len(entries) != 0 {
		t.Fatalf("scope filter leaked %d entries", len(entries))
	}

	if _, err := s.GetEntry(ctx, "missing"); !memory.IsNotFound(err) {
		t.Fatalf("GetEntry missing = %v, want ErrNotFound", err)
	}
}

func TestClaimEntryOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	e := &memory.DedupLogEntry{
		ID:         "01HQZX0000000000000000000B",
		Scope:      "proj",
		Type:       memory.TypeEpisodic,
		Content:    "the launch is friday",
		Suppressed: []byte(`{"id":"m2"}`),
		CreatedAt:  time.Now(),
	}
	if err := s.InsertEntry(ctx, e); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}

	claimed, err := s.ClaimEntry(ctx, e.ID)
	if err != nil || !claimed {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", claimed, err)
	}
	claimed, err = s.ClaimEntry(ctx, e.ID)
	if err != nil || claimed {
		t.Fatalf("second claim = (%v, %v), want (false, nil)", claimed, err)
	}

	got, err := s.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if !got.Resolved {
		t.Error("entry not marked resolved after claim")
	}
}
