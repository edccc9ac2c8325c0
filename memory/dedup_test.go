package memory_test

import (
	"context"
	"testing"

	"github.com/prizm-ai/prizm-memory/core"
	"github.com/prizm-ai/prizm-memory/memory"
	"github.com/prizm-ai/prizm-memory/memory/embedder/mock"
)

// newDedupEngine wires the SQLite store as both relational store and
// dedup log.
func newDedupEngine(t *testing.T) *memory.Manager {
	t.Helper()
	rel, vec := newBareStores(t)
	return memory.NewManager(rel, vec,
		memory.WithEmbedder(mock.New()),
		memory.WithDedup(rel, nil),
		memory.WithExtractors(map[memory.MemoryType]memory.Extractor{
			memory.TypeEpisodic: memory.ExtractorFunc(func(ctx context.Context, unit *core.MemCell) ([]*memory.Record, error) {
				return []*memory.Record{{Content: unit.Text()}}, nil
			}),
		}))
}

func ingest(t *testing.T, mgr *memory.Manager, content string) {
	t.Helper()
	unit := &core.MemCell{Turns: []core.Turn{{Role: "user", Content: content}}}
	if err := mgr.ProcessUnit(context.Background(), unit, &core.RoutingContext{UserID: "u1", Scope: "proj"}); err != nil {
		t.Fatalf("ProcessUnit: %v", err)
	}
}

func TestDedup_SuppressesIdenticalContent(t *testing.T) {
	ctx := context.Background()
	mgr := newDedupEngine(t)

	ingest(t, mgr, "the launch is scheduled for friday")
	ingest(t, mgr, "The launch is scheduled for Friday!")

	records, err := mgr.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (second copy suppressed)", len(records))
	}

	entries, err := mgr.ListDedupLog(ctx, "proj", 0)
	if err != nil {
		t.Fatalf("ListDedupLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.DuplicateOf != records[0].ID {
		t.Errorf("entry.DuplicateOf = %q, want %q", entry.DuplicateOf, records[0].ID)
	}
	if entry.Scope != "proj" || entry.Type != memory.TypeEpisodic || entry.Resolved {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestDedup_DistinctContentAccepted(t *testing.T) {
	ctx := context.Background()
	mgr := newDedupEngine(t)

	ingest(t, mgr, "the launch is scheduled for friday")
	ingest(t, mgr, "budget review moved to next quarter")

	records, err := mgr.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	entries, err := mgr.ListDedupLog(ctx, "proj", 0)
	if err != nil {
		t.Fatalf("ListDedupLog: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d log entries, want 0", len(entries))
	}
}

func TestDedup_UndoRestoresOnce(t *testing.T) {
	ctx := context.Background()
	mgr := newDedupEngine(t)

	ingest(t, mgr, "the launch is scheduled for friday")
	ingest(t, mgr, "the launch is scheduled for friday")

	entries, err := mgr.ListDedupLog(ctx, "proj", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListDedupLog = (%d entries, %v), want 1", len(entries), err)
	}

	result, err := mgr.UndoDedup(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("UndoDedup: %v", err)
	}
	if !result.Restored || result.RestoredID == "" {
		t.Fatalf("first undo = %+v, want restored", result)
	}

	records, err := mgr.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records after undo, want 2", len(records))
	}

	// The entry is consumed; undoing again is a no-op.
	result, err = mgr.UndoDedup(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("second UndoDedup: %v", err)
	}
	if result.Restored {
		t.Fatal("second undo restored again, want no-op")
	}
}

func TestDedup_UndoUnknownEntry(t *testing.T) {
	mgr := newDedupEngine(t)

	result, err := mgr.UndoDedup(context.Background(), "01J00000000000000000000000")
	if err != nil {
		t.Fatalf("UndoDedup: %v", err)
	}
	if result.Restored {
		t.Fatal("unknown entry restored, want no-op")
	}
}

func TestDedup_BucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	mgr := newDedupEngine(t)

	// Same content in different scopes lands in different buckets.
	unit := &core.MemCell{Turns: []core.Turn{{Role: "user", Content: "the launch is scheduled for friday"}}}
	if err := mgr.ProcessUnit(ctx, unit, &core.RoutingContext{UserID: "u1", Scope: "proj-a"}); err != nil {
		t.Fatalf("ProcessUnit: %v", err)
	}
	unit = &core.MemCell{Turns: []core.Turn{{Role: "user", Content: "the launch is scheduled for friday"}}}
	if err := mgr.ProcessUnit(ctx, unit, &core.RoutingContext{UserID: "u1", Scope: "proj-b"}); err != nil {
		t.Fatalf("ProcessUnit: %v", err)
	}

	records, err := mgr.ListByUser(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (one per scope)", len(records))
	}
}
