package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/convograph/statekit/checkpoint"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEnvelope(t *testing.T, state map[string]any) checkpoint.Envelope {
	t.Helper()
	env, err := checkpoint.Encode(state)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return env
}

func TestStore_PutAndGetLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Put(ctx, checkpoint.PutRequest{
		ThreadID:  "acme:s1",
		Namespace: "customer_service",
		State:     testEnvelope(t, map[string]any{"intent": "faq"}),
		Metadata:  map[string]any{"lastNodeId": "tone"},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	cp, err := s.GetLatest(ctx, "acme:s1", "customer_service")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if cp.CheckpointID != id || cp.ParentCheckpointID != "" {
		t.Fatalf("unexpected checkpoint: %#v", cp)
	}
	state, err := checkpoint.DecodeState(cp.State)
	if err != nil {
		t.Fatalf("DecodeState failed: %v", err)
	}
	if state["intent"] != "faq" {
		t.Fatalf("state did not survive round trip: %#v", state)
	}
	if cp.Metadata["lastNodeId"] != "tone" {
		t.Fatalf("metadata did not survive round trip: %#v", cp.Metadata)
	}
	if cp.CreatedAt.IsZero() {
		t.Fatalf("created_at must be populated")
	}
}

func TestStore_GetLatestNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetLatest(context.Background(), "acme:missing", "ns"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_StaleParentConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", State: testEnvelope(t, nil)})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	id2, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", Parent: id1, State: testEnvelope(t, nil)})
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	if _, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", Parent: id1, State: testEnvelope(t, nil)}); !errors.Is(err, checkpoint.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale parent, got %v", err)
	}
	if _, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", State: testEnvelope(t, nil)}); !errors.Is(err, checkpoint.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate root, got %v", err)
	}

	latest, err := s.GetLatest(ctx, "acme:s1", "")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest.CheckpointID != id2 {
		t.Fatalf("losers must not replace the latest checkpoint, got %s want %s", latest.CheckpointID, id2)
	}
}

func TestStore_ConcurrentPutOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", State: testEnvelope(t, nil)})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	const racers = 4
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", Parent: id1, State: testEnvelope(t, nil)})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, checkpoint.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestStore_HistoryMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := ""
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.Put(ctx, checkpoint.PutRequest{
			ThreadID: "acme:s1",
			Parent:   parent,
			State:    testEnvelope(t, map[string]any{"turn": float64(i)}),
		})
		if err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
		ids = append(ids, id)
		parent = id
	}

	history, err := s.GetHistory(ctx, "acme:s1", "", 0)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(history))
	}
	for i := range history {
		if history[i].CheckpointID != ids[2-i] {
			t.Fatalf("history out of order at %d: %#v", i, history[i])
		}
	}
	for i := 0; i < len(history)-1; i++ {
		if history[i].ParentCheckpointID != history[i+1].CheckpointID {
			t.Fatalf("broken parent link at %d", i)
		}
	}

	limited, err := s.GetHistory(ctx, "acme:s1", "", 1)
	if err != nil {
		t.Fatalf("GetHistory with limit failed: %v", err)
	}
	if len(limited) != 1 || limited[0].CheckpointID != ids[2] {
		t.Fatalf("unexpected limited history: %#v", limited)
	}
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", Namespace: "a", State: testEnvelope(t, nil)}); err != nil {
		t.Fatalf("Put ns a failed: %v", err)
	}
	// A root write in a different namespace must not conflict.
	if _, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", Namespace: "b", State: testEnvelope(t, nil)}); err != nil {
		t.Fatalf("Put ns b failed: %v", err)
	}

	history, err := s.GetHistory(ctx, "acme:s1", "a", 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("namespaces leaked into each other: %#v", history)
	}
}

func TestStore_CorruptRowSurfacesErrCorrupt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const q = `
INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, namespace, state, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	if _, err := s.db.ExecContext(ctx, q, "acme:s1", "01CORRUPT", "", "", "{not json", "{}", "2026-01-02T03:04:05Z"); err != nil {
		t.Fatalf("failed to plant corrupt row: %v", err)
	}

	if _, err := s.GetLatest(ctx, "acme:s1", ""); !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestStore_LatestFollowsWriteOrderNotIDOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A backward clock step between writes can mint a child whose id
	// sorts below its parent; latest must still be the chain tail.
	const (
		parentID = "01ZZZZZZZZZZZZZZZZZZZZZZZZ"
		childID  = "01AAAAAAAAAAAAAAAAAAAAAAAA"
	)
	const q = `
INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, namespace, state, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	envelope := `{"schemaVersion":1,"payload":{}}`
	if _, err := s.db.ExecContext(ctx, q, "acme:s1", parentID, "", "", envelope, "{}", "2026-01-02T03:04:06Z"); err != nil {
		t.Fatalf("failed to insert parent: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, q, "acme:s1", childID, parentID, "", envelope, "{}", "2026-01-02T03:04:05Z"); err != nil {
		t.Fatalf("failed to insert child: %v", err)
	}

	latest, err := s.GetLatest(ctx, "acme:s1", "")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest.CheckpointID != childID {
		t.Fatalf("latest = %s, want the chain tail %s", latest.CheckpointID, childID)
	}

	// Appending against the reported latest must succeed, not conflict.
	id, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", Parent: childID, State: testEnvelope(t, nil)})
	if err != nil {
		t.Fatalf("Put against the chain tail failed: %v", err)
	}

	history, err := s.GetHistory(ctx, "acme:s1", "", 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 3 || history[0].CheckpointID != id || history[1].CheckpointID != childID || history[2].CheckpointID != parentID {
		t.Fatalf("history must follow write order: %#v", history)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()

	s1, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	id, err := s1.Put(ctx, checkpoint.PutRequest{ThreadID: "acme:s1", State: testEnvelope(t, map[string]any{"turn": float64(1)})})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	cp, err := s2.GetLatest(ctx, "acme:s1", "")
	if err != nil {
		t.Fatalf("GetLatest after reopen failed: %v", err)
	}
	if cp.CheckpointID != id {
		t.Fatalf("checkpoint lost across reopen: %#v", cp)
	}
}
