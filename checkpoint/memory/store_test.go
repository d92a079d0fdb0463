package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/convograph/statekit/checkpoint"
)

func testEnvelope(t *testing.T, state map[string]any) checkpoint.Envelope {
	t.Helper()
	env, err := checkpoint.Encode(state)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return env
}

func TestMemoryStore_PutAndGetLatest(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.Put(ctx, checkpoint.PutRequest{
		ThreadID:  "t1:s1",
		Namespace: "ns",
		State:     testEnvelope(t, map[string]any{"step": float64(1)}),
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	latest, err := s.GetLatest(ctx, "t1:s1", "ns")
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest.CheckpointID != id1 || latest.ParentCheckpointID != "" {
		t.Fatalf("unexpected latest checkpoint: %#v", latest)
	}

	if _, err := s.GetLatest(ctx, "t1:s1", "other-ns"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other namespace, got %v", err)
	}
}

func TestMemoryStore_StaleParentConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "t1:s1", State: testEnvelope(t, nil)})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "t1:s1", Parent: id1, State: testEnvelope(t, nil)}); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	// Re-using the consumed parent must lose.
	if _, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "t1:s1", Parent: id1, State: testEnvelope(t, nil)}); !errors.Is(err, checkpoint.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// And so must a second root.
	if _, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "t1:s1", State: testEnvelope(t, nil)}); !errors.Is(err, checkpoint.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate root, got %v", err)
	}
}

func TestMemoryStore_ConcurrentPutOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "t1:s1", State: testEnvelope(t, nil)})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Put(ctx, checkpoint.PutRequest{ThreadID: "t1:s1", Parent: id1, State: testEnvelope(t, nil)})
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

func TestMemoryStore_HistoryIsLinearMostRecentFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	parent := ""
	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := s.Put(ctx, checkpoint.PutRequest{ThreadID: "t1:s1", Parent: parent, State: testEnvelope(t, nil)})
		if err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
		ids = append(ids, id)
		parent = id
	}

	history, err := s.GetHistory(ctx, "t1:s1", "", 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 checkpoints, got %d", len(history))
	}
	for i, cp := range history {
		if cp.CheckpointID != ids[3-i] {
			t.Fatalf("history out of order at %d: %#v", i, cp)
		}
	}
	// Parent links form a single chain with no branches.
	for i := 0; i < len(history)-1; i++ {
		if history[i].ParentCheckpointID != history[i+1].CheckpointID {
			t.Fatalf("broken parent link at %d", i)
		}
	}
	if history[len(history)-1].ParentCheckpointID != "" {
		t.Fatalf("root checkpoint must have no parent")
	}

	limited, err := s.GetHistory(ctx, "t1:s1", "", 2)
	if err != nil {
		t.Fatalf("GetHistory with limit failed: %v", err)
	}
	if len(limited) != 2 || limited[0].CheckpointID != ids[3] {
		t.Fatalf("unexpected limited history: %#v", limited)
	}
}

func TestMemoryStore_CloseMakesStoreUnavailable(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Put(context.Background(), checkpoint.PutRequest{ThreadID: "t1:s1"}); !errors.Is(err, checkpoint.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after close, got %v", err)
	}
}
