package support

import (
	"context"
	"strings"
	"testing"

	"github.com/convograph/statekit/checkpoint/memory"
	"github.com/convograph/statekit/controller"
	"github.com/convograph/statekit/thread"
)

func newSupportController(t *testing.T) *controller.Controller {
	t.Helper()
	c, err := controller.New(memory.New(), New(), controller.WithPausePoints(PausePoints...))
	if err != nil {
		t.Fatalf("controller setup failed: %v", err)
	}
	return c
}

// TestThreeTurnConversation walks a full support conversation: an order
// lookup that completes, an escalation that pauses at the human gate,
// and an approval that resumes and completes. Each turn appends exactly
// one checkpoint onto the same chain.
func TestThreeTurnConversation(t *testing.T) {
	c := newSupportController(t)
	ctx := context.Background()
	key := thread.Key{TenantID: "acme", SessionID: "case-881"}
	const ns = "customer_service"

	msg1 := "Where is my order #12345? It was supposed to arrive Monday."
	res1, err := c.Advance(ctx, key, ns, controller.Input{Message: msg1, InitialState: InitialState(msg1)})
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if res1.Status != controller.StatusCompleted {
		t.Fatalf("turn 1 status = %s, want COMPLETED", res1.Status)
	}
	if res1.State.Data["intent"] != "order" || res1.State.Data["order_id"] != "12345" {
		t.Fatalf("turn 1 routing: %#v", res1.State.Data)
	}
	reply1, _ := res1.State.Data["final_reply"].(string)
	if !strings.Contains(reply1, "In Transit") {
		t.Fatalf("turn 1 reply = %q", reply1)
	}

	res2, err := c.Advance(ctx, key, ns, controller.Input{Message: "This is unacceptable, I need to speak to a human."})
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if res2.Status != controller.StatusPaused || res2.PausedAt != NodeHumanGate {
		t.Fatalf("turn 2 should pause at the human gate: %s at %q", res2.Status, res2.PausedAt)
	}
	if res2.State.Data["intent"] != "human" {
		t.Fatalf("turn 2 routing: %#v", res2.State.Data)
	}
	// Interrupt-before: the gate itself has not run.
	if draft, _ := res2.State.Data["draft_reply"].(string); strings.Contains(draft, "approved") {
		t.Fatalf("gate must not execute before resume: %q", draft)
	}

	res3, err := c.Advance(ctx, key, ns, controller.Input{Message: "approved"})
	if err != nil {
		t.Fatalf("turn 3 failed: %v", err)
	}
	if res3.Status != controller.StatusCompleted {
		t.Fatalf("turn 3 status = %s, want COMPLETED", res3.Status)
	}
	if res3.State.ResumedFrom != NodeHumanGate {
		t.Fatalf("turn 3 should resume from the gate: %#v", res3.State)
	}
	reply3, _ := res3.State.Data["final_reply"].(string)
	if !strings.Contains(reply3, "approved") {
		t.Fatalf("turn 3 reply = %q", reply3)
	}

	history, err := c.History(ctx, key, ns, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(history))
	}
	want := []string{res3.CheckpointID, res2.CheckpointID, res1.CheckpointID}
	for i, cp := range history {
		if cp.CheckpointID != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, cp.CheckpointID, want[i])
		}
	}
	if history[0].ParentCheckpointID != history[1].CheckpointID ||
		history[1].ParentCheckpointID != history[2].CheckpointID ||
		history[2].ParentCheckpointID != "" {
		t.Fatalf("history is not one linear chain: %#v", history)
	}
}

func TestTriageRouting(t *testing.T) {
	cases := []struct {
		message string
		intent  string
		orderID string
	}{
		{"Where is order #12345?", "order", "12345"},
		{"my order never arrived", "order", ""},
		{"I am furious about this", "human", ""},
		{"give me a refund now", "human", ""},
		{"what is your return policy", "faq", ""},
		{"hello there", "faq", ""},
	}

	w := New()
	for _, tc := range cases {
		st := &controller.State{Data: map[string]any{"user_message": tc.message, "conversation_history": []any{}}}
		if err := w.Step(context.Background(), NodeTriage, st); err != nil {
			t.Fatalf("triage(%q) failed: %v", tc.message, err)
		}
		if st.Data["intent"] != tc.intent {
			t.Fatalf("triage(%q) intent = %v, want %s", tc.message, st.Data["intent"], tc.intent)
		}
		if tc.orderID != "" && st.Data["order_id"] != tc.orderID {
			t.Fatalf("triage(%q) order_id = %v, want %s", tc.message, st.Data["order_id"], tc.orderID)
		}
	}
}

func TestFAQAnswersByKeyword(t *testing.T) {
	w := New()
	st := &controller.State{Data: map[string]any{"user_message": "how long does shipping take?"}}
	if err := w.Step(context.Background(), NodeFAQ, st); err != nil {
		t.Fatalf("faq failed: %v", err)
	}
	draft, _ := st.Data["draft_reply"].(string)
	if !strings.Contains(draft, "5-7 business days") {
		t.Fatalf("unexpected faq reply: %q", draft)
	}
}

func TestOrderLookupUnknownOrder(t *testing.T) {
	w := New()
	st := &controller.State{Data: map[string]any{"order_id": "99999"}}
	if err := w.Step(context.Background(), NodeOrder, st); err != nil {
		t.Fatalf("order failed: %v", err)
	}
	draft, _ := st.Data["draft_reply"].(string)
	if !strings.Contains(draft, "couldn't find") {
		t.Fatalf("unexpected reply for unknown order: %q", draft)
	}
}

func TestConversationHistoryAccumulates(t *testing.T) {
	c := newSupportController(t)
	ctx := context.Background()
	key := thread.Key{TenantID: "acme", SessionID: "case-1"}

	msg := "what payment methods do you accept?"
	res, err := c.Advance(ctx, key, "", controller.Input{Message: msg, InitialState: InitialState(msg)})
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	history, _ := res.State.Data["conversation_history"].([]any)
	if len(history) != 2 {
		t.Fatalf("expected user + assistant entries, got %d: %#v", len(history), history)
	}
	first, _ := history[0].(map[string]any)
	if first["role"] != "user" || first["content"] != msg {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	last, _ := history[1].(map[string]any)
	if last["role"] != "assistant" {
		t.Fatalf("unexpected last entry: %#v", last)
	}
}
