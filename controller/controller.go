// Package controller implements the interrupt/resume state machine over
// the checkpoint store. It is the single entry point for advancing a
// conversation thread and the only component that decides when a thread
// pauses or resumes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/convograph/statekit/checkpoint"
	"github.com/convograph/statekit/observe"
	"github.com/convograph/statekit/search"
	"github.com/convograph/statekit/thread"
)

const defaultConflictRetries = 2

// Workflow is the collaborator that owns the business logic of each
// step. The controller drives it node by node; pause points are
// configured on the controller and stay decoupled from however the
// workflow structures its own step graph.
type Workflow interface {
	// Entry returns the node every new turn starts from.
	Entry() string
	// Step executes the named node against the state.
	Step(ctx context.Context, node string, st *State) error
	// Next returns the node following the named one, or "" when the
	// turn is done.
	Next(ctx context.Context, node string, st *State) (string, error)
}

// Input carries one advance call's payload. A new thread requires the
// complete InitialState; resuming requires only the incremental Message.
type Input struct {
	Message      string
	InitialState map[string]any
	Metadata     map[string]any
}

// Result is the outcome of one advance call.
type Result struct {
	Status       ExecutionStatus
	State        State
	PausedAt     string
	CheckpointID string
}

type Controller struct {
	store           checkpoint.Store
	wf              Workflow
	writer          *search.Writer
	observer        observe.Sink
	pausePoints     map[string]bool
	conflictRetries int
	putTimeout      time.Duration
}

type Option func(*Controller)

// WithPausePoints names the nodes the controller interrupts before
// executing.
func WithPausePoints(nodes ...string) Option {
	return func(c *Controller) {
		for _, node := range nodes {
			node = strings.TrimSpace(node)
			if node != "" {
				c.pausePoints[node] = true
			}
		}
	}
}

func WithIndexWriter(writer *search.Writer) Option {
	return func(c *Controller) {
		c.writer = writer
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(c *Controller) {
		if observer != nil {
			c.observer = observer
		}
	}
}

func WithConflictRetries(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.conflictRetries = n
		}
	}
}

// WithPutTimeout bounds each durable write; expiry converts to
// ErrUnavailable, which is safe to retry because of the
// compare-and-append semantics.
func WithPutTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.putTimeout = d
		}
	}
}

func New(store checkpoint.Store, wf Workflow, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	c := &Controller{
		store:           store,
		wf:              wf,
		observer:        observe.NoopSink{},
		pausePoints:     map[string]bool{},
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Advance moves the thread one turn forward: it loads the latest
// checkpoint (new thread if none), runs workflow nodes until the turn
// completes or hits a pause point, and appends exactly one checkpoint.
// A lost compare-and-append race is retried after re-reading latest;
// identical duplicate calls are coalesced onto the winner's result, and
// repeated conflicts surface as ErrBusy.
func (c *Controller) Advance(ctx context.Context, key thread.Key, namespace string, in Input) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	threadID := key.String()

	var lastErr error
	for attempt := 0; attempt <= c.conflictRetries; attempt++ {
		st, parent, isNew, err := c.loadLatest(ctx, threadID, namespace)
		if err != nil {
			return Result{}, err
		}
		if isNew && parent == "" && in.InitialState == nil {
			return Result{}, fmt.Errorf("initial state is required for new thread %s", threadID)
		}

		res, err := c.runTurn(ctx, key, namespace, st, parent, isNew, in)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, checkpoint.ErrConflict) {
			return Result{}, err
		}
		lastErr = err

		if res, ok := c.coalesce(ctx, threadID, namespace, in); ok {
			return res, nil
		}
	}
	return Result{}, fmt.Errorf("%w: advance lost %d consecutive write races: %v",
		checkpoint.ErrBusy, c.conflictRetries+1, lastErr)
}

// History returns the thread's checkpoint chain, most recent first.
func (c *Controller) History(ctx context.Context, key thread.Key, namespace string, limit int) ([]checkpoint.Checkpoint, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return c.store.GetHistory(ctx, key.String(), namespace, limit)
}

// Status classifies the thread from its latest checkpoint.
func (c *Controller) Status(ctx context.Context, key thread.Key, namespace string) (ExecutionStatus, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	cp, err := c.store.GetLatest(ctx, key.String(), namespace)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return StatusNew, nil
		}
		return "", err
	}
	st, err := restoreState(cp.State)
	if err != nil {
		return "", err
	}
	return StatusOf(st), nil
}

// loadLatest resolves the thread's current state. A checkpoint whose
// envelope no longer decodes starts a fresh state appended after the
// corrupt record, with a warning, rather than silently losing the
// request.
func (c *Controller) loadLatest(ctx context.Context, threadID, namespace string) (State, string, bool, error) {
	cp, err := c.store.GetLatest(ctx, threadID, namespace)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return State{}, "", true, nil
		}
		return State{}, "", false, err
	}

	st, err := restoreState(cp.State)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrCorrupt) {
			return State{}, "", false, err
		}
		log.Printf("thread %s checkpoint %s is corrupt, starting fresh state: %v", threadID, cp.CheckpointID, err)
		_ = c.observer.Emit(ctx, observe.Event{
			ThreadID:     threadID,
			Namespace:    namespace,
			CheckpointID: cp.CheckpointID,
			Kind:         observe.KindCheckpoint,
			Status:       observe.StatusFailed,
			Name:         "restore",
			Error:        err.Error(),
		})
		return State{}, cp.CheckpointID, true, nil
	}
	return st, cp.CheckpointID, false, nil
}

func (c *Controller) runTurn(ctx context.Context, key thread.Key, namespace string, st State, parent string, isNew bool, in Input) (Result, error) {
	now := time.Now().UTC()
	started := now
	skipPause := ""
	var node string

	switch {
	case isNew:
		st = State{
			ThreadID:  key.String(),
			Namespace: namespace,
			Data:      cloneMap(in.InitialState),
			StartedAt: now,
		}
		node = c.wf.Entry()
	case st.AwaitingInput:
		// Resume executes from the paused node, not from the start.
		node = st.PausedAt
		skipPause = st.PausedAt
		st.ResumedFrom = st.PausedAt
		st.PausedAt = ""
		st.AwaitingInput = false
	default:
		st.ResumedFrom = ""
		node = c.wf.Entry()
	}

	st.ensureData()
	st.Failed = false
	st.LastError = ""
	st.Resolved = false
	st.UpdatedAt = now
	if in.Message != "" {
		st.Data["user_message"] = in.Message
	}

	c.emit(ctx, observe.Event{
		ThreadID:  st.ThreadID,
		Namespace: namespace,
		Kind:      observe.KindAdvance,
		Status:    observe.StatusStarted,
		Name:      node,
	})

	for node != "" {
		if err := ctx.Err(); err != nil {
			// Cancelled before the durable write: nothing committed.
			return Result{}, err
		}

		if c.pausePoints[node] && node != skipPause {
			st.AwaitingInput = true
			st.PausedAt = node
			st.UpdatedAt = time.Now().UTC()
			id, err := c.put(ctx, st, parent, in.Metadata)
			if err != nil {
				return Result{}, err
			}
			c.dispatchIndex(key, st)
			c.emit(ctx, observe.Event{
				ThreadID:     st.ThreadID,
				Namespace:    namespace,
				CheckpointID: id,
				Kind:         observe.KindAdvance,
				Status:       observe.StatusPaused,
				Name:         node,
				DurationMs:   time.Since(started).Milliseconds(),
			})
			return Result{Status: StatusPaused, State: st, PausedAt: node, CheckpointID: id}, nil
		}
		skipPause = ""

		if err := c.wf.Step(ctx, node, &st); err != nil {
			return c.failTurn(ctx, key, st, parent, in.Metadata, node, err)
		}
		st.LastNode = node
		st.UpdatedAt = time.Now().UTC()

		next, err := c.wf.Next(ctx, node, &st)
		if err != nil {
			return c.failTurn(ctx, key, st, parent, in.Metadata, node, err)
		}
		node = next
	}

	st.Resolved = true
	st.AwaitingInput = false
	st.UpdatedAt = time.Now().UTC()
	id, err := c.put(ctx, st, parent, in.Metadata)
	if err != nil {
		return Result{}, err
	}
	c.dispatchIndex(key, st)
	c.emit(ctx, observe.Event{
		ThreadID:     st.ThreadID,
		Namespace:    namespace,
		CheckpointID: id,
		Kind:         observe.KindAdvance,
		Status:       observe.StatusCompleted,
		Name:         st.LastNode,
		DurationMs:   time.Since(started).Milliseconds(),
	})
	return Result{Status: StatusCompleted, State: st, CheckpointID: id}, nil
}

// failTurn tags the state failed, checkpoints it so the thread stays
// inspectable and resumable, and surfaces the original error. The
// corrective-input policy on the next advance belongs to the workflow.
func (c *Controller) failTurn(ctx context.Context, key thread.Key, st State, parent string, meta map[string]any, node string, stepErr error) (Result, error) {
	st.Failed = true
	st.LastError = stepErr.Error()
	st.AwaitingInput = false
	st.UpdatedAt = time.Now().UTC()

	if _, err := c.put(ctx, st, parent, meta); err != nil {
		if errors.Is(err, checkpoint.ErrConflict) {
			return Result{}, err
		}
		log.Printf("thread %s failed-state checkpoint write failed: %v", st.ThreadID, err)
	} else {
		c.dispatchIndex(key, st)
	}
	c.emit(ctx, observe.Event{
		ThreadID:  st.ThreadID,
		Namespace: st.Namespace,
		Kind:      observe.KindAdvance,
		Status:    observe.StatusFailed,
		Name:      node,
		Error:     stepErr.Error(),
	})
	return Result{}, fmt.Errorf("workflow step %q failed: %w", node, stepErr)
}

// coalesce handles a lost race caused by a duplicate of this very call:
// when the winner applied the same incremental input, its result stands
// for ours and no second checkpoint is written.
func (c *Controller) coalesce(ctx context.Context, threadID, namespace string, in Input) (Result, bool) {
	cp, err := c.store.GetLatest(ctx, threadID, namespace)
	if err != nil {
		return Result{}, false
	}
	st, err := restoreState(cp.State)
	if err != nil {
		return Result{}, false
	}
	msg, _ := st.Data["user_message"].(string)
	if in.Message == "" || msg != in.Message {
		return Result{}, false
	}
	return Result{
		Status:       StatusOf(st),
		State:        st,
		PausedAt:     st.PausedAt,
		CheckpointID: cp.CheckpointID,
	}, true
}

func (c *Controller) put(ctx context.Context, st State, parent string, meta map[string]any) (string, error) {
	env, err := st.snapshot()
	if err != nil {
		return "", err
	}

	metadata := map[string]any{"lastNodeId": st.LastNode}
	for k, v := range meta {
		metadata[k] = v
	}

	pctx := ctx
	if c.putTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, c.putTimeout)
		defer cancel()
	}

	id, err := c.store.Put(pctx, checkpoint.PutRequest{
		ThreadID:  st.ThreadID,
		Namespace: st.Namespace,
		Parent:    parent,
		State:     env,
		Metadata:  metadata,
		CreatedAt: st.UpdatedAt,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w: checkpoint write timed out: %v", checkpoint.ErrUnavailable, err)
		}
		return "", err
	}

	c.emit(ctx, observe.Event{
		ThreadID:     st.ThreadID,
		Namespace:    st.Namespace,
		CheckpointID: id,
		Kind:         observe.KindCheckpoint,
		Status:       observe.StatusCompleted,
		Name:         st.LastNode,
	})
	return id, nil
}

// dispatchIndex projects the state into a search document off the
// critical path. Index failures never reach the advance caller.
func (c *Controller) dispatchIndex(key thread.Key, st State) {
	if c.writer == nil {
		return
	}
	intent, _ := st.Data["intent"].(string)
	c.writer.Enqueue(search.Document{
		ThreadID:      st.ThreadID,
		TenantID:      key.TenantID,
		SessionID:     key.SessionID,
		Intent:        intent,
		PausedAt:      st.PausedAt,
		Resolved:      st.Resolved,
		AwaitingInput: st.AwaitingInput,
		Messages:      flattenMessages(st.Data),
		Metadata:      map[string]any{"namespace": st.Namespace, "lastNodeId": st.LastNode},
		IndexedAt:     time.Now().UTC(),
	})
}

func (c *Controller) emit(ctx context.Context, event observe.Event) {
	_ = c.observer.Emit(ctx, event)
}

func flattenMessages(data map[string]any) string {
	history, ok := data["conversation_history"].([]any)
	if !ok {
		if msg, ok := data["user_message"].(string); ok {
			return msg
		}
		return ""
	}
	parts := make([]string, 0, len(history))
	for _, item := range history {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := entry["content"].(string); ok && content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, " ")
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
