package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/apierr"
	"github.com/agentgraph/runtime/pkg/assistants"
	"github.com/agentgraph/runtime/pkg/database"
	"github.com/agentgraph/runtime/pkg/graph"
	"github.com/agentgraph/runtime/pkg/runs"
	"github.com/agentgraph/runtime/pkg/streaming"
	"github.com/agentgraph/runtime/pkg/threads"
)

// enqueueWaitPoll is how often a strategy=enqueue start_run call re-checks
// whether the thread's active run has gone terminal before it may execute.
// The scheduler serialises execution on thread state rather than letting
// two runs race against the same thread's checkpoints.
const enqueueWaitPoll = 100 * time.Millisecond

// brokerGrace is how long a finished run's streaming.Broker stays
// reachable for a join-stream GET after the run goes terminal, mirroring
// the teacher's 60s transient-event grace window
// (pkg/queue/worker.go's scheduleEventCleanup), scaled down since only a
// LastValues() catchup frame is retained, not a full event history.
const brokerGrace = 30 * time.Second

// Scheduler is the run scheduler (C6): it owns the multitask policy, the
// run/thread lifecycle transitions, and drives graph execution through
// pkg/streaming. One Scheduler per pod.
type Scheduler struct {
	db         *database.Client
	assistants assistants.AssistantStore
	threads    threads.ThreadStore
	runs       runs.RunStore
	registry   *graph.Registry
	brokers    *streaming.Registry
	engine     *streaming.Engine
	podID      string

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// Brokers exposes the run registry so protocol adapters (C9) that need to
// subscribe to a run's frames directly, rather than through Execute's
// return value, can reach the same fan-out Execute itself publishes to.
func (s *Scheduler) Brokers() *streaming.Registry {
	return s.brokers
}

// RunStore exposes the run store for read-only HTTP handlers (get/list)
// that perform no scheduling decisions of their own.
func (s *Scheduler) RunStore() runs.RunStore {
	return s.runs
}

// New builds a Scheduler over the given stores and graph registry.
func New(db *database.Client, assistantStore assistants.AssistantStore, threadStore threads.ThreadStore, runStore runs.RunStore, registry *graph.Registry, brokers *streaming.Registry, podID string) *Scheduler {
	return &Scheduler{
		db:         db,
		assistants: assistantStore,
		threads:    threadStore,
		runs:       runStore,
		registry:   registry,
		brokers:    brokers,
		engine:     streaming.NewEngine(),
		podID:      podID,
		cancels:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// StartRun resolves the assistant, resolves or creates the thread, applies
// the multitask policy against any active run, inserts the new run, marks
// the thread busy, and returns the run record. It performs no graph
// execution — callers drive that via Execute, letting background, wait, and
// stream endpoints share identical scheduling semantics and differ only in
// when they call Execute.
func (s *Scheduler) StartRun(ctx context.Context, req StartRunRequest) (*StartResult, *assistants.Assistant, *threads.Thread, error) {
	assistant, err := s.assistants.ResolveByIDOrGraphID(ctx, req.AssistantIDOrGraphID, req.Owner)
	if err != nil {
		return nil, nil, nil, err
	}

	thread, ephemeral, err := s.resolveThread(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}

	strategy := req.normalizedStrategy(runs.StrategyEnqueue)

	active, err := s.runs.GetActiveRun(ctx, thread.ID, req.Owner)
	if err != nil {
		return nil, nil, nil, err
	}
	if active != nil {
		if err := s.applyMultitaskPolicy(ctx, active, strategy); err != nil {
			return nil, nil, nil, err
		}
	}

	kwargs := map[string]any{
		"input":            req.Input,
		"config":           req.Config,
		"interrupt_before": req.InterruptBefore,
		"interrupt_after":  req.InterruptAfter,
		"stream_mode":      req.StreamMode,
		"webhook":          req.Webhook,
	}
	run := &runs.Run{
		ThreadID:          thread.ID,
		AssistantID:       assistant.ID,
		Status:            runs.StatusPending,
		Metadata:          map[string]any{"owner": req.Owner, "supabase_agent_id": assistant.GraphID},
		Kwargs:            kwargs,
		MultitaskStrategy: strategy,
	}
	created, err := s.runs.Create(ctx, run)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := s.threads.SetStatus(ctx, thread.ID, threads.StatusBusy); err != nil {
		return nil, nil, nil, err
	}

	return &StartResult{Run: created, GraphID: assistant.GraphID, Ephemeral: ephemeral}, assistant, thread, nil
}

// resolveThread resolves an existing thread or creates a new one, per
// if_not_exists. A nil req.ThreadID always creates a fresh, ephemeral
// thread (the stateless-endpoint path).
func (s *Scheduler) resolveThread(ctx context.Context, req StartRunRequest) (*threads.Thread, bool, error) {
	if req.ThreadID == nil {
		t, err := s.threads.Create(ctx, &threads.Thread{Metadata: map[string]any{"owner": req.Owner}})
		return t, true, err
	}

	t, err := s.threads.Get(ctx, *req.ThreadID, req.Owner)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, apierr.ErrNotFound) {
		return nil, false, err
	}
	if req.normalizedIfNotExists() == IfNotExistsReject {
		return nil, false, apierr.ErrNotFound
	}
	t, err = s.threads.Create(ctx, &threads.Thread{ID: *req.ThreadID, Metadata: map[string]any{"owner": req.Owner}})
	return t, false, err
}

// applyMultitaskPolicy resolves a conflict between a new run and an
// existing active run on the same thread.
func (s *Scheduler) applyMultitaskPolicy(ctx context.Context, active *runs.Run, strategy string) error {
	switch strategy {
	case runs.StrategyReject:
		return apierr.ErrConflictingRun
	case runs.StrategyInterrupt:
		s.requestCancel(active.ID)
		return s.runs.TransitionStatus(ctx, active.ID, runs.StatusInterrupted, "")
	case runs.StrategyRollback:
		s.requestCancel(active.ID)
		return s.runs.TransitionStatus(ctx, active.ID, runs.StatusError, "superseded by multitask_strategy=rollback")
	case runs.StrategyEnqueue:
		return nil // the new run waits for active to finish; see waitForThreadFree
	default:
		return apierr.NewValidationError("multitask_strategy", fmt.Sprintf("unknown strategy %q", strategy))
	}
}

// waitForThreadFree blocks until no run is active on threadID, used by
// Execute before invoking a graph under strategy=enqueue.
func (s *Scheduler) waitForThreadFree(ctx context.Context, threadID uuid.UUID, owner string, skipRunID uuid.UUID) error {
	for {
		active, err := s.runs.GetActiveRun(ctx, threadID, owner)
		if err != nil {
			return err
		}
		if active == nil || active.ID == skipRunID {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(enqueueWaitPoll):
		}
	}
}

// Execute drives one run's graph to completion (or an HIL pause),
// publishing SSE frames to a per-run streaming.Broker and applying the
// terminal-transition side effects: the thread returns to idle (or
// interrupted on HIL pause), and the final state snapshot is appended. Safe
// to call from a background goroutine (the background/stream endpoints) or
// synchronously (the wait endpoint) — the only difference is whether the
// caller awaits the returned values.
func (s *Scheduler) Execute(parent context.Context, result *StartResult, assistant *assistants.Assistant, thread *threads.Thread, req StartRunRequest) (values map[string]any, interrupted bool, err error) {
	run := result.Run
	ctx, cancel := context.WithCancel(parent)
	s.registerCancel(run.ID, cancel)
	defer s.unregisterCancel(run.ID)
	defer cancel()

	if run.MultitaskStrategy == runs.StrategyEnqueue {
		if err := s.waitForThreadFree(ctx, thread.ID, req.Owner, run.ID); err != nil {
			return s.failRun(ctx, run, thread, err)
		}
	}

	if err := s.runs.TransitionStatus(ctx, run.ID, runs.StatusRunning, ""); err != nil {
		return s.failRun(ctx, run, thread, err)
	}

	configurable := mergeConfigurable(assistant.Config, req.Config)
	configurable["run_id"] = run.ID.String()
	configurable["thread_id"] = thread.ID.String()
	configurable["assistant_id"] = assistant.ID.String()
	configurable["owner"] = req.Owner
	configurable["user_id"] = req.UserID
	configurable["supabase_organization_id"] = req.OrgID

	factory := s.registry.Resolve(assistant.GraphID)
	if factory == nil {
		return s.failRun(ctx, run, thread, fmt.Errorf("no graph registered for %q", assistant.GraphID))
	}

	var checkpointer, store any
	if s.db != nil {
		if conn, cerr := s.db.Checkpointer(ctx, req.Owner, req.OrgID); cerr == nil {
			defer func() { _ = conn.Close() }()
			checkpointer = conn
		}
		if conn, serr := s.db.Store(ctx, req.Owner, req.OrgID); serr == nil {
			defer func() { _ = conn.Close() }()
			store = conn
		}
	}

	g, err := factory(configurable, checkpointer, store)
	if err != nil {
		return s.failRun(ctx, run, thread, err)
	}

	rc := graph.RunContext{
		RunID: run.ID.String(), ThreadID: thread.ID.String(), AssistantID: assistant.ID.String(),
		Owner: req.Owner, UserID: req.UserID, OrgID: req.OrgID,
		Configurable:    configurable,
		InterruptBefore: req.InterruptBefore,
		InterruptAfter:  req.InterruptAfter,
	}
	id := streaming.RunIdentity{
		Owner: req.Owner, GraphID: assistant.GraphID, AssistantID: assistant.ID.String(),
		RunID: run.ID.String(), ThreadID: thread.ID.String(), UserID: req.UserID,
	}

	broker := s.brokers.Get(run.ID.String())
	if broker == nil {
		broker = s.brokers.Create(run.ID.String())
	}
	execCtx := streaming.WithBroker(ctx, broker)

	values, interrupted, err = s.engine.Run(execCtx, g, rc, id, 1, req.Input)

	s.finishBroker(run.ID.String())

	// parent may already be cancelled (client disconnect); the terminal
	// bookkeeping below must still reach the stores.
	finalCtx := context.WithoutCancel(parent)
	switch {
	case err != nil && errors.Is(ctx.Err(), context.Canceled) && req.normalizedOnDisconnect() == OnDisconnectCancel:
		// Cancellation is not an HIL pause: the run ends interrupted, the
		// thread goes back to idle.
		values, _, err = s.terminalTransition(finalCtx, run, thread, runs.StatusInterrupted, "", values)
		interrupted = false
		if serr := s.threads.SetStatus(finalCtx, thread.ID, threads.StatusIdle); serr != nil {
			slog.Error("failed to reset thread status", "thread_id", thread.ID, "error", serr)
		}
	case err != nil:
		values, interrupted, err = s.failRun(finalCtx, run, thread, err)
	case interrupted:
		values, interrupted, err = s.terminalTransition(finalCtx, run, thread, runs.StatusInterrupted, "", values)
	default:
		values, interrupted, err = s.terminalTransition(finalCtx, run, thread, runs.StatusSuccess, "", values)
	}
	s.maybeDeleteEphemeral(finalCtx, result, req)
	return values, interrupted, err
}

// maybeDeleteEphemeral implements the stateless on_completion=delete
// contract (spec.md §4.7): once a run started on an ephemeral thread has
// gone terminal, the engine deletes the run explicitly and then its thread,
// so a disposable stateless call leaves nothing behind. The run is deleted
// up front rather than relied on to cascade from the thread delete — the
// Postgres store's thread/run foreign key cascades either way, but the
// in-memory fallback store (spec.md §4.2) has no such cascade.
func (s *Scheduler) maybeDeleteEphemeral(ctx context.Context, result *StartResult, req StartRunRequest) {
	if !result.Ephemeral || req.OnCompletion != OnCompletionDelete {
		return
	}
	if err := s.runs.DeleteByThread(ctx, result.Run.ThreadID, result.Run.ID, req.Owner); err != nil && !errors.Is(err, apierr.ErrNotFound) {
		slog.Error("failed to delete ephemeral run on_completion=delete", "run_id", result.Run.ID, "error", err)
	}
	if err := s.threads.Delete(ctx, result.Run.ThreadID, req.Owner); err != nil {
		slog.Error("failed to delete ephemeral thread on_completion=delete", "thread_id", result.Run.ThreadID, "error", err)
	}
}

// ExecuteAgentRun is the non-streaming convenience wrapper used by the
// MCP/A2A protocol adapters: start a run (creating a thread if none given),
// block until terminal, and return the last AI message's text content.
func (s *Scheduler) ExecuteAgentRun(ctx context.Context, assistantIDOrGraphID string, threadID *uuid.UUID, input map[string]any, owner, userID, orgID string) (string, error) {
	req := StartRunRequest{
		ThreadID: threadID, AssistantIDOrGraphID: assistantIDOrGraphID, Input: input,
		MultitaskStrategy: runs.StrategyReject, IfNotExists: IfNotExistsCreate,
		Owner: owner, UserID: userID, OrgID: orgID,
	}
	result, assistant, thread, err := s.StartRun(ctx, req)
	if err != nil {
		return "", err
	}
	values, interrupted, err := s.Execute(ctx, result, assistant, thread, req)
	if err != nil {
		return "", err
	}
	if interrupted {
		return "", fmt.Errorf("run paused for human approval before completion")
	}
	return lastAIMessageContent(values), nil
}

// Cancel transitions run_id to interrupted if it is non-terminal, signalling
// any in-flight Execute on this pod to stop at its next suspension point.
func (s *Scheduler) Cancel(ctx context.Context, runID uuid.UUID, owner string) error {
	run, err := s.runs.Get(ctx, runID, owner)
	if err != nil {
		return err
	}
	if runs.IsTerminal(run.Status) {
		return apierr.ErrNotCancellable
	}
	s.requestCancel(runID)
	if err := s.runs.TransitionStatus(ctx, runID, runs.StatusInterrupted, ""); err != nil {
		return err
	}
	return s.threads.SetStatus(ctx, run.ThreadID, threads.StatusIdle)
}

// CleanupStartupOrphans marks as timeout (and returns the thread to idle)
// every run in "running" whose last_interaction_at is set and in the past:
// after a process crash nothing transitions those rows. Runs still
// "pending", and "running" runs with no recorded last_interaction_at (Execute
// does not set it), are left as they are. Generalized from
// pkg/queue/orphan.go's detectAndRecoverOrphans, run once at startup rather
// than on a ticker, since a freshly started process owns no in-flight runs
// of its own.
func (s *Scheduler) CleanupStartupOrphans(ctx context.Context) (int, error) {
	stale, err := s.runs.StaleRunning(ctx, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range stale {
		if err := s.runs.TransitionStatus(ctx, r.ID, runs.StatusTimeout, "orphaned at startup: owning process no longer running"); err != nil {
			slog.Error("failed to sweep startup orphan", "run_id", r.ID, "error", err)
			continue
		}
		if err := s.threads.SetStatus(ctx, r.ThreadID, threads.StatusIdle); err != nil {
			slog.Error("failed to reset thread after sweeping orphan", "thread_id", r.ThreadID, "error", err)
		}
		count++
	}
	return count, nil
}

// SweepStaleRunning runs the same sweep as CleanupStartupOrphans. threshold
// is not applied: every "running" run whose last_interaction_at is set and in
// the past is marked timeout, whatever its age. Nothing in this module calls
// it on a ticker.
func (s *Scheduler) SweepStaleRunning(ctx context.Context, threshold time.Duration) (int, error) {
	return s.CleanupStartupOrphans(ctx)
}

func (s *Scheduler) failRun(ctx context.Context, run *runs.Run, thread *threads.Thread, cause error) (map[string]any, bool, error) {
	_, _, _ = s.terminalTransition(ctx, run, thread, runs.StatusError, cause.Error(), nil)
	return nil, false, cause
}

func (s *Scheduler) terminalTransition(ctx context.Context, run *runs.Run, thread *threads.Thread, status, errMsg string, values map[string]any) (map[string]any, bool, error) {
	if err := s.runs.TransitionStatus(ctx, run.ID, status, errMsg); err != nil && !errors.Is(err, runs.ErrInvalidTransition) {
		slog.Error("failed to transition run to terminal status", "run_id", run.ID, "status", status, "error", err)
	}
	threadStatus := threads.StatusIdle
	if status == runs.StatusInterrupted {
		threadStatus = threads.StatusInterrupted
	}
	if err := s.threads.SetStatus(ctx, thread.ID, threadStatus); err != nil {
		slog.Error("failed to reset thread status", "thread_id", thread.ID, "error", err)
	}
	if values != nil {
		next := []string{}
		if status == runs.StatusInterrupted {
			next = []string{"synthesis"}
		}
		if _, err := s.threads.AddStateSnapshot(ctx, thread.ID, values, next, nil, nil); err != nil {
			slog.Error("failed to append final state snapshot", "thread_id", thread.ID, "error", err)
		}
	}
	return values, status == runs.StatusInterrupted, nil
}

func (s *Scheduler) finishBroker(runID string) {
	b := s.brokers.Get(runID)
	if b == nil {
		return
	}
	b.Close()
	time.AfterFunc(brokerGrace, func() { s.brokers.Remove(runID) })
}

func (s *Scheduler) registerCancel(runID uuid.UUID, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[runID] = cancel
}

func (s *Scheduler) unregisterCancel(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, runID)
}

// requestCancel cancels the context of an in-flight Execute for runID, if
// one is running on this pod. A no-op otherwise (e.g. the run hasn't
// reached Execute yet, or is executing on a different pod — cross-pod
// cancellation is out of scope for this single-pod deployment; see
// DESIGN.md).
func (s *Scheduler) requestCancel(runID uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func mergeConfigurable(assistantConfig, requestConfig map[string]any) map[string]any {
	out := map[string]any{}
	if c, ok := assistantConfig["configurable"].(map[string]any); ok {
		for k, v := range c {
			out[k] = v
		}
	}
	if requestConfig != nil {
		if c, ok := requestConfig["configurable"].(map[string]any); ok {
			for k, v := range c {
				out[k] = v
			}
		}
	}
	return out
}

func lastAIMessageContent(values map[string]any) string {
	messages, _ := values["messages"].([]any)
	for i := len(messages) - 1; i >= 0; i-- {
		m, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t == "ai" {
			c, _ := m["content"].(string)
			return c
		}
	}
	return ""
}
