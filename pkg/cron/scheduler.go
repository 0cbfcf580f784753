package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/apierr"
	"github.com/agentgraph/runtime/pkg/assistants"
	"github.com/agentgraph/runtime/pkg/runs"
	"github.com/agentgraph/runtime/pkg/scheduler"
	"github.com/agentgraph/runtime/pkg/threads"
)

// Runner is the subset of the run scheduler (C6) the cron scheduler drives:
// start a run from a cron's stored payload and execute it to completion.
// Expressed as an interface so tests can substitute a fake without standing
// up the full persistence boundary.
type Runner interface {
	StartRun(ctx context.Context, req scheduler.StartRunRequest) (*scheduler.StartResult, *assistants.Assistant, *threads.Thread, error)
	Execute(ctx context.Context, result *scheduler.StartResult, assistant *assistants.Assistant, thread *threads.Thread, req scheduler.StartRunRequest) (map[string]any, bool, error)
}

// Scheduler is the in-process wall-clock cron scheduler (C8): a single
// background ticker that polls for due crons and fires each on its own
// worker goroutine, never on the timer goroutine itself, matching §5's
// "fire callbacks run on worker tasks, not on the timer." Grounded
// structurally on the teacher's pkg/cleanup/service.go Start/Stop/run
// ticker shape.
type Scheduler struct {
	store        CronStore
	threads      threads.ThreadStore
	runner       Runner
	tickInterval time.Duration
	misfireGrace time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	firing map[uuid.UUID]bool // suppresses concurrent instances of the same cron
}

// New builds a cron Scheduler. tickInterval controls how often the
// background loop polls for due crons; misfireGrace bounds how late a fire
// may run before it is still coalesced into a single catch-up execution
// rather than skipped or replayed per missed tick.
func New(store CronStore, threadStore threads.ThreadStore, runner Runner, tickInterval, misfireGrace time.Duration) *Scheduler {
	return &Scheduler{
		store:        store,
		threads:      threadStore,
		runner:       runner,
		tickInterval: tickInterval,
		misfireGrace: misfireGrace,
		firing:       make(map[uuid.UUID]bool),
	}
}

// Start launches the background polling loop. Non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	slog.Info("cron scheduler started", "tick_interval", s.tickInterval, "misfire_grace", s.misfireGrace)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cron scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick polls for due crons and fires each exactly once, skipping any cron
// whose previous fire is still in flight (concurrent-instance suppression).
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueBefore(ctx, now)
	if err != nil {
		slog.Error("cron scheduler: failed to list due crons", "error", err)
		return
	}
	for _, c := range due {
		if !s.tryStartFiring(c.ID) {
			continue // already firing on another tick; suppressed
		}
		go func(c *Cron) {
			defer s.finishFiring(c.ID)
			s.fire(ctx, c, now)
		}(c)
	}
}

func (s *Scheduler) tryStartFiring(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firing[id] {
		return false
	}
	s.firing[id] = true
	return true
}

func (s *Scheduler) finishFiring(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.firing, id)
}

// fire implements the per-fire algorithm of spec.md §4.8: reload, check
// end_time, resolve the execution thread, start+execute the run, then
// recompute and persist next_run_date. firedAt is the tick's observed
// "now"; a fire running more than misfireGrace late is still a single
// catch-up, never replayed once per missed tick.
func (s *Scheduler) fire(ctx context.Context, stale *Cron, firedAt time.Time) {
	c, err := s.reload(ctx, stale.ID)
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return // deleted since the tick observed it
		}
		slog.Error("cron scheduler: failed to reload cron", "cron_id", stale.ID, "error", err)
		return
	}

	if c.EndTime != nil && c.EndTime.Before(firedAt) {
		slog.Info("cron past end_time, not firing", "cron_id", c.ID)
		return
	}

	late := firedAt.Sub(c.NextRunDate)
	if late > s.misfireGrace {
		slog.Warn("cron fired late beyond misfire grace, coalescing to one catch-up fire",
			"cron_id", c.ID, "late_by", late)
	}

	threadID, err := s.resolveThread(ctx, c)
	if err != nil {
		slog.Error("cron scheduler: failed to resolve execution thread", "cron_id", c.ID, "error", err)
		return
	}

	req := payloadToRequest(c, threadID)
	result, assistant, thread, err := s.runner.StartRun(ctx, req)
	if err != nil {
		slog.Error("cron scheduler: failed to start run", "cron_id", c.ID, "error", err)
	} else if _, _, err := s.runner.Execute(ctx, result, assistant, thread, req); err != nil {
		slog.Error("cron scheduler: run execution failed", "cron_id", c.ID, "run_id", result.Run.ID, "error", err)
	}

	if _, err := s.store.AdvanceNextRunDate(ctx, c.ID, c.Schedule, firedAt); err != nil {
		slog.Error("cron scheduler: failed to advance next_run_date", "cron_id", c.ID, "error", err)
	}
}

// resolveThread implements the thread-reuse policy: a "delete" cron always
// executes on the same (disposable, re-created-if-missing) thread; a "keep"
// cron creates a fresh thread on every fire so each run's history is not
// shared with the last.
func (s *Scheduler) resolveThread(ctx context.Context, c *Cron) (uuid.UUID, error) {
	if c.OnRunCompleted == OnRunCompletedDelete && c.ThreadID != nil {
		return *c.ThreadID, nil
	}

	owner := c.Owner()
	t, err := s.threads.Create(ctx, &threads.Thread{Metadata: map[string]any{"owner": owner, "cron_id": c.ID.String()}})
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.store.SetThread(ctx, c.ID, t.ID); err != nil {
		return uuid.Nil, err
	}
	return t.ID, nil
}

func (s *Scheduler) reload(ctx context.Context, id uuid.UUID) (*Cron, error) {
	return s.store.Reload(ctx, id)
}

// payloadToRequest replays the cron's stored run-create payload into a
// scheduler.StartRunRequest, stamping the resolved execution thread and the
// cron owner's identity (its metadata owner and org_id) that a fired
// (unattended) run carries. assistant_id is always resolved from the cron record itself,
// not from the payload, so an edited assistant_id on the payload cannot
// retarget a cron to a different owner's assistant.
func payloadToRequest(c *Cron, threadID uuid.UUID) scheduler.StartRunRequest {
	owner := c.Owner()
	input, _ := c.Payload["input"].(map[string]any)
	config, _ := c.Payload["config"].(map[string]any)
	strategy, _ := c.Payload["multitask_strategy"].(string)
	if strategy == "" {
		strategy = runs.StrategyEnqueue
	}
	return scheduler.StartRunRequest{
		ThreadID:             &threadID,
		AssistantIDOrGraphID: c.AssistantID.String(),
		Input:                input,
		Config:               config,
		MultitaskStrategy:    strategy,
		IfNotExists:          scheduler.IfNotExistsCreate,
		Owner:                owner,
		UserID:               owner,
		OrgID:                metaString(c.Metadata, "org_id"),
	}
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
