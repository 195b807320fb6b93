// Package scheduler implements the single cooperative scheduling loop:
// a fast axis that drains the inbox queue, and a slow axis that runs the
// reconciler, stuck/completed-agent checks, a merge-queue tick, and
// stale-worktree cleanup. Grounded on the teacher's poller.go (the
// janitorSweep/pollAgentStatuses split is this package's fast/slow axis),
// generalized from a Mattermost background job to a standalone loop.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/log"
	"github.com/nickmisasi/nexuscore/internal/metrics"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/queue"
)

// Defaults per spec §4.H.
const (
	DefaultSleepInterval = 5 * time.Second
	DefaultCheckInterval = 60 * time.Second

	// maxConcurrentClaims bounds how many claimed tasks are processed
	// concurrently within a single fast-axis tick.
	maxConcurrentClaims = 8
)

// TaskProcessor turns one claimed queue row into a workflow (Router +
// WorkflowEngine.create_or_continue, in the caller's wiring).
type TaskProcessor func(ctx context.Context, task nexus.Task) error

// SlowAxisHook is one unit of slow-axis work (reconciler pass,
// stuck-agent check, merge-queue tick, stale-worktree cleanup, ...). Hooks
// run sequentially in registration order so a later hook can rely on an
// earlier one having completed (e.g. reconciler before stuck-agent check).
type SlowAxisHook func(ctx context.Context) error

// Options configures a Scheduler; zero values fall back to spec defaults.
type Options struct {
	SleepInterval  time.Duration
	CheckInterval  time.Duration
	ClaimBatchSize int
	WorkerID       string
}

// Scheduler drives the fast/slow dual-axis loop.
type Scheduler struct {
	q       queue.InboxQueue
	clock   clock.Clock
	logger  *log.Logger
	metrics *metrics.Registry

	sleepInterval time.Duration
	checkInterval time.Duration

	claimBatchSize int
	workerID       string
	processTask    TaskProcessor

	slowHooks []SlowAxisHook

	ticking atomic.Bool
}

// New constructs a Scheduler. processTask is invoked once per claimed
// task; slowHooks run in order on every slow-axis tick. m may be nil, in
// which case claim/duplicate counters are not recorded.
func New(q queue.InboxQueue, clk clock.Clock, logger *log.Logger, m *metrics.Registry, opts Options, processTask TaskProcessor, slowHooks ...SlowAxisHook) *Scheduler {
	sleep := opts.SleepInterval
	if sleep <= 0 {
		sleep = DefaultSleepInterval
	}
	check := opts.CheckInterval
	if check <= 0 {
		check = DefaultCheckInterval
	}
	batch := opts.ClaimBatchSize
	if batch <= 0 {
		batch = maxConcurrentClaims
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "scheduler"
	}

	return &Scheduler{
		q:              q,
		clock:          clk,
		logger:         logger,
		metrics:        m,
		sleepInterval:  sleep,
		checkInterval:  check,
		claimBatchSize: batch,
		workerID:       workerID,
		processTask:    processTask,
		slowHooks:      slowHooks,
	}
}

// Run blocks, executing the dual-axis loop until ctx is cancelled. A
// single tick is never re-entrant: if the previous tick has not finished,
// the next fast-axis firing is skipped rather than queued.
func (s *Scheduler) Run(ctx context.Context) error {
	fastTicker := time.NewTicker(s.sleepInterval)
	defer fastTicker.Stop()
	slowTicker := time.NewTicker(s.checkInterval)
	defer slowTicker.Stop()

	// Run an initial slow-axis pass immediately (covers the "on startup"
	// reconciliation requirement) before entering the ticking loop.
	s.runSlowAxis(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fastTicker.C:
			s.runFastAxis(ctx)
		case <-slowTicker.C:
			s.runSlowAxis(ctx)
		}
	}
}

func (s *Scheduler) runFastAxis(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Debugf("scheduler: fast axis tick skipped, previous tick still running")
		return
	}
	defer s.ticking.Store(false)

	tasks, err := s.q.Claim(ctx, s.claimBatchSize, s.workerID)
	if err != nil {
		s.logger.Errorf("scheduler: claim failed: %v", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.QueueClaimsTotal.WithLabelValues(s.workerID).Add(float64(len(tasks)))
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentClaims)
	for _, t := range tasks {
		t := t
		group.Go(func() error {
			if err := s.processTask(gctx, t); err != nil {
				s.logger.Errorf("scheduler: failed to process task %q: %v", t.ID, err)
				return s.q.MarkFailed(gctx, t.ID, err)
			}
			return s.q.MarkDone(gctx, t.ID)
		})
	}
	if err := group.Wait(); err != nil {
		s.logger.Debugf("scheduler: fast axis batch completed with errors: %v", err)
	}
}

func (s *Scheduler) runSlowAxis(ctx context.Context) {
	for _, hook := range s.slowHooks {
		if err := hook(ctx); err != nil {
			s.logger.Errorf("scheduler: slow axis hook failed: %v", err)
		}
	}
}
