// Package scheduler runs jobs under a global concurrency ceiling and keeps
// the registry of live tasks used for cancellation.
//
// A task passes two cancellation checkpoints in the job runner: before the
// agent is invoked and before changes are committed and pushed. A regular
// cancel is only observed there; a forced cancel also cancels the task's
// context, which kills the agent process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Pr0fe5s0r/gitybara/internal/state"
	"github.com/Pr0fe5s0r/gitybara/internal/store"
)

var (
	// ErrAlreadyClaimed means another task or process owns the job.
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrAtCapacity means every slot is taken; the job stays pending.
	ErrAtCapacity = errors.New("scheduler at capacity")
	// ErrShuttingDown means the scheduler no longer accepts work.
	ErrShuttingDown = errors.New("scheduler shutting down")
	// ErrCancelled is returned by Checkpoint after a cancel request.
	ErrCancelled = errors.New("task cancelled")
)

// Claimer moves a job into in-progress with a compare-and-set on its status.
type Claimer interface {
	Claim(ctx context.Context, id int64, from state.Status) (*store.Job, error)
}

// Func executes a claimed job. It is always called once per successful
// Submit, even if the task was cancelled before it got a slot, so it can
// settle the job's final status.
type Func func(ctx context.Context, t *Task) error

// Task is the runtime handle for one executing job.
type Task struct {
	JobID     int64
	Key       store.Key
	StartedAt time.Time

	job    *store.Job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cancelled atomic.Bool

	mu        sync.Mutex
	workspace string
}

// Job returns the job as it was claimed.
func (t *Task) Job() *store.Job {
	return t.job
}

// Done is closed once the task's Func has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Checkpoint returns ErrCancelled after a cancel request, the context's
// error once it is done, and nil otherwise.
func (t *Task) Checkpoint(ctx context.Context) error {
	if t.cancelled.Load() {
		return ErrCancelled
	}
	return ctx.Err()
}

// SetWorkspace records the task's workspace path for listings.
func (t *Task) SetWorkspace(path string) {
	t.mu.Lock()
	t.workspace = path
	t.mu.Unlock()
}

func (t *Task) Workspace() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workspace
}

// Info is a snapshot of a live task.
type Info struct {
	JobID     int64         `json:"job_id"`
	Key       store.Key     `json:"key"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Workspace string        `json:"workspace,omitempty"`
	Cancelled bool          `json:"cancelled"`
}

// Result is the outcome of a cancel request.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Scheduler admits jobs up to a global ceiling.
type Scheduler struct {
	claimer Claimer
	sem     *semaphore.Weighted
	max     int
	logger  *slog.Logger

	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.Mutex
	tasks     map[int64]*Task
	accepting bool
}

// New creates a scheduler allowing maxTotal concurrent agent runs.
func New(claimer Claimer, maxTotal int, logger *slog.Logger) *Scheduler {
	if maxTotal < 1 {
		maxTotal = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		claimer:   claimer,
		sem:       semaphore.NewWeighted(int64(maxTotal)),
		max:       maxTotal,
		logger:    logger,
		base:      base,
		stopBase:  stop,
		tasks:     make(map[int64]*Task),
		accepting: true,
	}
}

// register adds t to the registry. Two live tasks for one job is a bug.
// Callers hold s.mu.
func (s *Scheduler) register(t *Task) {
	if _, exists := s.tasks[t.JobID]; exists {
		panic(fmt.Sprintf("scheduler: second task registered for job %d", t.JobID))
	}
	s.tasks[t.JobID] = t
}

func (s *Scheduler) unregister(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.JobID] == t {
		delete(s.tasks, t.JobID)
	}
	t.cancel()
}

// Submit claims job and starts fn in its own goroutine. The claim is a
// compare-and-set from the job's current status, so concurrent submitters
// in this or another process cannot both win. Submit does not block on the
// concurrency ceiling.
func (s *Scheduler) Submit(ctx context.Context, job *store.Job, fn Func) (*Task, error) {
	taskCtx, cancel := context.WithCancel(s.base)
	t := &Task{
		JobID:  job.ID,
		Key:    job.Key,
		ctx:    taskCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	switch {
	case !s.accepting:
		s.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	case s.tasks[job.ID] != nil:
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s has a live task", ErrAlreadyClaimed, job.Key)
	case len(s.tasks) >= s.max:
		s.mu.Unlock()
		cancel()
		return nil, ErrAtCapacity
	}
	// Reserve the slot so no other submitter claims the same job meanwhile.
	// The wait group is joined under the lock so Shutdown cannot miss it.
	s.register(t)
	s.wg.Add(1)
	s.mu.Unlock()

	claimed, err := s.claimer.Claim(ctx, job.ID, job.Status)
	if err != nil {
		s.unregister(t)
		s.wg.Done()
		if errors.Is(err, store.ErrTransitionConflict) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, job.Key)
		}
		return nil, fmt.Errorf("claiming %s: %w", job.Key, err)
	}
	s.mu.Lock()
	t.job = claimed
	t.StartedAt = time.Now()
	s.mu.Unlock()

	go s.run(t, fn)
	return t, nil
}

func (s *Scheduler) run(t *Task, fn Func) {
	defer s.wg.Done()
	defer close(t.done)
	defer s.unregister(t)

	if err := s.sem.Acquire(t.ctx, 1); err == nil {
		defer s.sem.Release(1)
	}

	err := fn(t.ctx, t)
	switch {
	case err == nil:
		s.logger.Debug("task finished", "job", t.JobID, "issue", t.Key.String(), "elapsed", time.Since(t.StartedAt).Round(time.Second))
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		s.logger.Info("task cancelled", "job", t.JobID, "issue", t.Key.String())
	default:
		s.logger.Error("task failed", "job", t.JobID, "issue", t.Key.String(), "error", err)
	}
}

// RunLimited runs fn while holding one slot of the global ceiling. It is
// used for agent work that is not a job task, such as conflict resolution.
func (s *Scheduler) RunLimited(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return fn(ctx)
}

// Cancel requests cancellation of the job's live task. With force the
// task's context is cancelled as well. A job with no live task is reported,
// not treated as an error.
func (s *Scheduler) Cancel(jobID int64, force bool) Result {
	s.mu.Lock()
	t := s.tasks[jobID]
	s.mu.Unlock()

	if t == nil {
		return Result{Success: false, Message: "not running"}
	}

	t.cancelled.Store(true)
	if force {
		t.cancel()
		s.logger.Info("task force-cancelled", "job", jobID, "issue", t.Key.String())
		return Result{Success: true, Message: "force-cancelled"}
	}
	s.logger.Info("task cancellation requested", "job", jobID, "issue", t.Key.String())
	return Result{Success: true, Message: "cancellation requested"}
}

// CancelAll cancels every live task and returns how many were signalled.
func (s *Scheduler) CancelAll(force bool) int {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if s.Cancel(id, force).Success {
			n++
		}
	}
	return n
}

// Running lists live tasks, oldest first.
func (s *Scheduler) Running() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	infos := make([]Info, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.job == nil {
			continue // still claiming
		}
		infos = append(infos, Info{
			JobID:     t.JobID,
			Key:       t.Key,
			StartedAt: t.StartedAt,
			Elapsed:   now.Sub(t.StartedAt),
			Workspace: t.Workspace(),
			Cancelled: t.Cancelled(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// Active returns the number of registered tasks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Capacity returns the global ceiling.
func (s *Scheduler) Capacity() int {
	return s.max
}

// Shutdown stops accepting work and waits for live tasks. When ctx ends
// first, the remaining tasks are force-cancelled and waited for.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stopBase()
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached, cancelling tasks", "tasks", s.Active())
		s.stopBase()
		<-done
		return ctx.Err()
	}
}
