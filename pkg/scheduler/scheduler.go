package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/safeflowhq/safeflow/pkg/adapter"
)

// TaskFunc executes one tool run. It returns findings and diagnostics on
// success; failures are typed adapter errors. A non-nil result alongside an
// error carries partial output.
type TaskFunc func(ctx context.Context) (*adapter.RunResult, error)

// Task is one schedulable unit of work.
type Task struct {
	ID      string
	ToolID  string
	Timeout time.Duration // overrides Config.PerTaskTimeout when set
	Run     TaskFunc
}

// Status classifies a task's terminal outcome.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Result is the completion message handed back to the engine.
type Result struct {
	TaskID   string
	ToolID   string
	Status   Status
	Attempts int
	Outcome  *adapter.RunResult // non-nil on success, or partial output on failure
	Err      error
}

// Scheduler bounds concurrent task execution and applies the retry policy.
// One scheduler serves all workflows of a process.
type Scheduler struct {
	cfg Config
	sem *semaphore.Weighted
}

func New(cfg Config) (*Scheduler, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxParallel)),
	}, nil
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

// Dispatch runs all tasks under the parallelism bound and streams completion
// results. The returned channel closes once every task has completed or been
// dropped. Cancellation of ctx drops queued tasks and signals running ones.
func (s *Scheduler) Dispatch(ctx context.Context, tasks []Task) <-chan Result {
	results := make(chan Result, len(tasks))

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()

			if err := s.sem.Acquire(ctx, 1); err != nil {
				// Queued task dropped by cancellation before it started.
				results <- Result{
					TaskID: task.ID,
					ToolID: task.ToolID,
					Status: StatusCanceled,
					Err:    adapter.NewCanceled(task.ToolID),
				}
				return
			}
			defer s.sem.Release(1)

			results <- s.runWithRetry(ctx, task)
		}(task)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// RunSequential executes tasks one at a time in order, stopping early on
// cancellation. Used by single-tool nodes.
func (s *Scheduler) RunSequential(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, 0, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			results = append(results, Result{
				TaskID: task.ID,
				ToolID: task.ToolID,
				Status: StatusCanceled,
				Err:    adapter.NewCanceled(task.ToolID),
			})
			continue
		}
		results = append(results, s.runWithRetry(ctx, task))
	}
	return results
}

func (s *Scheduler) runWithRetry(ctx context.Context, task Task) Result {
	maxRetries := s.cfg.Retries()

	var lastErr error
	var lastPartial *adapter.RunResult
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.Backoff(attempt - 1)
			slog.Debug("retrying task",
				"task", task.ID, "tool", task.ToolID, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{
					TaskID:   task.ID,
					ToolID:   task.ToolID,
					Status:   StatusCanceled,
					Attempts: attempt,
					Outcome:  lastPartial,
					Err:      adapter.NewCanceled(task.ToolID),
				}
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = s.cfg.PerTaskTimeout
		}
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		outcome, err := task.Run(attemptCtx)
		if cancel != nil {
			cancel()
		}
		attempts = attempt + 1

		if err == nil {
			return Result{
				TaskID:   task.ID,
				ToolID:   task.ToolID,
				Status:   StatusSucceeded,
				Attempts: attempt + 1,
				Outcome:  outcome,
			}
		}

		lastErr = err
		if outcome != nil {
			lastPartial = outcome
		}

		if ctx.Err() != nil || adapter.KindOf(err) == adapter.KindCanceled {
			return Result{
				TaskID:   task.ID,
				ToolID:   task.ToolID,
				Status:   StatusCanceled,
				Attempts: attempt + 1,
				Outcome:  lastPartial,
				Err:      adapter.NewCanceled(task.ToolID),
			}
		}

		if !s.retryable(err) {
			break
		}
	}

	return Result{
		TaskID:   task.ID,
		ToolID:   task.ToolID,
		Status:   StatusFailed,
		Attempts: attempts,
		Outcome:  lastPartial,
		Err:      lastErr,
	}
}

// retryable applies the policy: Timeout always, ExecutionFailed only for
// whitelisted exit codes, everything else never.
func (s *Scheduler) retryable(err error) bool {
	ae, ok := adapter.AsError(err)
	if !ok {
		return false
	}
	switch ae.Kind {
	case adapter.KindTimeout:
		return true
	case adapter.KindExecutionFailed:
		for _, code := range s.cfg.RetryExitCodes {
			if ae.ExitCode == code {
				return true
			}
		}
		return false
	default:
		return false
	}
}
