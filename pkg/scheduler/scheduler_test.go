package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxParallel:   4,
		MaxRetries:    &maxRetries,
		BaseBackoff:   time.Millisecond,
		BackoffFactor: 2,
		MaxBackoff:    5 * time.Millisecond,
	}
}

func successResult() *adapter.RunResult {
	return &adapter.RunResult{Findings: []schema.Finding{{FindingID: "f1"}}}
}

func collect(ch <-chan Result) map[string]Result {
	out := make(map[string]Result)
	for r := range ch {
		out[r.TaskID] = r
	}
	return out
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.MaxParallel != DefaultMaxParallel {
		t.Errorf("MaxParallel = %d, want %d", cfg.MaxParallel, DefaultMaxParallel)
	}
	if cfg.Retries() != DefaultMaxRetries {
		t.Errorf("Retries() = %d, want %d", cfg.Retries(), DefaultMaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed on defaults: %v", err)
	}
}

func TestConfigBackoff(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, BackoffFactor: 2, MaxBackoff: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second}, // clamped
	}

	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	negative := -1
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "defaults valid",
			cfg:  func() Config { var c Config; c.SetDefaults(); return c }(),
		},
		{
			name:    "negative retries",
			cfg:     Config{MaxParallel: 1, MaxRetries: &negative, BaseBackoff: 1, BackoffFactor: 2, MaxBackoff: 2},
			wantErr: true,
		},
		{
			name:    "factor below one",
			cfg:     Config{MaxParallel: 1, BaseBackoff: 1, BackoffFactor: 0.5, MaxBackoff: 2},
			wantErr: true,
		},
		{
			name:    "max backoff below base",
			cfg:     Config{MaxParallel: 1, BaseBackoff: 10, BackoffFactor: 2, MaxBackoff: 5},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDispatchSuccess(t *testing.T) {
	s, err := New(fastConfig(0))
	if err != nil {
		t.Fatal(err)
	}

	tasks := []Task{
		{ID: "t1", ToolID: "a", Run: func(ctx context.Context) (*adapter.RunResult, error) {
			return successResult(), nil
		}},
		{ID: "t2", ToolID: "b", Run: func(ctx context.Context) (*adapter.RunResult, error) {
			return successResult(), nil
		}},
	}

	results := collect(s.Dispatch(context.Background(), tasks))
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for id, r := range results {
		if r.Status != StatusSucceeded {
			t.Errorf("task %s status = %s, want SUCCEEDED", id, r.Status)
		}
		if r.Attempts != 1 {
			t.Errorf("task %s attempts = %d, want 1", id, r.Attempts)
		}
	}
}

func TestDispatchBoundsParallelism(t *testing.T) {
	cfg := fastConfig(0)
	cfg.MaxParallel = 2
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var running, peak int32
	var mu sync.Mutex

	task := func(id string) Task {
		return Task{ID: id, ToolID: id, Run: func(ctx context.Context) (*adapter.RunResult, error) {
			n := atomic.AddInt32(&running, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return successResult(), nil
		}}
	}

	collect(s.Dispatch(context.Background(), []Task{task("a"), task("b"), task("c"), task("d")}))

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak parallelism = %d, want at most 2", peak)
	}
}

func TestRetryTimeoutThenSuccess(t *testing.T) {
	s, err := New(fastConfig(2))
	if err != nil {
		t.Fatal(err)
	}

	var calls int32
	task := Task{ID: "t1", ToolID: "slow", Run: func(ctx context.Context) (*adapter.RunResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, adapter.NewTimeout("slow", nil)
		}
		return successResult(), nil
	}}

	results := collect(s.Dispatch(context.Background(), []Task{task}))
	r := results["t1"]
	if r.Status != StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED after retry", r.Status)
	}
	if r.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", r.Attempts)
	}
	if len(r.Outcome.Findings) == 0 {
		t.Error("expected findings from the successful attempt")
	}
}

func TestRetryBoundedness(t *testing.T) {
	s, err := New(fastConfig(3))
	if err != nil {
		t.Fatal(err)
	}

	var calls int32
	task := Task{ID: "t1", ToolID: "broken", Run: func(ctx context.Context) (*adapter.RunResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, adapter.NewTimeout("broken", nil)
	}}

	results := collect(s.Dispatch(context.Background(), []Task{task}))
	r := results["t1"]
	if r.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED after exhaustion", r.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("execution attempts = %d, want max_retries+1 = 4", got)
	}
	if r.Attempts != 4 {
		t.Errorf("recorded attempts = %d, want 4", r.Attempts)
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := fastConfig(3)
	cfg.RetryExitCodes = []int{137}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "timeout retryable",
			err:       adapter.NewTimeout("t", nil),
			retryable: true,
		},
		{
			name:      "whitelisted exit code retryable",
			err:       adapter.NewExecutionFailed("t", 137, ""),
			retryable: true,
		},
		{
			name:      "other exit code fatal",
			err:       adapter.NewExecutionFailed("t", 2, ""),
			retryable: false,
		},
		{
			name:      "invalid input never retried",
			err:       adapter.NewInvalidInput("t", "f", "bad"),
			retryable: false,
		},
		{
			name:      "parse error never retried",
			err:       adapter.NewParseError("t", "bad", nil),
			retryable: false,
		},
		{
			name:      "tool missing never retried",
			err:       adapter.NewToolMissing("t", "gone"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.retryable(tt.err); got != tt.retryable {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestFatalErrorSingleAttempt(t *testing.T) {
	s, err := New(fastConfig(3))
	if err != nil {
		t.Fatal(err)
	}

	var calls int32
	task := Task{ID: "t1", ToolID: "bad", Run: func(ctx context.Context) (*adapter.RunResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, adapter.NewParseError("bad", "garbage", nil)
	}}

	results := collect(s.Dispatch(context.Background(), []Task{task}))
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("attempts = %d, want exactly 1 for a fatal error", got)
	}
	if results["t1"].Status != StatusFailed {
		t.Errorf("status = %s, want FAILED", results["t1"].Status)
	}
}

func TestDispatchCancellationDropsQueued(t *testing.T) {
	cfg := fastConfig(0)
	cfg.MaxParallel = 1
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	blocker := Task{ID: "t1", ToolID: "a", Run: func(ctx context.Context) (*adapter.RunResult, error) {
		close(started)
		<-ctx.Done()
		return nil, adapter.NewCanceled("a")
	}}
	queued := Task{ID: "t2", ToolID: "b", Run: func(ctx context.Context) (*adapter.RunResult, error) {
		if ctx.Err() != nil {
			return nil, adapter.NewCanceled("b")
		}
		return successResult(), nil
	}}

	// The semaphore is shared across Dispatch calls, so starting the
	// blocker first guarantees the second task queues behind it.
	blockerCh := s.Dispatch(ctx, []Task{blocker})
	<-started
	queuedCh := s.Dispatch(ctx, []Task{queued})
	cancel()

	blockerResults := collect(blockerCh)
	queuedResults := collect(queuedCh)
	if blockerResults["t1"].Status != StatusCanceled {
		t.Errorf("running task status = %s, want CANCELED", blockerResults["t1"].Status)
	}
	if queuedResults["t2"].Status != StatusCanceled {
		t.Errorf("queued task status = %s, want CANCELED (dropped)", queuedResults["t2"].Status)
	}
}

func TestPartialOutcomeRetainedOnFailure(t *testing.T) {
	s, err := New(fastConfig(0))
	if err != nil {
		t.Fatal(err)
	}

	partial := &adapter.RunResult{
		Findings: []schema.Finding{{FindingID: "partial-1"}},
		Partial:  true,
	}
	task := Task{ID: "t1", ToolID: "streamy", Run: func(ctx context.Context) (*adapter.RunResult, error) {
		return partial, adapter.NewTimeout("streamy", nil)
	}}

	results := collect(s.Dispatch(context.Background(), []Task{task}))
	r := results["t1"]
	if r.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", r.Status)
	}
	if r.Outcome == nil || len(r.Outcome.Findings) != 1 {
		t.Error("expected partial findings surfaced on the failed result")
	}
}

func TestPerTaskTimeout(t *testing.T) {
	cfg := fastConfig(0)
	cfg.PerTaskTimeout = 20 * time.Millisecond
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	task := Task{ID: "t1", ToolID: "slow", Run: func(ctx context.Context) (*adapter.RunResult, error) {
		select {
		case <-time.After(time.Second):
			return successResult(), nil
		case <-ctx.Done():
			return nil, adapter.NewTimeout("slow", nil)
		}
	}}

	results := collect(s.Dispatch(context.Background(), []Task{task}))
	if adapter.KindOf(results["t1"].Err) != adapter.KindTimeout {
		t.Errorf("err = %v, want Timeout from deadline", results["t1"].Err)
	}
}
