package persist

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bundlecache/bundlecache/internal/batch"
	"github.com/bundlecache/bundlecache/internal/cache"
	"github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/types"
)

const (
	DefaultIdleTimeout                  = 60 * time.Second
	DefaultIdleTimeoutForInitialStore   = 5 * time.Second
	DefaultIdleTimeoutAfterLargeChanges = 1 * time.Second
	DefaultBatchSize                    = 100
	DefaultBatchBudget                  = 100 * time.Millisecond
)

// IdleConfig configures an IdleTier
type IdleConfig struct {
	Config

	// IdleTimeout is how long the process must be idle before pending
	// writes are flushed.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// IdleTimeoutForInitialStore applies until the first flush completed.
	// It is capped at IdleTimeout.
	IdleTimeoutForInitialStore time.Duration `yaml:"idle_timeout_for_initial_store"`
	// IdleTimeoutAfterLargeChanges applies when the last builds took more
	// than twice as long as an average flush.
	IdleTimeoutAfterLargeChanges time.Duration `yaml:"idle_timeout_after_large_changes"`

	BatchSize   int           `yaml:"batch_size"`
	BatchBudget time.Duration `yaml:"batch_budget"`
}

// taskKind separates the build dependency task from entry tasks, so no
// caller identifier can collide with it.
type taskKind int

const (
	entryTask taskKind = iota
	buildDependenciesTask
)

type taskKey struct {
	kind       taskKind
	identifier string
}

var buildDependenciesKey = taskKey{kind: buildDependenciesTask}

// IdleTier defers every write until the build process has been idle for a
// while, then flushes in small batches so a build starting meanwhile is not
// held up. Reads of an identifier with an unflushed write flush it first.
type IdleTier struct {
	base

	idleTimeout        time.Duration
	initialTimeout     time.Duration
	largeChangeTimeout time.Duration
	batchSize          int
	batchBudget        time.Duration

	queue *batch.Queue[taskKey]

	mu        sync.Mutex
	idle      bool
	closed    bool
	initial   bool
	timer     *time.Timer
	timerGen  uint64
	epoch     uint64
	current   *cache.Future
	buildTime time.Duration
	storeTime time.Duration
	avgStore  time.Duration
}

// NewIdleTier wraps strategy in an idle-deferred tier. Zero timeouts take
// their defaults; negative ones are rejected.
func NewIdleTier(strategy types.Strategy, config *IdleConfig) (*IdleTier, error) {
	if config == nil {
		config = &IdleConfig{}
	}
	b, err := newBase("idle", strategy, &config.Config)
	if err != nil {
		return nil, err
	}

	settings := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"idle_timeout", &config.IdleTimeout, DefaultIdleTimeout},
		{"idle_timeout_for_initial_store", &config.IdleTimeoutForInitialStore, DefaultIdleTimeoutForInitialStore},
		{"idle_timeout_after_large_changes", &config.IdleTimeoutAfterLargeChanges, DefaultIdleTimeoutAfterLargeChanges},
		{"batch_budget", &config.BatchBudget, DefaultBatchBudget},
	}
	resolved := make(map[string]time.Duration, len(settings))
	for _, s := range settings {
		v := *s.value
		if v < 0 {
			return nil, errors.Newf(errors.ErrCodeConfigValidation, "%s must not be negative, got %s", s.name, v).
				WithComponent(b.name)
		}
		if v == 0 {
			v = s.def
		}
		resolved[s.name] = v
	}
	batchSize := config.BatchSize
	if batchSize < 0 {
		return nil, errors.Newf(errors.ErrCodeConfigValidation, "batch_size must not be negative, got %d", batchSize).
			WithComponent(b.name)
	}
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	idleTimeout := resolved["idle_timeout"]
	return &IdleTier{
		base:               b,
		idleTimeout:        idleTimeout,
		initialTimeout:     min(idleTimeout, resolved["idle_timeout_for_initial_store"]),
		largeChangeTimeout: resolved["idle_timeout_after_large_changes"],
		batchSize:          batchSize,
		batchBudget:        resolved["batch_budget"],
		queue:              batch.NewQueue[taskKey](),
		initial:            true,
	}, nil
}

func (t *IdleTier) storeTask(identifier string, etag types.Etag, payload []byte) batch.Task {
	return func(ctx context.Context) error {
		return t.write(ctx, identifier, etag, payload)
	}
}

func (t *IdleTier) enqueue(key taskKey, task batch.Task) {
	t.queue.Put(key, task)
	t.reportPending(t.queue.Len())
}

// Store implements cache.Tier. The write is queued, replacing any unflushed
// write for the same identifier.
func (t *IdleTier) Store(_ context.Context, identifier string, etag types.Etag, payload []byte) error {
	t.enqueue(taskKey{identifier: identifier}, t.storeTask(identifier, etag, payload))
	return nil
}

// StoreBuildDependencies implements cache.BuildDependencyStorer
func (t *IdleTier) StoreBuildDependencies(_ context.Context, deps []string) error {
	t.enqueue(buildDependenciesKey, func(ctx context.Context) error {
		return t.writeBuildDependencies(ctx, deps)
	})
	return nil
}

// Get implements cache.Tier
func (t *IdleTier) Get(ctx context.Context, lookup *cache.Lookup) (cache.Result, error) {
	key := taskKey{identifier: lookup.Identifier}
	if task, ok := t.queue.Take(key); ok {
		t.reportPending(t.queue.Len())
		if err := task(ctx); err != nil {
			t.warn("flushing pending write before read failed", err)
		}
	}

	payload, found, err := t.restore(ctx, lookup)
	if err != nil {
		return cache.Unresolved(), err
	}
	if found {
		return cache.Present(payload), nil
	}

	lookup.OnResult(ctx, func(_ context.Context, payload []byte, found bool) {
		if found {
			t.enqueue(key, t.storeTask(lookup.Identifier, lookup.Etag, payload))
		}
	})
	return cache.Unresolved(), nil
}

// BuildCompleted implements cache.BuildObserver. About a tenth of the build
// is treated as uncacheable overhead and decays away.
func (t *IdleTier) BuildCompleted(stats types.BuildStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buildTime = time.Duration(float64(t.buildTime)*0.9) + stats.Duration()
}

// BeginIdle implements cache.IdleAware. It arms the idle timer; the delay is
// shorter for the first flush and after builds that changed a lot.
func (t *IdleTier) BeginIdle(context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	largeChange := t.buildTime > 2*t.avgStore
	timeout := t.idleTimeout
	switch {
	case t.initial && t.initialTimeout < t.idleTimeout:
		t.logger.Info("initial cache was generated and will be persisted after idle", map[string]interface{}{
			"delay": t.initialTimeout.String(),
		})
	case largeChange && t.largeChangeTimeout < t.idleTimeout:
		t.logger.Info("large change detected, cache will be persisted early", map[string]interface{}{
			"build_time":     t.buildTime.String(),
			"avg_store_time": t.avgStore.String(),
			"delay":          t.largeChangeTimeout.String(),
		})
	}
	if t.initial {
		timeout = min(timeout, t.initialTimeout)
	}
	if largeChange {
		timeout = min(timeout, t.largeChangeTimeout)
	}

	t.scheduleLocked(timeout, true)
}

// EndIdle implements cache.IdleAware. A batch already running finishes but
// no further batch starts.
func (t *IdleTier) EndIdle(context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelTimerLocked()
	t.idle = false
	t.epoch++
}

// scheduleLocked arms the timer. Every arm or cancel bumps timerGen, so a
// callback that fired concurrently with a cancel sees a stale generation and
// does nothing.
func (t *IdleTier) scheduleLocked(delay time.Duration, enterIdle bool) {
	t.cancelTimerLocked()
	gen := t.timerGen
	t.timer = time.AfterFunc(delay, func() {
		t.onTimer(gen, enterIdle)
	})
}

func (t *IdleTier) cancelTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.timerGen++
}

func (t *IdleTier) onTimer(gen uint64, enterIdle bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.timerGen || t.closed {
		return
	}
	t.timer = nil
	if enterIdle {
		t.idle = true
		t.epoch++
	}
	t.processLocked()
}

// processLocked runs one step of the idle loop: either start the next batch
// and reschedule once it settled, or checkpoint the strategy when nothing is
// left.
func (t *IdleTier) processLocked() {
	if !t.idle {
		return
	}
	bg := context.Background()
	start := time.Now()

	if t.queue.Len() > 0 {
		tasks := t.queue.PopBatch(t.batchSize, t.batchBudget)
		t.reportPending(t.queue.Len())
		group := t.run(bg, tasks)
		prev := t.current
		t.current = cache.Async(func() error {
			_ = prev.Wait(bg)
			return group.Wait()
		})

		done, epoch := t.current, t.epoch
		go func() {
			_ = done.Wait(bg)
			t.mu.Lock()
			defer t.mu.Unlock()
			t.storeTime += time.Since(start)
			if t.idle && !t.closed && t.epoch == epoch {
				t.scheduleLocked(0, false)
			}
		}()
		return
	}

	prev := t.current
	t.current = cache.Async(func() error {
		_ = prev.Wait(bg)
		checkpointStart := time.Now()
		err := t.afterAllStored(bg, 0)

		t.mu.Lock()
		t.storeTime += time.Since(checkpointStart)
		if err == nil {
			t.avgStore = time.Duration(float64(max(t.avgStore, t.storeTime))*0.9 + float64(t.storeTime)*0.1)
			t.storeTime = 0
			t.buildTime = 0
		}
		t.mu.Unlock()

		if err != nil {
			t.warn("background tasks during idle failed", err)
		}
		return err
	})
	t.initial = false
}

// run starts tasks concurrently. Failures are logged per task; the group
// error is the first failure.
func (t *IdleTier) run(ctx context.Context, tasks []batch.Pending[taskKey]) *errgroup.Group {
	var group errgroup.Group
	for _, p := range tasks {
		task := p.Task
		group.Go(func() error {
			err := task(ctx)
			if err != nil {
				t.warn("idle store failed", err)
			}
			return err
		})
	}
	return &group
}

// Shutdown cancels the timer, flushes every pending write regardless of the
// idle state, waits for running batches and checkpoints the strategy. Failed
// writes are returned together with the checkpoint error.
func (t *IdleTier) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.idle = false
	t.cancelTimerLocked()
	bg := context.WithoutCancel(ctx)
	tasks := t.queue.Drain()
	group := t.run(bg, tasks)
	prev := t.current
	t.mu.Unlock()
	t.reportPending(0)

	final := cache.Async(func() error {
		errs := []error{group.Wait()}
		_ = prev.Wait(bg)
		errs = append(errs, t.afterAllStored(bg, len(tasks)))
		return stderr.Join(errs...)
	})

	t.mu.Lock()
	t.current = final
	t.mu.Unlock()

	err := final.Wait(ctx)
	t.reset()
	if err != nil {
		t.logger.Error("flushing cache on shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	return err
}

// IdleStats describes the scheduling state of an IdleTier
type IdleStats struct {
	Pending      int           `json:"pending"`
	Idle         bool          `json:"idle"`
	Initial      bool          `json:"initial"`
	BuildTime    time.Duration `json:"build_time"`
	AvgStoreTime time.Duration `json:"avg_store_time"`
}

// Stats returns the current scheduling state
func (t *IdleTier) Stats() IdleStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return IdleStats{
		Pending:      t.queue.Len(),
		Idle:         t.idle,
		Initial:      t.initial,
		BuildTime:    t.buildTime,
		AvgStoreTime: t.avgStore,
	}
}

// Flushed returns a future that settles once the batches and checkpoint
// started so far have settled.
func (t *IdleTier) Flushed() *cache.Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
