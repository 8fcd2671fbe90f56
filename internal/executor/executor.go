// Package executor implements a bounded worker pool that never blocks its
// submitters: when the queue is full new work is dropped.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mickamy/sqlcapture/internal/tracectx"
)

var (
	// Error is the error class for this package.
	Error = errs.Class("executor")

	// ErrClosed is returned by TrySubmit after Close.
	ErrClosed = Error.New("executor closed")
	// ErrQueueFull is returned by TrySubmit when every worker is busy and
	// the queue is at capacity.
	ErrQueueFull = Error.New("queue full")

	mon = monkit.Package()
)

// Config sizes the pool.
type Config struct {
	CoreWorkers   int           // workers kept alive for the lifetime of the pool
	MaxWorkers    int           // upper bound including burst workers
	QueueCapacity int           // pending tasks held before new ones are dropped
	KeepAlive     time.Duration // idle time after which a burst worker exits
}

func (c Config) withDefaults() Config {
	if c.CoreWorkers <= 0 {
		c.CoreWorkers = 4
	}
	if c.MaxWorkers < c.CoreWorkers {
		c.MaxWorkers = c.CoreWorkers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 2000
	}
	if c.KeepAlive < 0 {
		c.KeepAlive = 0
	}
	return c
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Submitted int64
	Dropped   int64
	Completed int64
	Panicked  int64
	Workers   int
	Queued    int
}

type job struct {
	task   tracectx.Task
	queued time.Time
}

// Executor runs tasks on a fixed set of core workers plus burst workers that
// are started only when the queue is full.
type Executor struct {
	log *zap.Logger
	cfg Config

	mu      sync.Mutex
	queue   chan job
	closed  bool
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group

	submitted atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// New creates an Executor. Workers start lazily on submission.
func New(log *zap.Logger, cfg Config) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		log:    log,
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules task. The diagnostic fields on ctx are carried to the
// worker. Submit never blocks: it reports false when the task was dropped
// because the pool is saturated or closed.
func (e *Executor) Submit(ctx context.Context, task tracectx.Task) bool {
	return e.TrySubmit(ctx, task) == nil
}

// TrySubmit is Submit reporting why a task was dropped: ErrClosed or
// ErrQueueFull.
func (e *Executor) TrySubmit(ctx context.Context, task tracectx.Task) error {
	j := job{task: tracectx.Wrap(ctx, task), queued: time.Now()}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.drop("closed")
		return ErrClosed
	}
	e.submitted.Add(1)

	if e.workers < e.cfg.CoreWorkers {
		e.spawn(&j, true)
		return nil
	}
	select {
	case e.queue <- j:
		return nil
	default:
	}
	if e.workers < e.cfg.MaxWorkers {
		e.spawn(&j, false)
		return nil
	}
	e.submitted.Add(-1)
	e.drop("queue full")
	return ErrQueueFull
}

func (e *Executor) drop(reason string) {
	e.dropped.Add(1)
	mon.Counter("capture_dropped").Inc(1)
	e.log.Debug("task dropped", zap.String("reason", reason))
}

// spawn must be called with e.mu held.
func (e *Executor) spawn(first *job, core bool) {
	e.workers++
	e.eg.Go(func() error {
		e.work(first, core)
		return nil
	})
}

func (e *Executor) work(first *job, core bool) {
	defer func() {
		e.mu.Lock()
		e.workers--
		e.mu.Unlock()
	}()

	if first != nil {
		e.run(*first)
	}

	var idle <-chan time.Time
	var timer *time.Timer
	if !core {
		timer = time.NewTimer(e.cfg.KeepAlive)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-idle:
			return
		case j, ok := <-e.queue:
			if !ok {
				return
			}
			if e.ctx.Err() != nil {
				return
			}
			e.run(j)
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(e.cfg.KeepAlive)
			}
		}
	}
}

func (e *Executor) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			e.panicked.Add(1)
			e.log.Error("task panicked", zap.Any("panic", r))
		}
		e.completed.Add(1)
	}()
	mon.IntVal("capture_queue_time").Observe(int64(time.Since(j.queued)))
	j.task(e.ctx)
}

// Stats returns the current counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	workers := e.workers
	e.mu.Unlock()
	return Stats{
		Submitted: e.submitted.Load(),
		Dropped:   e.dropped.Load(),
		Completed: e.completed.Load(),
		Panicked:  e.panicked.Load(),
		Workers:   workers,
		Queued:    len(e.queue),
	}
}

// Close stops accepting work and lets the workers drain the queue. If the
// queue is not drained before ctx is done, the pool is force-stopped: queued
// tasks are abandoned and running tasks observe a canceled context.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = e.eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		abandoned := len(e.queue)
		e.log.Warn("executor force-stopped", zap.Int("abandoned", abandoned))
		return Error.New("shutdown grace period exceeded, %d queued tasks abandoned", abandoned)
	}
}
