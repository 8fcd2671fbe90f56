// Package sqlcapture records an audit trail of the SQL a process executes.
//
// Every statement that passes through a wrapped *sql.DB (or the
// Begin/Finish hook pair) becomes a Record. The caller only pays for a
// non-blocking enqueue: rebuilding the executable SQL, extracting its
// SET/WHERE parameters and fanning the Record out to the registered
// consumers all happen on a bounded background pool that drops work when
// saturated.
package sqlcapture

import (
	"context"
	"reflect"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mickamy/sqlcapture/internal/bind"
	"github.com/mickamy/sqlcapture/internal/executor"
	"github.com/mickamy/sqlcapture/internal/sqlparse"
)

var (
	// Error is the error class for this package.
	Error = errs.Class("sqlcapture")

	mon = monkit.Package()
)

// Binding names the property that feeds one positional placeholder.
type Binding = bind.Binding

// Mode is the direction of a Binding.
type Mode = bind.Mode

const (
	ModeIn    = bind.ModeIn
	ModeOut   = bind.ModeOut
	ModeInOut = bind.ModeInOut
)

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithConsumers registers consumers at construction, in order.
func WithConsumers(cs ...Consumer) Option {
	return func(h *Handler) {
		h.pending = append(h.pending, cs...)
	}
}

// WithScalarTypes marks additional types as bound by value rather than by
// property (for example a decimal or money type).
func WithScalarTypes(types ...reflect.Type) Option {
	return func(h *Handler) {
		h.scalars = append(h.scalars, types...)
	}
}

// Handler is the main entry point: it owns the worker pool, the
// reconstruction and parsing stages and the consumer registry.
type Handler struct {
	cfg Config
	log *zap.Logger

	exec       *executor.Executor
	dispatcher *Dispatcher
	recon      *bind.Reconstructor

	pending []Consumer
	scalars []reflect.Type
	redact  RedactMap

	watch    watchList
	entities sync.Map // statement id or param type -> entity name ("" for none)

	closeOnce sync.Once
	closeErr  error
}

// New creates a Handler. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) (*Handler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Handler{cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}

	registry := bind.NewRegistry()
	registry.Register(h.scalars...)
	h.recon = bind.NewReconstructor(h.log.Named("reconstruct"), registry, cfg.MaxValueLength)
	h.exec = executor.New(h.log.Named("executor"), executor.Config{
		CoreWorkers:   cfg.CoreWorkers,
		MaxWorkers:    cfg.MaxWorkers,
		QueueCapacity: cfg.QueueCapacity,
		KeepAlive:     cfg.KeepAlive,
	})
	h.dispatcher = newDispatcher(h.log.Named("dispatcher"), h.exec, h.recon,
		sqlparse.NewParser(h.log.Named("sqlparse")), cfg.MaxSQLLength)
	h.dispatcher.redact = newRedactor(cfg.RedactKeys, h.redact)
	for _, c := range h.pending {
		h.dispatcher.Register(c)
	}
	h.pending = nil
	return h, nil
}

// Config returns the effective configuration.
func (h *Handler) Config() Config { return h.cfg }

// Register appends a consumer. Consumers run in registration order.
func (h *Handler) Register(c Consumer) {
	h.dispatcher.Register(c)
}

// Dispatcher returns the dispatcher, for consumers that re-submit work.
func (h *Handler) Dispatcher() *Dispatcher { return h.dispatcher }

// Stats reports pool and dispatch counters.
func (h *Handler) Stats() Stats {
	es := h.exec.Stats()
	return Stats{
		Submitted:  es.Submitted,
		Dropped:    es.Dropped,
		Completed:  es.Completed,
		Panicked:   es.Panicked,
		Workers:    es.Workers,
		Queued:     es.Queued,
		Dispatched: h.dispatcher.Dispatched(),
	}
}

// Stats is a snapshot of the background pipeline.
type Stats struct {
	Submitted  int64
	Dropped    int64
	Completed  int64
	Panicked   int64
	Workers    int
	Queued     int
	Dispatched int64
}

// Close stops accepting captures and waits for queued work to finish. It
// gives up after the configured shutdown timeout (or when ctx ends, if
// sooner) and abandons what is left.
func (h *Handler) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownTimeout)
		defer cancel()
		h.closeErr = h.exec.Close(ctx)
		if h.closeErr != nil {
			h.log.Warn("capture pipeline closed with pending work", zap.Error(h.closeErr))
		}
	})
	return h.closeErr
}
