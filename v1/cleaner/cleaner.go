// Package cleaner keeps a "recently active" sorted set under a capacity
// bound. When the set grows past the limit the oldest identifiers are handed,
// a batch at a time, to the registered handlers, which remove the state
// derived from them. One of those handlers normally removes the identifiers
// from the set itself.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	warperrors "github.com/mirkobrombin/warp-coord/v1/errors"
	"github.com/mirkobrombin/warp-coord/v1/metrics"
)

// Defaults used when no option overrides them.
const (
	// DefaultKey is the candidate sorted set.
	DefaultKey = "recent:"
	// DefaultLimit is how many candidates are kept before eviction starts.
	DefaultLimit = 10_000_000
	// DefaultBatchSize caps the identifiers evicted per cycle.
	DefaultBatchSize = 100
	// DefaultPollInterval is the idle sleep between cycles.
	DefaultPollInterval = time.Second
)

// Store is the part of the store a Cleaner reads the candidate set with.
type Store interface {
	ZCard(ctx context.Context, key string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

// Cleaner is the eviction daemon. It owns its polling loop and handler list;
// start it with Run on a dedicated goroutine.
type Cleaner struct {
	store     Store
	handlers  []Handler
	finalizer Handler
	key       string
	limit     int64
	batchSize int64
	poll      time.Duration
	parallel  int
	logger    *slog.Logger
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithKey sets the candidate sorted set key.
func WithKey(key string) Option {
	return func(c *Cleaner) {
		c.key = key
	}
}

// WithLimit sets the capacity the candidate set is trimmed down to.
func WithLimit(n int64) Option {
	return func(c *Cleaner) {
		if n >= 0 {
			c.limit = n
		}
	}
}

// WithBatchSize caps how many identifiers are evicted per cycle.
func WithBatchSize(n int64) Option {
	return func(c *Cleaner) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithPollInterval sets the idle sleep between cycles.
func WithPollInterval(d time.Duration) Option {
	return func(c *Cleaner) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithConcurrentHandlers runs up to n handlers of a batch at once instead of
// one after another.
func WithConcurrentHandlers(n int) Option {
	return func(c *Cleaner) {
		c.parallel = n
	}
}

// WithFinalizer sets a handler that runs after every other handler of a
// batch succeeded. It is meant for the handler removing the identifiers from
// the candidate set: when any handler fails, the batch stays queued and is
// handed out again on a later cycle.
func WithFinalizer(h Handler) Option {
	return func(c *Cleaner) {
		c.finalizer = h
	}
}

// WithLogger sets the logger used by the daemon loop.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cleaner) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Cleaner and calls OnRegistered on every handler. With no
// handlers the Cleaner still runs but never evicts anything.
func New(store Store, handlers []Handler, opts ...Option) *Cleaner {
	c := &Cleaner{
		store:     store,
		handlers:  append([]Handler(nil), handlers...),
		key:       DefaultKey,
		limit:     DefaultLimit,
		batchSize: DefaultBatchSize,
		poll:      DefaultPollInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.handlers) == 0 && c.finalizer == nil {
		c.logger.Warn("warp: cleaner has no handlers, sweeps are no-ops", "key", c.key)
	}
	for _, h := range c.handlers {
		h.OnRegistered()
	}
	if c.finalizer != nil {
		c.finalizer.OnRegistered()
	}
	return c
}

// Run sweeps until ctx is cancelled. It keeps sweeping without pause while a
// batch was evicted and sleeps the poll interval otherwise. Store and handler
// errors are logged and never stop the loop. Run returns nil on cancellation.
func (c *Cleaner) Run(ctx context.Context) error {
	for {
		n, err := c.Sweep(ctx)
		if ctx.Err() != nil {
			c.logger.Debug("warp: cleaner stopped", "key", c.key)
			return nil
		}
		if err != nil && !errors.Is(err, warperrors.ErrHandlerFailed) {
			c.logger.Warn("warp: cleaner sweep failed", "key", c.key, "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		if !sleep(ctx, c.poll) {
			c.logger.Debug("warp: cleaner stopped", "key", c.key)
			return nil
		}
	}
}

// Sweep runs a single cycle and returns how many identifiers were handed to
// the handlers.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	card, err := c.store.ZCard(ctx, c.key)
	if err != nil {
		return 0, err
	}
	metrics.CleanerCandidatesGauge.Set(float64(card))
	if card <= c.limit || (len(c.handlers) == 0 && c.finalizer == nil) {
		return 0, nil
	}
	batch := min(c.batchSize, card-c.limit)
	ids, err := c.store.ZRange(ctx, c.key, 0, batch-1)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err = c.dispatch(ctx, ids)
	metrics.CleanerEvictedCounter.Add(float64(len(ids)))
	return len(ids), err
}

// dispatch runs the handlers, then the finalizer if none of them failed.
func (c *Cleaner) dispatch(ctx context.Context, ids []string) error {
	if err := c.runHandlers(ctx, ids); err != nil {
		if c.finalizer != nil {
			c.logger.Debug("warp: cleaner batch kept queued", "key", c.key, "ids", len(ids))
		}
		return err
	}
	if c.finalizer == nil {
		return nil
	}
	return c.clean(ctx, c.finalizer, ids)
}

func (c *Cleaner) runHandlers(ctx context.Context, ids []string) error {
	if c.parallel <= 1 || len(c.handlers) <= 1 {
		var errs []error
		for _, h := range c.handlers {
			if err := c.clean(ctx, h, ids); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(c.parallel)
	for _, h := range c.handlers {
		h := h
		g.Go(func() error {
			if err := c.clean(ctx, h, ids); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *Cleaner) clean(ctx context.Context, h Handler, ids []string) error {
	err := h.Clean(ctx, ids)
	if err == nil {
		return nil
	}
	name := handlerName(h)
	metrics.HandlerFailureCounter.WithLabelValues(name).Inc()
	c.logger.Warn("warp: cleaner handler failed", "handler", name, "ids", len(ids), "error", err)
	return fmt.Errorf("%s: %w: %w", name, warperrors.ErrHandlerFailed, err)
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
