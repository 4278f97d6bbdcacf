package rowcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/warp-coord/v1/errors"
	"github.com/mirkobrombin/warp-coord/v1/metrics"
	"github.com/mirkobrombin/warp-coord/v1/store"
)

const DefaultPollInterval = 500 * time.Millisecond

// Fetcher recomputes the materialized value of a row.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (any, error)
}

// FetcherFunc adapts a function into a Fetcher.
type FetcherFunc func(ctx context.Context, id string) (any, error)

func (f FetcherFunc) Fetch(ctx context.Context, id string) (any, error) { return f(ctx, id) }

// RefresherStore is the part of the store the Refresher needs.
type RefresherStore interface {
	TxStore
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]store.Member, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
}

// Refresher is the schedule daemon. Each Step looks at the row due first and
// either refreshes it, evicts it, or reports that nothing is due.
type Refresher struct {
	store   RefresherStore
	fetcher Fetcher
	codec   Codec
	keys    Keys
	poll    time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithKeys overrides the keys.
func WithKeys(k Keys) Option {
	return func(r *Refresher) {
		r.keys = k
	}
}

// WithCodec sets the codec rows are stored with.
func WithCodec(c Codec) Option {
	return func(r *Refresher) {
		if c != nil {
			r.codec = c
		}
	}
}

// WithPollInterval sets the sleep used when no row is due.
func WithPollInterval(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithClock overrides the clock deciding which rows are due.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger used by the daemon loop.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRefresher returns a Refresher recomputing rows through fetcher.
func NewRefresher(s RefresherStore, fetcher Fetcher, opts ...Option) *Refresher {
	r := &Refresher{
		store:   s,
		fetcher: fetcher,
		codec:   JSONCodec{},
		keys:    DefaultKeys(),
		poll:    DefaultPollInterval,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run steps until ctx is cancelled, sleeping the poll interval whenever
// nothing was due or the store failed. Run returns nil on cancellation.
func (r *Refresher) Run(ctx context.Context) error {
	for {
		progressed, err := r.Step(ctx)
		if ctx.Err() != nil {
			r.logger.Debug("warp: row refresher stopped")
			return nil
		}
		if err != nil {
			r.logger.Warn("warp: row refresh cycle failed", "error", err)
		}
		if progressed {
			continue
		}
		t := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			r.logger.Debug("warp: row refresher stopped")
			return nil
		case <-t.C:
		}
	}
}

// Step handles the row with the lowest due time. It reports whether a row
// was due. A fetch failure reschedules the row one delay later and is
// returned wrapped in ErrHandlerFailed.
func (r *Refresher) Step(ctx context.Context) (bool, error) {
	head, err := r.store.ZRangeWithScores(ctx, r.keys.Schedule, 0, 0)
	if err != nil {
		return false, err
	}
	if len(head) == 0 {
		return false, nil
	}
	now := r.now().UnixMilli()
	next := head[0]
	if next.Score > float64(now) {
		return false, nil
	}

	delay, ok, err := r.store.ZScore(ctx, r.keys.Delay, next.ID)
	if err != nil {
		return false, err
	}
	if !ok || delay <= 0 {
		return true, r.evict(ctx, next.ID)
	}

	due := float64(now) + delay
	data, err := r.materialize(ctx, next.ID)
	if err != nil {
		metrics.RowFetchFailureCounter.Inc()
		r.logger.Warn("warp: row fetch failed", "row", next.ID, "error", err)
		if _, rerr := r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, r.keys.Schedule, redis.Z{Score: due, Member: next.ID})
			return nil
		}); rerr != nil {
			return false, rerr
		}
		return true, fmt.Errorf("row %s: %w: %w", next.ID, warperrors.ErrHandlerFailed, err)
	}

	if _, err := r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.RowKey(next.ID), data, 0)
		pipe.ZAdd(ctx, r.keys.Schedule, redis.Z{Score: due, Member: next.ID})
		return nil
	}); err != nil {
		return false, err
	}
	metrics.RowRefreshedCounter.Inc()
	return true, nil
}

func (r *Refresher) materialize(ctx context.Context, id string) ([]byte, error) {
	v, err := r.fetcher.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.codec.Marshal(v)
}

func (r *Refresher) evict(ctx context.Context, id string) error {
	_, err := r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.keys.Delay, id)
		pipe.ZRem(ctx, r.keys.Schedule, id)
		pipe.Del(ctx, r.keys.RowKey(id))
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RowEvictedCounter.Inc()
	r.logger.Debug("warp: row evicted", "row", id)
	return nil
}
