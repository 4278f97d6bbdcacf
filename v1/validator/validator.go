// Package validator checks that the row cache's delay and schedule sets stay
// paired and optionally repairs entries left behind by partial writes.
package validator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/warp-coord/v1/errors"
	"github.com/mirkobrombin/warp-coord/v1/metrics"
	"github.com/mirkobrombin/warp-coord/v1/rowcache"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// Store is the part of the store a Validator needs.
type Store interface {
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
}

// Validator periodically compares the delay and schedule sets.
type Validator struct {
	store      Store
	keys       rowcache.Keys
	mode       Mode
	interval   time.Duration
	now        func() time.Time
	mismatches atomic.Uint64

	// afterRead runs between the reads of the delay and schedule sets.
	afterRead func()
}

// Option configures a Validator.
type Option func(*Validator)

// WithKeys overrides the row cache keys.
func WithKeys(k rowcache.Keys) Option {
	return func(v *Validator) {
		v.keys = k
	}
}

// WithClock overrides the clock used when rescheduling rows.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// New creates a new Validator.
func New(s Store, mode Mode, interval time.Duration, opts ...Option) *Validator {
	if interval <= 0 {
		interval = time.Minute
	}
	v := &Validator{store: s, keys: rowcache.DefaultKeys(), mode: mode, interval: interval, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run scans every interval until ctx is cancelled.
func (v *Validator) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("warp: row cache validation failed", "error", err)
			}
		}
	}
}

// maxScanAttempts bounds how often Scan retries when the sets change under
// it.
const maxScanAttempts = 5

type drift struct {
	orphans     []string
	unscheduled []string
	stale       []string
}

func (d drift) len() int { return len(d.orphans) + len(d.unscheduled) + len(d.stale) }

// Scan checks both sets once and returns the number of mismatches found:
// scheduled rows without a delay, active rows without a schedule and
// cancelled rows that were already unscheduled. Both sets are read and
// repaired under WATCH, so a row scheduled while Scan runs is never mistaken
// for drift; Scan starts over instead and gives up with ErrTxAborted after a
// few attempts.
func (v *Validator) Scan(ctx context.Context) (int, error) {
	var (
		d   drift
		err error
	)
	for attempt := 0; attempt < maxScanAttempts; attempt++ {
		d, err = v.scanOnce(ctx)
		if !errors.Is(err, warperrors.ErrTxAborted) {
			break
		}
		slog.Debug("warp: row cache sets changed during validation, rescanning", "attempt", attempt+1)
	}
	if err != nil {
		return 0, err
	}

	n := d.len()
	if n == 0 {
		return 0, nil
	}
	v.mismatches.Add(uint64(n))
	metrics.ValidatorMismatchCounter.WithLabelValues("orphaned").Add(float64(len(d.orphans)))
	metrics.ValidatorMismatchCounter.WithLabelValues("unscheduled").Add(float64(len(d.unscheduled)))
	metrics.ValidatorMismatchCounter.WithLabelValues("stale").Add(float64(len(d.stale)))
	if v.mode >= ModeAlert {
		slog.Warn("warp: row cache sets out of sync",
			"orphaned", len(d.orphans), "unscheduled", len(d.unscheduled), "stale", len(d.stale),
			"healed", v.mode == ModeAutoHeal)
	}
	return n, nil
}

// scanOnce reads both sets in one watched transaction. The EXEC carries the
// repairs in ModeAutoHeal and a bare ZCARD otherwise, so it fails whenever
// either set changed after it was read.
func (v *Validator) scanOnce(ctx context.Context) (drift, error) {
	var d drift
	err := v.store.Watch(ctx, func(tx *redis.Tx) error {
		d = drift{}
		delays, err := tx.ZRangeWithScores(ctx, v.keys.Delay, 0, -1).Result()
		if err != nil {
			return err
		}
		if v.afterRead != nil {
			v.afterRead()
		}
		scheduled, err := tx.ZRangeWithScores(ctx, v.keys.Schedule, 0, -1).Result()
		if err != nil {
			return err
		}
		d = compare(delays, scheduled)

		now := float64(v.now().UnixMilli())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if v.mode != ModeAutoHeal || d.len() == 0 {
				pipe.ZCard(ctx, v.keys.Delay)
				return nil
			}
			for _, id := range d.orphans {
				pipe.ZRem(ctx, v.keys.Schedule, id)
				pipe.Del(ctx, v.keys.RowKey(id))
			}
			for _, id := range d.unscheduled {
				pipe.ZAdd(ctx, v.keys.Schedule, redis.Z{Score: now, Member: id})
			}
			for _, id := range d.stale {
				pipe.ZRem(ctx, v.keys.Delay, id)
				pipe.Del(ctx, v.keys.RowKey(id))
			}
			return nil
		})
		return err
	}, v.keys.Delay, v.keys.Schedule)
	return d, err
}

func compare(delays, scheduled []redis.Z) drift {
	var d drift
	inSchedule := make(map[string]struct{}, len(scheduled))
	for _, z := range scheduled {
		inSchedule[member(z)] = struct{}{}
	}
	inDelay := make(map[string]struct{}, len(delays))
	for _, z := range delays {
		id := member(z)
		inDelay[id] = struct{}{}
		if _, ok := inSchedule[id]; ok {
			continue
		}
		if z.Score > 0 {
			d.unscheduled = append(d.unscheduled, id)
		} else {
			d.stale = append(d.stale, id)
		}
	}
	for _, z := range scheduled {
		if id := member(z); !hasKey(inDelay, id) {
			d.orphans = append(d.orphans, id)
		}
	}
	return d
}

func member(z redis.Z) string {
	id, _ := z.Member.(string)
	return id
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

// Metrics returns number of mismatches detected.
func (v *Validator) Metrics() uint64 {
	return v.mismatches.Load()
}
