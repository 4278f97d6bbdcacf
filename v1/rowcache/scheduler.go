// Package rowcache keeps materialized rows fresh in Redis. Rows are
// registered with a refresh delay; the Refresher daemon recomputes each row
// when it falls due, stores it under "inv:<row-id>" and schedules the next
// refresh. Setting the delay to zero cancels caching and evicts the row on
// its next due time.
package rowcache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Default keys, shared with readers in other processes.
const (
	DelayKey    = "delay:"
	ScheduleKey = "schedule:"
	RowPrefix   = "inv:"
)

// TxStore runs queued commands in a MULTI/EXEC transaction.
type TxStore interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Keys names the sorted sets and row prefix a rowcache instance works on.
type Keys struct {
	Delay    string
	Schedule string
	Row      string
}

// DefaultKeys returns the keys used when none are configured.
func DefaultKeys() Keys {
	return Keys{Delay: DelayKey, Schedule: ScheduleKey, Row: RowPrefix}
}

// RowKey returns the key holding the materialized row id.
func (k Keys) RowKey(id string) string { return k.Row + id }

// Scheduler registers and cancels rows for refreshing.
type Scheduler struct {
	store TxStore
	keys  Keys
	now   func() time.Time
}

// NewScheduler returns a Scheduler writing to the default keys.
func NewScheduler(store TxStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{store: store, keys: DefaultKeys(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerKeys overrides the keys.
func WithSchedulerKeys(k Keys) SchedulerOption {
	return func(s *Scheduler) {
		s.keys = k
	}
}

// WithSchedulerClock overrides the clock used for the first due time.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Define sets the refresh delay of id and makes it due immediately. The
// delay and schedule entries are written in one transaction. A delay of zero
// or less cancels caching: the row is evicted by the Refresher.
func (s *Scheduler) Define(ctx context.Context, id string, delay time.Duration) error {
	now := s.now().UnixMilli()
	_, err := s.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.keys.Delay, redis.Z{Score: float64(delay.Milliseconds()), Member: id})
		pipe.ZAdd(ctx, s.keys.Schedule, redis.Z{Score: float64(now), Member: id})
		return nil
	})
	return err
}

// Cancel stops refreshing id. The cached row is removed on the next cycle.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.Define(ctx, id, 0)
}
