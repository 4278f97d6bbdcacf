package lock

import (
	"context"
	"strconv"
	"time"

	hashuuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/warp-coord/v1/metrics"
)

// SemaphoreStore is the part of the store a Semaphore needs.
type SemaphoreStore interface {
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
}

// Semaphore admits up to limit concurrent holders per name. Holders live in
// a sorted set scored by acquisition time in microseconds; holders older
// than the lease are pruned before every attempt.
//
// An attempt prunes, adds and ranks in one pipeline without MULTI, so racing
// callers in different processes can briefly admit more than limit holders.
// The over-admission disappears as soon as the extra holders release or
// expire.
type Semaphore struct {
	store SemaphoreStore
	o     options
}

// NewSemaphore returns a Semaphore. Keys default to "semaphore:<name>".
func NewSemaphore(store SemaphoreStore, opts ...Option) *Semaphore {
	o := newOptions("semaphore:", append([]Option{WithTokenFunc(hashuuid.GenerateUUID)}, opts...))
	return &Semaphore{store: store, o: o}
}

// TryAcquire makes a single attempt to take one of limit slots.
func (s *Semaphore) TryAcquire(ctx context.Context, name string, lease time.Duration, limit int) (string, bool, error) {
	if err := validate(lease, limit); err != nil {
		return "", false, err
	}
	ctx, end := s.o.span(ctx, "Semaphore.TryAcquire", name)
	token, err := s.o.newToken()
	if err != nil {
		end(false, err)
		return "", false, err
	}
	ok, err := s.attempt(ctx, name, lease, limit, token)
	end(ok, err)
	if !ok {
		return "", false, err
	}
	return token, true, nil
}

// Acquire retries TryAcquire until a slot is free or timeout elapses.
func (s *Semaphore) Acquire(ctx context.Context, name string, lease, timeout time.Duration, limit int) (string, bool, error) {
	if err := validate(lease, limit); err != nil {
		return "", false, err
	}
	ctx, end := s.o.span(ctx, "Semaphore.Acquire", name)
	token, err := s.o.newToken()
	if err != nil {
		end(false, err)
		return "", false, err
	}
	ok, err := s.o.retry(ctx, name, timeout, func(ctx context.Context) (bool, error) {
		return s.attempt(ctx, name, lease, limit, token)
	})
	end(ok, err)
	if err != nil {
		return "", false, err
	}
	if !ok {
		metrics.TimeoutCounter.WithLabelValues(metrics.KindSemaphore).Inc()
		return "", false, nil
	}
	return token, true, nil
}

func (s *Semaphore) attempt(ctx context.Context, name string, lease time.Duration, limit int, token string) (bool, error) {
	key := s.o.keyFunc(name)
	now := s.o.now().UnixMicro()
	cutoff := now - lease.Microseconds()

	var rank *redis.IntCmd
	if _, err := s.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: token})
		rank = pipe.ZRank(ctx, key, token)
		return nil
	}); err != nil {
		return false, err
	}
	if rank.Val() < int64(limit) {
		metrics.AcquiredCounter.WithLabelValues(metrics.KindSemaphore).Inc()
		return true, nil
	}
	if _, err := s.store.ZRem(ctx, key, token); err != nil {
		return false, err
	}
	metrics.ContendedCounter.WithLabelValues(metrics.KindSemaphore).Inc()
	return false, nil
}

// Release removes token from the holders. Ownership is not verified:
// removing an absent or expired holder is harmless.
func (s *Semaphore) Release(ctx context.Context, name, token string) error {
	if token == "" {
		return nil
	}
	ctx, end := s.o.span(ctx, "Semaphore.Release", name)
	n, err := s.store.ZRem(ctx, s.o.keyFunc(name), token)
	end(n > 0, err)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.ReleasedCounter.WithLabelValues(metrics.KindSemaphore).Inc()
		s.o.notifyReleased(ctx, name)
	}
	return nil
}

// Count returns the number of recorded holders, including ones whose lease
// has expired but that have not been pruned yet.
func (s *Semaphore) Count(ctx context.Context, name string) (int64, error) {
	return s.store.ZCard(ctx, s.o.keyFunc(name))
}

// Limited returns a Locker view of the semaphore with a fixed limit.
func (s *Semaphore) Limited(limit int) Locker {
	return limited{s: s, limit: limit}
}

type limited struct {
	s     *Semaphore
	limit int
}

func (l limited) TryAcquire(ctx context.Context, name string, lease time.Duration) (string, bool, error) {
	return l.s.TryAcquire(ctx, name, lease, l.limit)
}

func (l limited) Acquire(ctx context.Context, name string, lease, timeout time.Duration) (string, bool, error) {
	return l.s.Acquire(ctx, name, lease, timeout, l.limit)
}

func (l limited) Release(ctx context.Context, name, token string) error {
	return l.s.Release(ctx, name, token)
}

func validate(lease time.Duration, limit int) error {
	if lease <= 0 {
		return ErrInvalidLease
	}
	if limit <= 0 {
		return ErrInvalidLimit
	}
	return nil
}
