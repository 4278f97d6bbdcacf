package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	warperrors "github.com/mirkobrombin/warp-coord/v1/errors"
	"github.com/mirkobrombin/warp-coord/v1/metrics"
)

// LeaseStore is the part of the store a Lease needs.
type LeaseStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	CompareAndDeleteScript(ctx context.Context, key, expected string) (bool, error)
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
}

// Lease implements Locker with a single Redis key per lock holding the
// owner's token, set with SET NX PX. Holders that neither release nor extend
// lose the lock when the lease expires.
type Lease struct {
	store LeaseStore
	o     options
}

var _ Locker = (*Lease)(nil)

// NewLease returns a Lease locker. Keys default to "lock:<name>".
func NewLease(store LeaseStore, opts ...Option) *Lease {
	return &Lease{store: store, o: newOptions("lock:", opts)}
}

// TryAcquire makes a single attempt to take the lock.
func (l *Lease) TryAcquire(ctx context.Context, name string, lease time.Duration) (string, bool, error) {
	if lease <= 0 {
		return "", false, ErrInvalidLease
	}
	ctx, end := l.o.span(ctx, "Lease.TryAcquire", name)
	token, err := l.o.newToken()
	if err != nil {
		end(false, err)
		return "", false, err
	}
	ok, err := l.attempt(ctx, name, lease, token)
	end(ok, err)
	if !ok {
		return "", false, err
	}
	return token, true, nil
}

// Acquire retries TryAcquire until it succeeds or timeout elapses. On
// timeout it returns ok=false and a nil error.
func (l *Lease) Acquire(ctx context.Context, name string, lease, timeout time.Duration) (string, bool, error) {
	if lease <= 0 {
		return "", false, ErrInvalidLease
	}
	ctx, end := l.o.span(ctx, "Lease.Acquire", name)
	token, err := l.o.newToken()
	if err != nil {
		end(false, err)
		return "", false, err
	}
	ok, err := l.o.retry(ctx, name, timeout, func(ctx context.Context) (bool, error) {
		return l.attempt(ctx, name, lease, token)
	})
	end(ok, err)
	if err != nil {
		return "", false, err
	}
	if !ok {
		metrics.TimeoutCounter.WithLabelValues(metrics.KindLease).Inc()
		return "", false, nil
	}
	return token, true, nil
}

func (l *Lease) attempt(ctx context.Context, name string, lease time.Duration, token string) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.o.keyFunc(name), token, lease)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.ContendedCounter.WithLabelValues(metrics.KindLease).Inc()
		return false, nil
	}
	metrics.AcquiredCounter.WithLabelValues(metrics.KindLease).Inc()
	return true, nil
}

// Release deletes the lock only if token still owns it. Releasing a lock
// that expired, was taken over, or was already released is a no-op.
func (l *Lease) Release(ctx context.Context, name, token string) error {
	if token == "" {
		return nil
	}
	ctx, end := l.o.span(ctx, "Lease.Release", name)
	del := l.store.CompareAndDelete
	if l.o.scriptRelease {
		del = l.store.CompareAndDeleteScript
	}
	deleted, err := del(ctx, l.o.keyFunc(name), token)
	if errors.Is(err, warperrors.ErrTxAborted) {
		metrics.ReleaseAbortedCounter.Inc()
		slog.Debug("warp: lock changed hands during release", "lock", name)
		err = nil
	}
	end(deleted, err)
	if err != nil {
		return err
	}
	if deleted {
		metrics.ReleasedCounter.WithLabelValues(metrics.KindLease).Inc()
		l.o.notifyReleased(ctx, name)
	}
	return nil
}

// Extend resets the lease of a held lock to lease. It reports false when
// token no longer owns the lock.
func (l *Lease) Extend(ctx context.Context, name, token string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, ErrInvalidLease
	}
	ctx, end := l.o.span(ctx, "Lease.Extend", name)
	ok, err := l.store.CompareAndExpire(ctx, l.o.keyFunc(name), token, lease)
	end(ok, err)
	return ok, err
}
