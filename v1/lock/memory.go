package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/warp-coord/v1/metrics"
)

type lockState struct {
	token     string
	expiresAt time.Time
	notify    chan struct{}
}

func (st *lockState) expired(now time.Time) bool {
	return !st.expiresAt.IsZero() && !now.Before(st.expiresAt)
}

// InMemory implements Locker in process memory with the same token and
// lease semantics as Lease. Waiters block on the holder's release instead
// of polling. It only coordinates goroutines of one process.
type InMemory struct {
	mu    sync.Mutex
	o     options
	locks map[string]*lockState
}

var _ Locker = (*InMemory)(nil)

// NewInMemory returns a new in-memory locker.
func NewInMemory(opts ...Option) *InMemory {
	return &InMemory{o: newOptions("lock:", opts), locks: make(map[string]*lockState)}
}

// TryAcquire attempts to obtain the lock without waiting.
func (l *InMemory) TryAcquire(ctx context.Context, name string, lease time.Duration) (string, bool, error) {
	if lease <= 0 {
		return "", false, ErrInvalidLease
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	token, err := l.o.newToken()
	if err != nil {
		return "", false, err
	}
	ok, _ := l.tryLock(name, lease, token)
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// tryLock returns the current holder's state when the lock is taken.
func (l *InMemory) tryLock(name string, lease time.Duration, token string) (bool, *lockState) {
	key := l.o.keyFunc(name)
	now := l.o.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.locks[key]; ok {
		if !st.expired(now) {
			metrics.ContendedCounter.WithLabelValues(metrics.KindInMemory).Inc()
			return false, st
		}
		close(st.notify)
	}
	l.locks[key] = &lockState{
		token:     token,
		expiresAt: now.Add(lease),
		notify:    make(chan struct{}),
	}
	metrics.AcquiredCounter.WithLabelValues(metrics.KindInMemory).Inc()
	return true, nil
}

// Acquire blocks until the lock is obtained, timeout elapses or ctx is done.
func (l *InMemory) Acquire(ctx context.Context, name string, lease, timeout time.Duration) (string, bool, error) {
	if lease <= 0 {
		return "", false, ErrInvalidLease
	}
	token, err := l.o.newToken()
	if err != nil {
		return "", false, err
	}
	deadline := l.o.now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		ok, holder := l.tryLock(name, lease, token)
		if ok {
			return token, true, nil
		}
		now := l.o.now()
		if !now.Before(deadline) {
			metrics.TimeoutCounter.WithLabelValues(metrics.KindInMemory).Inc()
			return "", false, nil
		}
		wait := deadline.Sub(now)
		if until := holder.expiresAt.Sub(now); until < wait {
			wait = until
		}
		timer := time.NewTimer(wait)
		select {
		case <-holder.notify:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

// Release frees the lock if token still owns it.
func (l *InMemory) Release(ctx context.Context, name, token string) error {
	key := l.o.keyFunc(name)
	l.mu.Lock()
	st, ok := l.locks[key]
	if ok && st.token == token {
		close(st.notify)
		delete(l.locks, key)
	} else {
		ok = false
	}
	l.mu.Unlock()
	if ok {
		metrics.ReleasedCounter.WithLabelValues(metrics.KindInMemory).Inc()
		l.o.notifyReleased(ctx, name)
	}
	return nil
}
