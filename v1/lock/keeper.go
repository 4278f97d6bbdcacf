package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotKept is returned by Keeper.Release for a name it does not renew.
var ErrNotKept = errors.New("warp: lock is not kept")

type kept struct {
	token string
	stop  chan struct{}
	lost  chan struct{}
	done  chan struct{}
}

// Keeper renews held leases in the background so long running holders do not
// lose their lock to expiry.
type Keeper struct {
	lease *Lease

	mu   sync.Mutex
	held map[string]*kept
}

// NewKeeper returns a Keeper renewing locks of l.
func NewKeeper(l *Lease) *Keeper {
	return &Keeper{lease: l, held: make(map[string]*kept)}
}

// Keep extends name to lease every half lease while token owns it. The
// returned channel is closed if an extension finds the lock owned by someone
// else. Transient store errors are logged and retried on the next tick.
func (k *Keeper) Keep(name, token string, lease time.Duration) (<-chan struct{}, error) {
	if lease <= 0 {
		return nil, ErrInvalidLease
	}
	kp := &kept{
		token: token,
		stop:  make(chan struct{}),
		lost:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	k.mu.Lock()
	if prev, ok := k.held[name]; ok {
		close(prev.stop)
	}
	k.held[name] = kp
	k.mu.Unlock()

	interval := lease / 2
	if interval <= 0 {
		interval = lease
	}
	go k.renew(name, kp, lease, interval)
	return kp.lost, nil
}

func (k *Keeper) renew(name string, kp *kept, lease, interval time.Duration) {
	defer close(kp.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-kp.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		ok, err := k.lease.Extend(ctx, name, kp.token, lease)
		cancel()
		if err != nil {
			slog.Warn("warp: lease renewal failed", "lock", name, "error", err)
			continue
		}
		if !ok {
			slog.Warn("warp: lock lost before renewal", "lock", name)
			k.forget(name, kp)
			close(kp.lost)
			return
		}
	}
}

func (k *Keeper) forget(name string, kp *kept) {
	k.mu.Lock()
	if k.held[name] == kp {
		delete(k.held, name)
	}
	k.mu.Unlock()
}

// Release stops renewing name and releases the lock.
func (k *Keeper) Release(ctx context.Context, name string) error {
	k.mu.Lock()
	kp, ok := k.held[name]
	if ok {
		delete(k.held, name)
	}
	k.mu.Unlock()
	if !ok {
		return ErrNotKept
	}
	close(kp.stop)
	<-kp.done
	return k.lease.Release(ctx, name, kp.token)
}
