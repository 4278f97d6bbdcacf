package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/warp-coord/v1/store"
)

func TestNewInMemoryStandalone(t *testing.T) {
	l, bus := NewInMemoryStandalone()
	ctx := context.Background()

	token, ok, err := l.TryAcquire(ctx, "foo", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire failed: ok %v err %v", ok, err)
	}
	if err := l.Release(ctx, "foo", token); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("expected one release notification, got %d", m.Published)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	r, err := NewRedis(store.Options{Addr: mr.Addr()}, time.Second)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	token, ok, err := r.Lease.TryAcquire(ctx, "foo", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lease: ok %v err %v", ok, err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Lease.Release(ctx, "foo", token)
	}()
	if _, ok, err := r.Lease.Acquire(ctx, "foo", time.Minute, 2*time.Second); err != nil || !ok {
		t.Fatalf("acquire after release: ok %v err %v", ok, err)
	}

	if _, ok, err := r.Semaphore.TryAcquire(ctx, "pool", time.Minute, 2); err != nil || !ok {
		t.Fatalf("semaphore: ok %v err %v", ok, err)
	}
}

func TestNewRedisRequiresAddress(t *testing.T) {
	if _, err := NewRedis(store.Options{}, 0); !errors.Is(err, store.ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
}
