package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/warp-coord/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/warp-coord/v1/lock")

var (
	// ErrInvalidLease is returned when a non-positive lease is requested.
	ErrInvalidLease = errors.New("warp: lease must be positive")
	// ErrInvalidLimit is returned when a semaphore limit is not positive.
	ErrInvalidLimit = errors.New("warp: semaphore limit must be positive")
)

// busFallbackInterval bounds how long a waiter sleeps on the release bus
// before polling again, since expiring leases publish nothing.
const busFallbackInterval = 10 * time.Millisecond

// Locker is a named mutual exclusion primitive. Tokens returned by
// TryAcquire and Acquire prove ownership on Release. A false ok with a nil
// error means the lock is held by someone else.
type Locker interface {
	TryAcquire(ctx context.Context, name string, lease time.Duration) (token string, ok bool, err error)
	Acquire(ctx context.Context, name string, lease, timeout time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

// KeyFunc maps a lock name to the store key holding it.
type KeyFunc func(name string) string

// PrefixKey returns a KeyFunc prepending prefix to the name.
func PrefixKey(prefix string) KeyFunc {
	return func(name string) string { return prefix + name }
}

// UnlockTopic is the bus topic published when name is released.
func UnlockTopic(name string) string { return "unlock:" + name }

type options struct {
	keyFunc       KeyFunc
	bus           syncbus.Bus
	retryInterval time.Duration
	scriptRelease bool
	tracing       bool
	now           func() time.Time
	newToken      func() (string, error)
}

func newOptions(prefix string, opts []Option) options {
	o := options{
		keyFunc: PrefixKey(prefix),
		now:     time.Now,
		newToken: func() (string, error) {
			return uuid.NewString(), nil
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Lease, Semaphore or InMemory locker.
type Option func(*options)

// WithKeyFunc sets the key naming strategy.
func WithKeyFunc(fn KeyFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.keyFunc = fn
		}
	}
}

// WithBus publishes release notifications on bus and lets Acquire wake up
// as soon as a holder releases.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithRetryInterval sets a pause between Acquire attempts. Zero means
// attempts are issued back to back.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
	}
}

// WithScriptRelease makes Lease.Release use a single Lua check-and-delete
// instead of WATCH/MULTI/EXEC.
func WithScriptRelease() Option {
	return func(o *options) {
		o.scriptRelease = true
	}
}

// WithTracing enables OpenTelemetry spans for lock operations.
func WithTracing() Option {
	return func(o *options) {
		o.tracing = true
	}
}

// WithClock overrides the wall clock used for deadlines and scores.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTokenFunc overrides holder token generation.
func WithTokenFunc(fn func() (string, error)) Option {
	return func(o *options) {
		if fn != nil {
			o.newToken = fn
		}
	}
}

func (o *options) span(ctx context.Context, op, name string) (context.Context, func(ok bool, err error)) {
	if !o.tracing {
		return ctx, func(bool, error) {}
	}
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("warp.lock.name", name)))
	return ctx, func(ok bool, err error) {
		span.SetAttributes(attribute.Bool("warp.lock.ok", ok))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (o *options) notifyReleased(ctx context.Context, name string) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, UnlockTopic(name)); err != nil {
		slog.Debug("warp: unlock notification failed", "lock", name, "error", err)
	}
}

// retry calls attempt until it succeeds, fails, or the deadline passes. The
// last attempt happens no earlier than the deadline.
func (o *options) retry(ctx context.Context, name string, timeout time.Duration, attempt func(context.Context) (bool, error)) (bool, error) {
	deadline := o.now().Add(timeout)

	var wake chan struct{}
	if o.bus != nil {
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := o.bus.Subscribe(sctx, UnlockTopic(name))
		if err != nil {
			slog.Debug("warp: unlock subscription failed, polling", "lock", name, "error", err)
		} else {
			wake = ch
		}
	}
	wait := o.retryInterval
	if wake != nil && wait <= 0 {
		wait = busFallbackInterval
	}

	for {
		ok, err := attempt(ctx)
		if err != nil || ok {
			return ok, err
		}
		now := o.now()
		if now.After(deadline) {
			return false, nil
		}
		if wait <= 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			continue
		}
		d := deadline.Sub(now)
		if d > wait {
			d = wait
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}
