// Package presets wires the coordination primitives for common deployments.
package presets

import (
	"time"

	"github.com/mirkobrombin/warp-coord/v1/lock"
	"github.com/mirkobrombin/warp-coord/v1/store"
	"github.com/mirkobrombin/warp-coord/v1/syncbus"
)

const (
	busFailureThreshold = 3
	busRetryAfter       = 10 * time.Second
)

// Redis bundles a store, a release bus and lockers sharing one connection
// pool.
type Redis struct {
	Store     *store.Redis
	Bus       syncbus.Bus
	Lease     *lock.Lease
	Semaphore *lock.Semaphore
}

// NewRedis connects to Redis (standalone or Sentinel, see store.Options) and
// returns lockers that publish releases on Redis pub/sub. The bus sits behind
// a circuit breaker so a failing pub/sub connection degrades waiters to
// polling. opTimeout bounds every store call; zero keeps the store default.
func NewRedis(opts store.Options, opTimeout time.Duration, lockOpts ...lock.Option) (*Redis, error) {
	client, err := store.NewClient(opts)
	if err != nil {
		return nil, err
	}
	var storeOpts []store.Option
	if opTimeout > 0 {
		storeOpts = append(storeOpts, store.WithTimeout(opTimeout))
	}
	s := store.New(client, storeOpts...)
	bus := syncbus.NewCircuitBreaker(syncbus.NewRedisBus(s), busFailureThreshold, busRetryAfter)

	lockOpts = append([]lock.Option{lock.WithBus(bus)}, lockOpts...)
	return &Redis{
		Store:     s,
		Bus:       bus,
		Lease:     lock.NewLease(s, lockOpts...),
		Semaphore: lock.NewSemaphore(s, lockOpts...),
	}, nil
}

// Close closes the connection pool.
func (r *Redis) Close() error {
	return r.Store.Close()
}

// NewInMemoryStandalone returns a process local locker and its release bus.
// Useful for local development and tests.
func NewInMemoryStandalone(opts ...lock.Option) (*lock.InMemory, *syncbus.InMemoryBus) {
	bus := syncbus.NewInMemoryBus()
	return lock.NewInMemory(append([]lock.Option{lock.WithBus(bus)}, opts...)...), bus
}
