package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mirkobrombin/warp-coord/v1/lock"
)

var errNotAcquired = errors.New("warp: lock not acquired before the timeout")

// LockCmd takes a named lock or semaphore slot, holds it and releases it.
type LockCmd struct {
	Name    string        `kong:"arg,required,help='Lock name.'"`
	Lease   time.Duration `kong:"name='lease',default='30s',help='Lease of the lock.'"`
	Timeout time.Duration `kong:"name='timeout',default='10s',help='How long to wait for the lock.'"`
	Hold    time.Duration `kong:"name='hold',default='5s',help='How long to hold the lock.'"`
	Limit   int           `kong:"name='limit',default='1',help='Holders allowed at once. Above 1 a semaphore is used.'"`
	Script  bool          `kong:"name='script-release',help='Release with a Lua script instead of WATCH/MULTI.'"`
}

// Run executes the lock command.
func (cmd LockCmd) Run(ctx context.Context, rf *RedisFlags) error {
	var opts []lock.Option
	if cmd.Script {
		opts = append(opts, lock.WithScriptRelease())
	}
	r, err := rf.open(opts...)
	if err != nil {
		return err
	}
	defer r.Close()

	var l lock.Locker = r.Lease
	if cmd.Limit > 1 {
		l = r.Semaphore.Limited(cmd.Limit)
	}

	token, ok, err := l.Acquire(ctx, cmd.Name, cmd.Lease, cmd.Timeout)
	if err != nil {
		return err
	}
	if !ok {
		return errNotAcquired
	}
	slog.Info("warp: lock acquired", "lock", cmd.Name, "token", token)

	select {
	case <-ctx.Done():
	case <-time.After(cmd.Hold):
	}
	if err := l.Release(context.Background(), cmd.Name, token); err != nil {
		return err
	}
	slog.Info("warp: lock released", "lock", cmd.Name)
	return nil
}
