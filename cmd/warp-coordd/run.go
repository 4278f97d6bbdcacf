package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/warp-coord/v1/cleaner"
	"github.com/mirkobrombin/warp-coord/v1/lock"
	"github.com/mirkobrombin/warp-coord/v1/metrics"
	"github.com/mirkobrombin/warp-coord/v1/rowcache"
	"github.com/mirkobrombin/warp-coord/v1/session"
	"github.com/mirkobrombin/warp-coord/v1/validator"
)

const leaderLock = "warp-coordd:leader"

var errLeadershipLost = errors.New("warp: daemon leadership lost")

// RunCmd runs the eviction and row refresh daemons until interrupted. When
// several replicas run, a lease lock elects the one that does the work.
type RunCmd struct {
	Listen      string `kong:"name='listen',default=':2112',help='Address serving /metrics.'"`
	TraceStdout bool   `kong:"name='trace-stdout',help='Print lock spans to stdout.'"`

	Limit       int64         `kong:"name='limit',default='10000000',help='Sessions kept before eviction starts.'"`
	BatchSize   int64         `kong:"name='batch-size',default='100',help='Sessions evicted per cycle.'"`
	CleanPoll   time.Duration `kong:"name='clean-poll',default='1s',help='Idle wait of the eviction daemon.'"`
	RefreshPoll time.Duration `kong:"name='refresh-poll',default='500ms',help='Idle wait of the row refresh daemon.'"`
	Rows        []string      `kong:"name='row',help='Row ids to schedule for refreshing at start.'"`
	RowDelay    time.Duration `kong:"name='row-delay',default='30s',help='Refresh delay of the rows given with --row.'"`
	LeaderLease time.Duration `kong:"name='leader-lease',default='10s',help='Lease of the leader lock.'"`
	Parallel    int           `kong:"name='parallel-handlers',default='1',help='Cleanup handlers run at once.'"`
	Validate    time.Duration `kong:"name='validate-every',default='1m',help='How often the row cache sets are checked and repaired.'"`
}

// Run executes the run command.
func (cmd RunCmd) Run(ctx context.Context, rf *RedisFlags) error {
	r, err := rf.open(lock.WithTracing())
	if err != nil {
		return err
	}
	defer r.Close()

	if cmd.TraceStdout {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoordMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cmd.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("warp: serving metrics", "addr", cmd.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return cmd.lead(gctx, r.Lease, func(ctx context.Context) error {
			return cmd.daemons(ctx, r.Store)
		})
	})
	return g.Wait()
}

// lead waits for the leader lock and runs fn while a Keeper renews it. The
// lock is released when fn returns.
func (cmd RunCmd) lead(ctx context.Context, l *lock.Lease, fn func(context.Context) error) error {
	var token string
	for token == "" {
		t, ok, err := l.Acquire(ctx, leaderLock, cmd.LeaderLease, cmd.LeaderLease)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ok {
			token = t
		} else {
			slog.Debug("warp: waiting for leadership")
		}
	}
	slog.Info("warp: acquired leadership")

	keeper := lock.NewKeeper(l)
	lost, err := keeper.Keep(leaderLock, token, cmd.LeaderLease)
	if err != nil {
		return err
	}
	defer func() {
		if err := keeper.Release(context.Background(), leaderLock); err != nil && !errors.Is(err, lock.ErrNotKept) {
			slog.Warn("warp: releasing leadership failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fn(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-lost:
			return errLeadershipLost
		}
	})
	return g.Wait()
}

func (cmd RunCmd) daemons(ctx context.Context, s storeAll) error {
	tracker := session.NewTracker(s)
	cl := cleaner.New(s, tracker.Handlers(), append(tracker.CleanerOptions(),
		cleaner.WithLimit(cmd.Limit),
		cleaner.WithBatchSize(cmd.BatchSize),
		cleaner.WithPollInterval(cmd.CleanPoll),
		cleaner.WithConcurrentHandlers(cmd.Parallel))...)

	sched := rowcache.NewScheduler(s)
	for _, id := range cmd.Rows {
		if err := sched.Define(ctx, id, cmd.RowDelay); err != nil {
			return fmt.Errorf("schedule row %s: %w", id, err)
		}
	}
	ref := rowcache.NewRefresher(s, rowcache.FetcherFunc(fetchRow),
		rowcache.WithPollInterval(cmd.RefreshPoll))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cl.Run(gctx) })
	g.Go(func() error { return ref.Run(gctx) })
	g.Go(func() error {
		return validator.New(s, validator.ModeAutoHeal, cmd.Validate).Run(gctx)
	})
	return g.Wait()
}

type storeAll interface {
	session.Store
	cleaner.Store
	rowcache.RefresherStore
	validator.Store
}

type rowData struct {
	ID          string    `json:"id"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// fetchRow stands in for the application's row loader.
func fetchRow(_ context.Context, id string) (any, error) {
	return rowData{ID: id, RefreshedAt: time.Now().UTC()}, nil
}
