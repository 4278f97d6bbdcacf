package validator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/warp-coord/v1/errors"
	"github.com/mirkobrombin/warp-coord/v1/metrics"
	"github.com/mirkobrombin/warp-coord/v1/rowcache"
	"github.com/mirkobrombin/warp-coord/v1/store"
)

func newStore(t *testing.T) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.New(client), mr
}

func seedMismatches(t *testing.T, mr *miniredis.Miniredis) {
	t.Helper()
	// paired
	mr.ZAdd(rowcache.DelayKey, 1000, "ok")
	mr.ZAdd(rowcache.ScheduleKey, 5, "ok")
	// scheduled without a delay
	mr.ZAdd(rowcache.ScheduleKey, 9e15, "orphan")
	mr.Set("inv:orphan", "{}")
	// active but never scheduled
	mr.ZAdd(rowcache.DelayKey, 1000, "lost")
	// cancelled and already unscheduled
	mr.ZAdd(rowcache.DelayKey, 0, "stale")
	mr.Set("inv:stale", "{}")
}

func TestValidatorAlertOnly(t *testing.T) {
	s, mr := newStore(t)
	seedMismatches(t, mr)

	v := New(s, ModeAlert, time.Minute)
	n, err := v.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 3 || v.Metrics() != 3 {
		t.Fatalf("expected 3 mismatches, got %d (metrics %d)", n, v.Metrics())
	}
	if !mr.Exists("inv:orphan") {
		t.Fatal("alert mode must not modify the store")
	}
}

func TestValidatorAutoHeal(t *testing.T) {
	s, mr := newStore(t)
	seedMismatches(t, mr)
	now := time.UnixMilli(1_700_000_000_000)

	v := New(s, ModeAutoHeal, time.Minute, WithClock(func() time.Time { return now }))
	n, err := v.Scan(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("scan: %d %v", n, err)
	}

	sched, _ := mr.ZMembers(rowcache.ScheduleKey)
	if len(sched) != 2 || sched[0] != "ok" || sched[1] != "lost" {
		t.Fatalf("unexpected schedule after heal: %v", sched)
	}
	if score, _ := mr.ZScore(rowcache.ScheduleKey, "lost"); score != float64(now.UnixMilli()) {
		t.Fatalf("lost row scheduled at %v", score)
	}
	delays, _ := mr.ZMembers(rowcache.DelayKey)
	if len(delays) != 2 {
		t.Fatalf("stale delay not removed: %v", delays)
	}
	if mr.Exists("inv:orphan") || mr.Exists("inv:stale") {
		t.Fatal("orphaned rows not deleted")
	}

	if n, err := v.Scan(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected consistent sets after heal, got %d %v", n, err)
	}
}

func TestAutoHealKeepsRowScheduledDuringScan(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	sched := rowcache.NewScheduler(s, rowcache.WithSchedulerClock(clock))

	v := New(s, ModeAutoHeal, time.Minute, WithClock(clock))
	defined := false
	v.afterRead = func() {
		if defined {
			return
		}
		defined = true
		if err := sched.Define(ctx, "fresh", time.Minute); err != nil {
			t.Errorf("define: %v", err)
		}
		mr.Set("inv:fresh", "{}")
	}

	n, err := v.Scan(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected no drift, got %d %v", n, err)
	}
	if delay, err := mr.ZScore(rowcache.DelayKey, "fresh"); err != nil || delay != 60_000 {
		t.Fatalf("delay %v %v", delay, err)
	}
	if _, err := mr.ZScore(rowcache.ScheduleKey, "fresh"); err != nil {
		t.Fatalf("fresh row lost its schedule: %v", err)
	}
	if !mr.Exists("inv:fresh") {
		t.Fatal("fresh row deleted")
	}
}

func TestScanGivesUpWhenSetsKeepChanging(t *testing.T) {
	s, mr := newStore(t)
	seedMismatches(t, mr)

	v := New(s, ModeAutoHeal, time.Minute)
	i := 0
	v.afterRead = func() {
		i++
		mr.ZAdd(rowcache.DelayKey, 1000, fmt.Sprintf("row-%d", i))
	}
	if _, err := v.Scan(context.Background()); !errors.Is(err, warperrors.ErrTxAborted) {
		t.Fatalf("expected ErrTxAborted, got %v", err)
	}
	if i != maxScanAttempts {
		t.Fatalf("expected %d attempts, got %d", maxScanAttempts, i)
	}
	if !mr.Exists("inv:orphan") {
		t.Fatal("aborted scan modified the store")
	}
	if v.Metrics() != 0 {
		t.Fatalf("aborted scan counted %d mismatches", v.Metrics())
	}
}

func TestScanUpdatesMismatchCounter(t *testing.T) {
	s, mr := newStore(t)
	seedMismatches(t, mr)
	before := testutil.ToFloat64(metrics.ValidatorMismatchCounter.WithLabelValues("orphaned"))

	if _, err := New(s, ModeNoop, time.Minute).Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ValidatorMismatchCounter.WithLabelValues("orphaned")) - before; got != 1 {
		t.Fatalf("expected one orphan counted, got %v", got)
	}
}

func TestValidatorRunStopsOnCancel(t *testing.T) {
	s, mr := newStore(t)
	seedMismatches(t, mr)

	v := New(s, ModeNoop, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for v.Metrics() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Metrics() == 0 {
		t.Fatal("expected mismatch metrics > 0")
	}
	if !mr.Exists("inv:orphan") {
		t.Fatal("noop mode must not modify the store")
	}
}
