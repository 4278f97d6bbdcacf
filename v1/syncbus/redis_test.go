package syncbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/warp-coord/v1/store"
)

func newRedisBus(t *testing.T) (*RedisBus, *RedisBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	c1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	return NewRedisBus(store.New(c1)), NewRedisBus(store.New(c2))
}

func TestRedisBusCrossClientDelivery(t *testing.T) {
	pub, sub := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx, "unlock:job")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, "unlock:job"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for redis notification")
	}
	if err := sub.Unsubscribe(ctx, "unlock:job", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.subs) != 0 {
		t.Fatal("subscription not released")
	}
}

func TestRedisBusIgnoresOtherTopics(t *testing.T) {
	pub, sub := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, "b"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("received notification for another topic")
	case <-time.After(50 * time.Millisecond):
	}
}
