package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/gomega"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/warp-coord/v1/cleaner"
	"github.com/mirkobrombin/warp-coord/v1/store"
)

func newTracker(t *testing.T, opts ...Option) (*Tracker, *store.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := store.New(client)
	return NewTracker(s, opts...), s, mr
}

func TestTouchAndCheck(t *testing.T) {
	g := NewWithT(t)
	tr, _, mr := newTracker(t)
	ctx := context.Background()

	_, ok, err := tr.Check(ctx, "tok")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())

	g.Expect(tr.Touch(ctx, "tok", "alice", "")).To(Succeed())
	user, ok, err := tr.Check(ctx, "tok")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())
	g.Expect(user).To(Equal("alice"))

	members, _ := mr.ZMembers(RecentKey)
	g.Expect(members).To(Equal([]string{"tok"}))
	g.Expect(mr.Exists(ViewPrefix + "tok")).To(BeFalse())
}

func TestTouchKeepsLatestViews(t *testing.T) {
	g := NewWithT(t)
	now := time.UnixMilli(1_700_000_000_000)
	tr, _, mr := newTracker(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		now = now.Add(time.Millisecond)
		g.Expect(tr.Touch(ctx, "tok", "alice", fmt.Sprintf("item-%02d", i))).To(Succeed())
	}
	views, err := mr.ZMembers(ViewPrefix + "tok")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(views).To(HaveLen(DefaultViewHistory))
	g.Expect(views[0]).To(Equal("item-05"))
	g.Expect(views[len(views)-1]).To(Equal("item-29"))
}

func TestUpdateCart(t *testing.T) {
	g := NewWithT(t)
	tr, _, mr := newTracker(t)
	ctx := context.Background()

	g.Expect(tr.UpdateCart(ctx, "tok", "sku-1", 3)).To(Succeed())
	g.Expect(mr.HGet(CartPrefix+"tok", "sku-1")).To(Equal("3"))

	g.Expect(tr.UpdateCart(ctx, "tok", "sku-1", 0)).To(Succeed())
	g.Expect(mr.Exists(CartPrefix + "tok")).To(BeFalse())
}

func TestHandlersRemoveEvictedSessions(t *testing.T) {
	g := NewWithT(t)
	now := time.UnixMilli(1_700_000_000_000)
	tr, s, mr := newTracker(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		tok := fmt.Sprintf("tok-%d", i)
		g.Expect(tr.Touch(ctx, tok, "user", "item")).To(Succeed())
		g.Expect(tr.UpdateCart(ctx, tok, "sku", 1)).To(Succeed())
	}

	c := cleaner.New(s, tr.Handlers(), append(tr.CleanerOptions(), cleaner.WithLimit(3))...)
	n, err := c.Sweep(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(Equal(2))

	for _, tok := range []string{"tok-0", "tok-1"} {
		_, ok, _ := tr.Check(ctx, tok)
		g.Expect(ok).To(BeFalse())
		g.Expect(mr.Exists(ViewPrefix + tok)).To(BeFalse())
		g.Expect(mr.Exists(CartPrefix + tok)).To(BeFalse())
	}
	for _, tok := range []string{"tok-2", "tok-3", "tok-4"} {
		_, ok, _ := tr.Check(ctx, tok)
		g.Expect(ok).To(BeTrue())
		g.Expect(mr.Exists(CartPrefix + tok)).To(BeTrue())
	}
	members, _ := mr.ZMembers(RecentKey)
	g.Expect(members).To(Equal([]string{"tok-2", "tok-3", "tok-4"}))
}

func TestFailedHandlerKeepsSessionQueued(t *testing.T) {
	g := NewWithT(t)
	now := time.UnixMilli(1_700_000_000_000)
	tr, s, mr := newTracker(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		tok := fmt.Sprintf("tok-%d", i)
		g.Expect(tr.Touch(ctx, tok, "user", "item")).To(Succeed())
		g.Expect(tr.UpdateCart(ctx, tok, "sku", 1)).To(Succeed())
	}

	failing := cleaner.HandlerFunc("audit", func(context.Context, []string) error {
		return errors.New("audit log unavailable")
	})
	handlers := append(tr.Handlers(), failing)
	c := cleaner.New(s, handlers, append(tr.CleanerOptions(),
		cleaner.WithLimit(2), cleaner.WithConcurrentHandlers(4))...)

	_, err := c.Sweep(ctx)
	g.Expect(err).To(HaveOccurred())
	members, _ := mr.ZMembers(RecentKey)
	g.Expect(members).To(HaveLen(4))
}
