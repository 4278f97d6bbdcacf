package lock

import (
	"errors"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestKeeperExtendsHeldLease(t *testing.T) {
	g := NewWithT(t)
	s, mr, ctx := newRedisStore(t)
	l := NewLease(s)
	k := NewKeeper(l)

	token, ok, err := l.TryAcquire(ctx, "job", 40*time.Millisecond)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())

	_, err = k.Keep("job", token, 40*time.Millisecond)
	g.Expect(err).NotTo(HaveOccurred())

	mr.FastForward(30 * time.Millisecond)
	g.Eventually(func() time.Duration { return mr.TTL("lock:job") }, time.Second, 5*time.Millisecond).
		Should(Equal(40 * time.Millisecond))

	g.Expect(k.Release(ctx, "job")).To(Succeed())
	g.Expect(mr.Exists("lock:job")).To(BeFalse())
	g.Expect(errors.Is(k.Release(ctx, "job"), ErrNotKept)).To(BeTrue())
}

func TestKeeperReportsLostLock(t *testing.T) {
	g := NewWithT(t)
	s, mr, ctx := newRedisStore(t)
	l := NewLease(s)
	k := NewKeeper(l)

	token, _, _ := l.TryAcquire(ctx, "job", 20*time.Millisecond)
	lost, err := k.Keep("job", token, 20*time.Millisecond)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(mr.Set("lock:job", "someone-else")).To(Succeed())
	g.Eventually(lost, time.Second).Should(BeClosed())
	g.Expect(errors.Is(k.Release(ctx, "job"), ErrNotKept)).To(BeTrue())
	v, _ := mr.Get("lock:job")
	g.Expect(v).To(Equal("someone-else"))
}

func TestKeeperRejectsNonPositiveLease(t *testing.T) {
	s, _, _ := newRedisStore(t)
	k := NewKeeper(NewLease(s))
	if _, err := k.Keep("job", "tok", 0); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease, got %v", err)
	}
}
