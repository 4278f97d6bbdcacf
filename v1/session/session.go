// Package session records web session activity in Redis: the login hash,
// the recently active sorted set the cleaner trims, per token view history
// and shopping carts. Handlers returns the cleaner handlers that remove a
// session's state once its token is evicted.
package session

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/warp-coord/v1/cleaner"
)

// Default keys.
const (
	LoginKey   = "login:"
	RecentKey  = "recent:"
	ViewPrefix = "view:"
	CartPrefix = "cart:"
)

// DefaultViewHistory is how many viewed items are kept per token.
const DefaultViewHistory = 25

// Store is the part of the store a Tracker needs.
type Store interface {
	cleaner.ZRemover
	cleaner.Deleter
	cleaner.HashDeleter
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Tracker updates and reads session state.
type Tracker struct {
	store   Store
	history int64
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithViewHistory sets how many viewed items are kept per token.
func WithViewHistory(n int64) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.history = n
		}
	}
}

// WithClock overrides the clock used to score activity.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker returns a Tracker over store.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, history: DefaultViewHistory, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Touch records activity for token: it maps token to userID, moves token to
// the most recent position and, when item is not empty, appends item to the
// token's view history, keeping only the latest entries.
func (t *Tracker) Touch(ctx context.Context, token, userID, item string) error {
	ts := float64(t.now().UnixMilli())
	_, err := t.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, LoginKey, token, userID)
		pipe.ZAdd(ctx, RecentKey, redis.Z{Score: ts, Member: token})
		if item != "" {
			key := ViewPrefix + token
			pipe.ZAdd(ctx, key, redis.Z{Score: ts, Member: item})
			pipe.ZRemRangeByRank(ctx, key, 0, -(t.history + 1))
		}
		return nil
	})
	return err
}

// Check returns the user logged in with token.
func (t *Tracker) Check(ctx context.Context, token string) (string, bool, error) {
	return t.store.HGet(ctx, LoginKey, token)
}

// UpdateCart sets the quantity of item in token's cart. A count of zero or
// less removes the item.
func (t *Tracker) UpdateCart(ctx context.Context, token, item string, count int) error {
	key := CartPrefix + token
	if count <= 0 {
		_, err := t.store.HDel(ctx, key, item)
		return err
	}
	return t.store.HSet(ctx, key, item, strconv.Itoa(count))
}

// Handlers returns the cleaner handlers removing the state of evicted
// sessions. Pair them with Finalizer so tokens leave the recent set only
// once their state is gone.
func (t *Tracker) Handlers() []cleaner.Handler {
	return []cleaner.Handler{
		cleaner.HashFieldHandler{Store: t.store, Key: LoginKey},
		cleaner.KeyHandler{Store: t.store, Prefix: ViewPrefix},
		cleaner.KeyHandler{Store: t.store, Prefix: CartPrefix},
	}
}

// Finalizer returns the handler removing evicted tokens from the recent set.
func (t *Tracker) Finalizer() cleaner.Handler {
	return cleaner.ZSetHandler{Store: t.store, Key: RecentKey}
}

// CleanerOptions returns the options wiring the Tracker's finalizer into a
// cleaner over the recent set.
func (t *Tracker) CleanerOptions() []cleaner.Option {
	return []cleaner.Option{cleaner.WithKey(RecentKey), cleaner.WithFinalizer(t.Finalizer())}
}
