package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "warp:bus:"

// PubSubStore is the part of the store RedisBus needs.
type PubSubStore interface {
	Publish(ctx context.Context, channel, msg string) error
	Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error)
}

// RedisBus implements Bus on Redis pub/sub so waiters in other processes are
// woken as well.
type RedisBus struct {
	store  PubSubStore
	prefix string

	mu   sync.Mutex
	subs map[chan struct{}]*redis.PubSub
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithChannelPrefix overrides the pub/sub channel prefix.
func WithChannelPrefix(prefix string) RedisBusOption {
	return func(b *RedisBus) {
		b.prefix = prefix
	}
}

// NewRedisBus returns a Bus publishing on Redis channels.
func NewRedisBus(store PubSubStore, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		store:  store,
		prefix: defaultChannelPrefix,
		subs:   make(map[chan struct{}]*redis.PubSub),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	return b.store.Publish(ctx, b.prefix+topic, topic)
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ps, err := b.store.Subscribe(ctx, b.prefix+topic)
	if err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		for {
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				_ = b.Unsubscribe(context.Background(), topic, ch)
				return
			}
		}
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return ps.Close()
}
