package rowcache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Getter reads a string key.
type Getter interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// Reader decodes materialized rows. With a local cache configured, decoded
// rows are kept in process for a short TTL so hot rows skip the round trip.
type Reader[T any] struct {
	store  Getter
	codec  Codec
	keys   Keys
	local  *ristretto.Cache
	ttl    time.Duration
	closed bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerConfig)

type readerConfig struct {
	codec Codec
	keys  Keys
	local *ristretto.Config
	ttl   time.Duration
}

// WithReaderCodec sets the codec rows are decoded with. It must match the
// Refresher's.
func WithReaderCodec(c Codec) ReaderOption {
	return func(rc *readerConfig) {
		if c != nil {
			rc.codec = c
		}
	}
}

// WithReaderKeys overrides the keys.
func WithReaderKeys(k Keys) ReaderOption {
	return func(rc *readerConfig) {
		rc.keys = k
	}
}

// WithLocalCache keeps decoded rows in a ristretto cache for ttl. A nil cfg
// uses a small default configuration.
func WithLocalCache(ttl time.Duration, cfg *ristretto.Config) ReaderOption {
	return func(rc *readerConfig) {
		if cfg == nil {
			cfg = &ristretto.Config{
				NumCounters: 1e4,     // keys tracked for admission
				MaxCost:     1 << 20, // bytes of encoded rows
				BufferItems: 64,
			}
		}
		rc.local = cfg
		rc.ttl = ttl
	}
}

// NewReader returns a Reader over store.
func NewReader[T any](store Getter, opts ...ReaderOption) (*Reader[T], error) {
	rc := readerConfig{codec: JSONCodec{}, keys: DefaultKeys()}
	for _, opt := range opts {
		opt(&rc)
	}
	r := &Reader[T]{store: store, codec: rc.codec, keys: rc.keys, ttl: rc.ttl}
	if rc.local != nil && rc.ttl > 0 {
		c, err := ristretto.NewCache(rc.local)
		if err != nil {
			return nil, err
		}
		r.local = c
	}
	return r, nil
}

// Get returns the materialized row id. The boolean is false when the row is
// not cached, either because it was never refreshed or it was evicted.
func (r *Reader[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	if r.local != nil {
		if v, ok := r.local.Get(id); ok {
			if row, ok := v.(T); ok {
				return row, true, nil
			}
		}
	}
	raw, ok, err := r.store.Get(ctx, r.keys.RowKey(id))
	if err != nil || !ok {
		return zero, false, err
	}
	var row T
	if err := r.codec.Unmarshal([]byte(raw), &row); err != nil {
		return zero, false, err
	}
	if r.local != nil {
		r.local.SetWithTTL(id, row, int64(len(raw)), r.ttl)
		r.local.Wait()
	}
	return row, true, nil
}

// Invalidate drops id from the local cache.
func (r *Reader[T]) Invalidate(id string) {
	if r.local != nil {
		r.local.Del(id)
		r.local.Wait()
	}
}

// Close releases the local cache.
func (r *Reader[T]) Close() {
	if r.local != nil && !r.closed {
		r.local.Close()
		r.closed = true
	}
}
