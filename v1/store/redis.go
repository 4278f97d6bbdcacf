// Package store exposes the small set of atomic Redis primitives the
// coordination layer is built on: conditional set, compare-and-delete,
// sorted sets and pipelines. Every call runs under a per-operation timeout
// and transport failures are mapped onto the sentinels in v1/errors.
package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/warp-coord/v1/errors"
)

const defaultOpTimeout = 5 * time.Second

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var expireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Member is a sorted set entry.
type Member struct {
	ID    string
	Score float64
}

// Redis wraps a Redis client with per-operation timeouts and error mapping.
// It is safe for concurrent use.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration

	// beforeExec runs between the read and the EXEC of CompareAndDelete.
	beforeExec func(key string)
}

// Option configures a Redis store.
type Option func(*Redis)

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) Option {
	return func(s *Redis) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New returns a store backed by client.
func New(client redis.UniversalClient, opts ...Option) *Redis {
	s := &Redis{client: client, timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Redis) Client() redis.UniversalClient { return s.client }

// Close closes the underlying client.
func (s *Redis) Close() error { return s.client.Close() }

func (s *Redis) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// mapError translates client errors into v1/errors sentinels. redis.Nil must
// be handled by the caller before reaching here.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", warperrors.ErrStoreUnavailable, warperrors.ErrConnectionClosed)
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) || stdErrors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", warperrors.ErrStoreUnavailable, err)
	}
	return err
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// SetNX sets key to value with the given TTL only if key does not exist.
func (s *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, mapError(err)
	}
	return ok, nil
}

// Set stores value under key. A zero ttl means no expiry.
func (s *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapError(s.client.Set(cctx, key, value, ttl).Err())
}

// Get returns the value of key. The boolean reports whether key exists.
func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err)
	}
	return v, true, nil
}

// Del removes keys and returns how many existed.
func (s *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.Del(cctx, keys...).Result()
	return n, mapError(err)
}

// CompareAndDelete deletes key only if its value equals expected, using
// WATCH/GET/MULTI/DEL/EXEC. It returns ErrTxAborted when the key changed
// between the read and the commit.
func (s *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	deleted := false
	err = s.client.Watch(cctx, func(tx *redis.Tx) error {
		current, err := tx.Get(cctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if current != expected {
			return nil
		}
		if s.beforeExec != nil {
			s.beforeExec(key)
		}
		if _, err := tx.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.Del(cctx, key)
			return nil
		}); err != nil {
			return err
		}
		deleted = true
		return nil
	}, key)
	if stdErrors.Is(err, redis.TxFailedErr) {
		return false, warperrors.ErrTxAborted
	}
	if err != nil {
		return false, mapError(err)
	}
	return deleted, nil
}

// Watch runs fn in an optimistic transaction over keys. fn reads through tx
// and queues writes with tx.TxPipelined. It returns ErrTxAborted when a
// watched key changed before the EXEC.
func (s *Redis) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	err = s.client.Watch(cctx, fn, keys...)
	if stdErrors.Is(err, redis.TxFailedErr) {
		return warperrors.ErrTxAborted
	}
	return mapError(err)
}

// CompareAndDeleteScript is the single round trip variant of
// CompareAndDelete, evaluated atomically as a Lua script.
func (s *Redis) CompareAndDeleteScript(ctx context.Context, key, expected string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := delScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return n > 0, nil
}

// CompareAndExpire resets the TTL of key only if its value equals expected.
func (s *Redis) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := expireScript.Run(cctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return n > 0, nil
}

// ZAdd adds member with score to the sorted set, updating the score if the
// member already exists.
func (s *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapError(s.client.ZAdd(cctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRem removes members from the sorted set.
func (s *Redis) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.ZRem(cctx, key, args...).Result()
	return n, mapError(err)
}

// ZCard returns the cardinality of the sorted set.
func (s *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.ZCard(cctx, key).Result()
	return n, mapError(err)
}

// ZRange returns members between ranks start and stop, ascending by score.
func (s *Redis) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	members, err := s.client.ZRange(cctx, key, start, stop).Result()
	if err != nil {
		return nil, mapError(err)
	}
	return members, nil
}

// ZRangeWithScores is ZRange returning scores as well.
func (s *Redis) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	zs, err := s.client.ZRangeWithScores(cctx, key, start, stop).Result()
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Member{ID: id, Score: z.Score})
	}
	return out, nil
}

// ZRank returns the 0-based ascending rank of member.
func (s *Redis) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	rank, err := s.client.ZRank(cctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapError(err)
	}
	return rank, true, nil
}

// ZScore returns the score of member.
func (s *Redis) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	score, err := s.client.ZScore(cctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapError(err)
	}
	return score, true, nil
}

// ZRemRangeByScore removes members with min <= score <= max. Infinite bounds
// are allowed.
func (s *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.ZRemRangeByScore(cctx, key, formatScore(min), formatScore(max)).Result()
	return n, mapError(err)
}

// ZRemRangeByRank removes members with rank between start and stop.
func (s *Redis) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.ZRemRangeByRank(cctx, key, start, stop).Result()
	return n, mapError(err)
}

// HSet sets field in the hash stored at key.
func (s *Redis) HSet(ctx context.Context, key, field, value string) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapError(s.client.HSet(cctx, key, field, value).Err())
}

// HGet returns a field of the hash stored at key.
func (s *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.HGet(cctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err)
	}
	return v, true, nil
}

// HDel removes fields from the hash stored at key.
func (s *Redis) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.HDel(cctx, key, fields...).Result()
	return n, mapError(err)
}

// Pipelined sends the commands queued by fn in a single round trip. The
// pipeline is not transactional.
func (s *Redis) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	cmds, err := s.client.Pipelined(cctx, fn)
	if err == redis.Nil {
		err = nil
	}
	return cmds, mapError(err)
}

// TxPipelined is Pipelined wrapped in MULTI/EXEC.
func (s *Redis) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	cmds, err := s.client.TxPipelined(cctx, fn)
	if err == redis.Nil {
		err = nil
	}
	return cmds, mapError(err)
}

// Publish sends msg on a pub/sub channel.
func (s *Redis) Publish(ctx context.Context, channel, msg string) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapError(s.client.Publish(cctx, channel, msg).Err())
}

// Subscribe subscribes to channels and waits for the server confirmation, so
// messages published after it returns are delivered.
func (s *Redis) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	ps := s.client.Subscribe(ctx, channels...)
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	defer cancel()
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		return nil, mapError(err)
	}
	return ps, nil
}
