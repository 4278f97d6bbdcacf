package store

import (
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrNoAddress is returned by NewClient when neither a standalone address nor
// a sentinel address list is configured.
var ErrNoAddress = stdErrors.New("warp: store address is required")

// Options configures the connection pool to Redis. Setting MasterName
// together with SentinelAddrs switches the client to Sentinel failover mode.
type Options struct {
	Addr     string
	Password string
	DB       int

	MasterName    string
	SentinelAddrs []string

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient builds a pooled, goroutine-safe Redis client from opts.
func NewClient(opts Options) (redis.UniversalClient, error) {
	addrs := []string{opts.Addr}
	if opts.MasterName != "" {
		addrs = opts.SentinelAddrs
	}
	if len(addrs) == 0 || addrs[0] == "" {
		return nil, ErrNoAddress
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   opts.MasterName,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}), nil
}
