package main

import (
	"time"

	"github.com/mirkobrombin/warp-coord/v1/lock"
	"github.com/mirkobrombin/warp-coord/v1/presets"
	"github.com/mirkobrombin/warp-coord/v1/store"
)

// RedisFlags holds the connection settings shared by every command.
type RedisFlags struct {
	Addr       string        `kong:"name='addr',default='127.0.0.1:6379',env='WARP_REDIS_ADDR',help='Redis address.'"`
	Password   string        `kong:"name='password',env='WARP_REDIS_PASSWORD',help='Redis password.'"`
	DB         int           `kong:"name='db',default='0',help='Redis database index.'"`
	MasterName string        `kong:"name='master',env='WARP_REDIS_MASTER',help='Sentinel master name. Enables Sentinel mode.'"`
	Sentinels  []string      `kong:"name='sentinels',sep=',',env='WARP_REDIS_SENTINELS',help='Sentinel addresses.'"`
	PoolSize   int           `kong:"name='pool-size',default='10',help='Maximum connections in the pool.'"`
	MinIdle    int           `kong:"name='min-idle',default='2',help='Minimum idle connections kept open.'"`
	Timeout    time.Duration `kong:"name='timeout',default='5s',help='Per operation timeout.'"`
}

func (f *RedisFlags) open(lockOpts ...lock.Option) (*presets.Redis, error) {
	return presets.NewRedis(store.Options{
		Addr:          f.Addr,
		Password:      f.Password,
		DB:            f.DB,
		MasterName:    f.MasterName,
		SentinelAddrs: f.Sentinels,
		PoolSize:      f.PoolSize,
		MinIdleConns:  f.MinIdle,
		DialTimeout:   f.Timeout,
		ReadTimeout:   f.Timeout,
		WriteTimeout:  f.Timeout,
	}, f.Timeout, lockOpts...)
}
