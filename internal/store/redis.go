package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements KV on a redis server. Transactions use WATCH/MULTI so a
// concurrent writer on the same key aborts the commit and the function reruns
// against the new value.
type Redis struct {
	Client *redis.Client
	prefix string
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client, prefix: "campus:"}
}

// NewRedisFromClient wraps an existing client, for tests and shared pools.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	return &Redis{Client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.Client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Unavailable(err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.Client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

func (r *Redis) Transact(ctx context.Context, key string, fn TxFunc) (TxResult, error) {
	full := r.prefix + key
	var res TxResult
	txf := func(tx *redis.Tx) error {
		res = TxResult{}
		cur, err := tx.Get(ctx, full).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}
		next, commit := fn(cur, exists)
		if !commit {
			res = TxResult{Value: cur, Exists: exists}
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, next, 0)
			return nil
		})
		if err == nil {
			res = TxResult{Committed: true, Value: next, Exists: true}
		}
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := r.Client.Watch(ctx, txf, full)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return TxResult{}, Unavailable(err)
	}
	return TxResult{}, ErrContention
}

func (r *Redis) Ping(ctx context.Context) error {
	return Unavailable(r.Client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
