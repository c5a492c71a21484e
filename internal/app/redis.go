package app

import (
	"github.com/redis/go-redis/v9"

	"campusattend/internal/store"
)

// redisClient reuses the store's connection when the store is redis.
func redisClient(kv store.KV, addr string) *redis.Client {
	if r, ok := kv.(*store.Redis); ok {
		return r.Client
	}
	return store.NewRedis(addr).Client
}
