// Package app wires the components the binaries share from one config.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"campusattend/internal/attendance"
	"campusattend/internal/audit"
	"campusattend/internal/config"
	"campusattend/internal/lecture"
	"campusattend/internal/metrics"
	"campusattend/internal/queue"
	"campusattend/internal/stay"
	"campusattend/internal/store"
)

const delayQueueKey = "campus:stay"

// Core is the store-backed part of the system: everything the stay worker
// needs, and the base the API server builds on.
type Core struct {
	KV         store.KV
	Trail      audit.Trail
	Metrics    *metrics.Metrics
	Lectures   *lecture.Directory
	Writer     *attendance.Writer
	Heartbeats *stay.HeartbeatLocator
	Queue      queue.Delayed
	Stay       *stay.Scheduler

	closers []func() error
}

// Build opens the store and delay queue named in cfg. reg may be nil to skip
// metrics.
func Build(ctx context.Context, cfg config.App, log *slog.Logger, reg prometheus.Registerer) (*Core, error) {
	kv, err := store.Open(ctx, store.Options{
		Backend:              cfg.StoreBackend,
		RedisAddr:            cfg.RedisAddr,
		DatabaseURL:          cfg.DatabaseURL,
		FirestoreProject:     cfg.FirestoreProject,
		FirestoreCredentials: cfg.FirestoreCredentials,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	c := &Core{KV: kv, closers: []func() error{kv.Close}}

	if reg != nil {
		c.Metrics = metrics.New(reg)
	}
	c.Trail = audit.NewStoreTrail(kv, log)
	c.Lectures = lecture.NewDirectory(kv, cfg.LectureCacheTTL)
	c.Writer = attendance.NewWriter(kv, c.Trail, log, c.Metrics)
	c.Heartbeats = stay.NewHeartbeatLocator(kv, cfg.HeartbeatMaxAge)

	switch cfg.DelayQueueBackend {
	case "memory":
		c.Queue = queue.NewInMemory()
	case "redis":
		client := redisClient(kv, cfg.RedisAddr)
		c.Queue = queue.NewRedisDelayed(client, delayQueueKey)
		if _, shared := kv.(*store.Redis); !shared {
			c.closers = append(c.closers, client.Close)
		}
	default:
		_ = c.Close()
		return nil, fmt.Errorf("unknown DELAY_QUEUE_BACKEND %q", cfg.DelayQueueBackend)
	}

	c.Stay = stay.New(stay.Config{
		Delay:        cfg.StayDelay,
		PollInterval: cfg.StayPollInterval,
		MaxAccuracy:  cfg.MaxGPSAccuracy,
	}, c.Queue, c.Writer, c.Lectures, c.Heartbeats, c.Trail, log, c.Metrics)
	return c, nil
}

// Close releases the store and any connection opened for the queue.
func (c *Core) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
