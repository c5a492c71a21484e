// Package connectivity tracks whether the backing store is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"
)

// Pinger is anything that can prove the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the online flag. It starts online and flips on probe results
// or on failures reported by callers.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	online   *atomic.Bool
	restored chan struct{}
}

// NewMonitor probes p every interval.
func NewMonitor(p Pinger, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		pinger:   p,
		interval: interval,
		timeout:  2 * time.Second,
		log:      log,
		online:   atomic.NewBool(true),
		restored: make(chan struct{}, 1),
	}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Restored delivers a signal each time the state goes from offline to online.
// Signals coalesce if nobody is listening.
func (m *Monitor) Restored() <-chan struct{} {
	return m.restored
}

// Set records the state and signals a restore.
func (m *Monitor) Set(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}
	if online {
		m.log.Info("store reachable again")
		select {
		case m.restored <- struct{}{}:
		default:
		}
		return
	}
	m.log.Warn("store unreachable, switching to offline mode")
}

// ReportFailure marks the store unreachable after a transport error seen by a caller.
func (m *Monitor) ReportFailure(err error) {
	if m.online.Load() {
		m.log.Debug("transport failure reported", slog.Any("error", err))
	}
	m.Set(false)
}

// Probe pings once and records the outcome.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ok := m.pinger.Ping(ctx) == nil
	m.Set(ok)
	return ok
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Probe(ctx)
		}
	}
}
