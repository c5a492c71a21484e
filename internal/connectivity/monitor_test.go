package connectivity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"campusattend/internal/logging"
	"campusattend/internal/store"
)

func TestProbeFollowsStore(t *testing.T) {
	kv := store.NewMemory()
	m := NewMonitor(kv, time.Minute, logging.Discard())
	ctx := context.Background()

	assert.True(t, m.Probe(ctx))
	assert.True(t, m.Online())
	select {
	case <-m.Restored():
		t.Fatal("no restore expected while already online")
	default:
	}

	kv.SetAvailable(false)
	assert.False(t, m.Probe(ctx))
	assert.False(t, m.Online())

	kv.SetAvailable(true)
	assert.True(t, m.Probe(ctx))
	select {
	case <-m.Restored():
	default:
		t.Fatal("expected a restore signal")
	}
}

func TestReportFailureAndCoalescing(t *testing.T) {
	m := NewMonitor(store.NewMemory(), time.Minute, logging.Discard())
	m.ReportFailure(store.ErrUnavailable)
	assert.False(t, m.Online())

	m.Set(true)
	m.Set(false)
	m.Set(true)
	<-m.Restored()
	select {
	case <-m.Restored():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestRunProbesPeriodically(t *testing.T) {
	kv := store.NewMemory()
	m := NewMonitor(kv, 5*time.Millisecond, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	kv.SetAvailable(false)
	assert.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
	kv.SetAvailable(true)
	assert.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
}
