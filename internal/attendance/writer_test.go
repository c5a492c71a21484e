package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"campusattend/internal/audit"
	"campusattend/internal/geo"
	"campusattend/internal/logging"
	"campusattend/internal/store"
)

func newWriter(kv store.KV) (*Writer, *audit.Recorder) {
	rec := &audit.Recorder{}
	return NewWriter(kv, rec, logging.Discard(), nil), rec
}

func attempt(id string) Attempt {
	return Attempt{
		ID:        id,
		LectureID: "lec-101",
		StudentID: "stu-7",
		ScannedAt: time.Date(2026, 2, 3, 9, 5, 0, 0, time.UTC),
		Location:  geo.Sample{Latitude: 12.9716, Longitude: 77.5946, Accuracy: 8},
		Origin:    Online,
	}
}

func TestWriteThenDuplicate(t *testing.T) {
	kv := store.NewMemory()
	w, rec := newWriter(kv)
	ctx := context.Background()

	res, err := w.Write(ctx, attempt("a-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.IsDuplicate)

	stored, err := w.Get(ctx, "lec-101", "stu-7")
	require.NoError(t, err)
	assert.Equal(t, "a-1", stored.ID)
	assert.Equal(t, Pending, stored.Status)

	res, err = w.Write(ctx, attempt("a-2"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.IsDuplicate)
	require.NotNil(t, res.Existing)
	assert.Equal(t, "a-1", res.Existing.ID)

	events := rec.Events(audit.KindDuplicateAttempt)
	require.Len(t, events, 1)
	assert.Equal(t, "precheck", events[0].Details["stage"])

	stored, err = w.Get(ctx, "lec-101", "stu-7")
	require.NoError(t, err)
	assert.Equal(t, "a-1", stored.ID)
}

func TestWriteRetryWithSameIDIsIdempotent(t *testing.T) {
	w, rec := newWriter(store.NewMemory())
	ctx := context.Background()
	_, err := w.Write(ctx, attempt("a-1"))
	require.NoError(t, err)

	res, err := w.Write(ctx, attempt("a-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, rec.Events(audit.KindDuplicateAttempt))
}

func TestWriteValidates(t *testing.T) {
	w, _ := newWriter(store.NewMemory())
	_, err := w.Write(context.Background(), Attempt{StudentID: "s"})
	assert.Error(t, err)
}

func TestConcurrentWritersSingleWinner(t *testing.T) {
	w, _ := newWriter(store.NewMemory())
	ctx := context.Background()

	const writers = 32
	results := make([]WriteResult, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			res, err := w.Write(ctx, attempt(fmt.Sprintf("a-%d", i)))
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	winner := ""
	for i, res := range results {
		if res.Success {
			assert.Empty(t, winner, "two winners")
			winner = fmt.Sprintf("a-%d", i)
		}
	}
	require.NotEmpty(t, winner)
	for _, res := range results {
		if res.Success {
			continue
		}
		assert.True(t, res.IsDuplicate)
		require.NotNil(t, res.Existing)
		assert.Equal(t, winner, res.Existing.ID)
	}
}

// racingKV lets another writer claim the slot between the precheck and the transaction.
type racingKV struct {
	*store.Memory
	rival Attempt
	once  sync.Once
}

func (r *racingKV) Transact(ctx context.Context, key string, fn store.TxFunc) (store.TxResult, error) {
	r.once.Do(func() {
		raw, _ := json.Marshal(r.rival)
		_ = r.Memory.Set(ctx, key, raw)
	})
	return r.Memory.Transact(ctx, key, fn)
}

func TestWriteLosesRaceAtCommit(t *testing.T) {
	kv := &racingKV{Memory: store.NewMemory(), rival: attempt("rival")}
	w, rec := newWriter(kv)

	res, err := w.Write(context.Background(), attempt("mine"))
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "rival", res.Existing.ID)

	events := rec.Events(audit.KindDuplicateAttempt)
	require.Len(t, events, 1)
	assert.Equal(t, "transaction", events[0].Details["stage"])
}

// lossyKV fails every transaction, optionally after applying it.
type lossyKV struct {
	*store.Memory
	landed bool
}

func (l *lossyKV) Transact(ctx context.Context, key string, fn store.TxFunc) (store.TxResult, error) {
	if l.landed {
		_, _ = l.Memory.Transact(ctx, key, fn)
	}
	return store.TxResult{}, store.ErrUnavailable
}

func TestWriteTransportErrorButLanded(t *testing.T) {
	w, _ := newWriter(&lossyKV{Memory: store.NewMemory(), landed: true})
	res, err := w.Write(context.Background(), attempt("a-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestWriteTransportErrorNotLanded(t *testing.T) {
	w, _ := newWriter(&lossyKV{Memory: store.NewMemory()})
	_, err := w.Write(context.Background(), attempt("a-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestWriteStoreDown(t *testing.T) {
	kv := store.NewMemory()
	kv.SetAvailable(false)
	w, _ := newWriter(kv)
	_, err := w.Write(context.Background(), attempt("a-1"))
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestFinalize(t *testing.T) {
	w, _ := newWriter(store.NewMemory())
	ctx := context.Background()

	_, _, err := w.Finalize(ctx, "lec-101", "stu-7", func(a *Attempt) { a.Status = Confirmed })
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = w.Write(ctx, attempt("a-1"))
	require.NoError(t, err)

	a, changed, err := w.Finalize(ctx, "lec-101", "stu-7", func(a *Attempt) { a.Status = Confirmed })
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, Confirmed, a.Status)
	require.NotNil(t, a.FinalizedAt)

	a, changed, err = w.Finalize(ctx, "lec-101", "stu-7", func(a *Attempt) { a.Status = Invalidated })
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, Confirmed, a.Status)

	_, _, err = w.Finalize(ctx, "lec-101", "stu-7", func(a *Attempt) {})
	assert.NoError(t, err)
}

func TestFinalizeMustLeavePending(t *testing.T) {
	w, _ := newWriter(store.NewMemory())
	ctx := context.Background()
	_, err := w.Write(ctx, attempt("a-1"))
	require.NoError(t, err)

	_, _, err = w.Finalize(ctx, "lec-101", "stu-7", func(a *Attempt) {})
	assert.Error(t, err)

	a, err := w.Get(ctx, "lec-101", "stu-7")
	require.NoError(t, err)
	assert.Equal(t, Pending, a.Status)
}

func TestCountsAsPresent(t *testing.T) {
	assert.True(t, CountsAsPresent(Confirmed))
	for _, s := range []Status{Pending, Invalidated, FailedVerification} {
		assert.False(t, CountsAsPresent(s), s)
	}
}
