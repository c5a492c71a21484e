package offline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
	"campusattend/internal/audit"
	"campusattend/internal/connectivity"
	"campusattend/internal/logging"
	"campusattend/internal/store"
)

// scriptedWriter fails the first failures calls, then delegates.
type scriptedWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    Writer
}

func (w *scriptedWriter) Write(ctx context.Context, a attendance.Attempt) (attendance.WriteResult, error) {
	w.mu.Lock()
	w.calls++
	fail := w.calls <= w.failures
	w.mu.Unlock()
	if fail {
		return attendance.WriteResult{}, store.ErrUnavailable
	}
	if w.inner == nil {
		return attendance.WriteResult{Success: true}, nil
	}
	return w.inner.Write(ctx, a)
}

type recordingScheduler struct {
	scheduled []string
}

func (s *recordingScheduler) Schedule(ctx context.Context, a attendance.Attempt) error {
	s.scheduled = append(s.scheduled, a.ID)
	return nil
}

func newManager(spool Spool, w Writer, conn Connectivity) (*Manager, *audit.Recorder, *recordingScheduler) {
	rec := &audit.Recorder{}
	stay := &recordingScheduler{}
	return NewManager(Config{MaxRetries: 5}, spool, w, stay, conn, rec, logging.Discard(), nil), rec, stay
}

func online() *connectivity.Monitor {
	return connectivity.NewMonitor(store.NewMemory(), time.Minute, logging.Discard())
}

func sample(student string) attendance.Attempt {
	return attendance.Attempt{ID: "att-" + student, LectureID: "lec-9", StudentID: student, Status: attendance.Pending}
}

func TestEnqueueMarksOffline(t *testing.T) {
	spool := NewMemorySpool()
	m, _, _ := newManager(spool, &scriptedWriter{}, online())
	ctx := context.Background()

	id, err := m.Enqueue(ctx, sample("s1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	records, err := m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusPending, records[0].Status)
	assert.Zero(t, records[0].RetryCount)
	assert.Equal(t, attendance.Offline, records[0].Attempt.Origin)
}

func TestDrainSuccessRemovesAndSchedules(t *testing.T) {
	w := &scriptedWriter{failures: 2}
	m, _, stay := newManager(NewMemorySpool(), w, online())
	ctx := context.Background()
	_, err := m.Enqueue(ctx, sample("s1"))
	require.NoError(t, err)

	st, err := m.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1, Pending: 1}, st)

	records, _ := m.Pending(ctx)
	require.Len(t, records, 1)
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Equal(t, 1, records[0].RetryCount)
	assert.NotEmpty(t, records[0].LastError)
	assert.NotNil(t, records[0].LastAttemptAt)

	_, _ = m.Drain(ctx)
	st, err = m.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Synced: 1}, st)
	assert.Equal(t, []string{"att-s1"}, stay.scheduled)

	st, err = m.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
	assert.Equal(t, 3, w.calls, "a synced record must not be retried")
}

func TestDrainDeadLettersAfterMaxRetries(t *testing.T) {
	m, rec, _ := newManager(NewMemorySpool(), &scriptedWriter{failures: 100}, online())
	ctx := context.Background()
	_, err := m.Enqueue(ctx, sample("s1"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		st, err := m.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Failed)
	}
	st, err := m.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{DeadLettered: 1}, st)

	pending, _ := m.Pending(ctx)
	assert.Empty(t, pending)
	dead, err := m.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 5, dead[0].RetryCount)
	assert.NotNil(t, dead[0].ArchivedAt)
	assert.Len(t, rec.Events(audit.KindDeadLetter), 1)
}

func TestDrainSkippedWhileOffline(t *testing.T) {
	conn := online()
	w := &scriptedWriter{}
	m, _, _ := newManager(NewMemorySpool(), w, conn)
	ctx := context.Background()
	_, _ = m.Enqueue(ctx, sample("s1"))

	conn.Set(false)
	st, err := m.Drain(ctx)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 1, st.Pending)
	assert.Zero(t, w.calls)
}

func TestDrainDuplicateServerSide(t *testing.T) {
	kv := store.NewMemory()
	writer := attendance.NewWriter(kv, &audit.Recorder{}, logging.Discard(), nil)
	ctx := context.Background()
	_, err := writer.Write(ctx, attendance.Attempt{ID: "online-one", LectureID: "lec-9", StudentID: "s1"})
	require.NoError(t, err)

	m, _, stay := newManager(NewMemorySpool(), &scriptedWriter{inner: writer}, online())
	_, err = m.Enqueue(ctx, sample("s1"))
	require.NoError(t, err)

	st, err := m.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Duplicates: 1}, st)
	assert.Empty(t, stay.scheduled)

	a, err := writer.Get(ctx, "lec-9", "s1")
	require.NoError(t, err)
	assert.Equal(t, "online-one", a.ID)
}

func TestRunDrainsOnRestore(t *testing.T) {
	conn := online()
	conn.Set(false)
	m := NewManager(Config{DrainInterval: time.Hour}, NewMemorySpool(), &scriptedWriter{}, nil, conn,
		&audit.Recorder{}, logging.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := m.Enqueue(ctx, sample("s1"))
	require.NoError(t, err)

	go m.Run(ctx)
	conn.Set(true)
	assert.Eventually(t, func() bool {
		p, _ := m.Pending(ctx)
		return len(p) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCloseFinalDrain(t *testing.T) {
	m, _, _ := newManager(NewMemorySpool(), &scriptedWriter{}, online())
	ctx := context.Background()
	_, _ = m.Enqueue(ctx, sample("s1"))
	require.NoError(t, m.Close(ctx))
	p, _ := m.Pending(ctx)
	assert.Empty(t, p)
}

func exerciseSpool(t *testing.T, s Spool) {
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	first := Record{ID: "r1", LectureID: "l", StudentID: "a", Attempt: sample("a"), Status: StatusPending, CreatedAt: base}
	second := Record{ID: "r2", LectureID: "l", StudentID: "b", Attempt: sample("b"), Status: StatusPending, CreatedAt: base.Add(time.Second)}
	require.NoError(t, s.Put(ctx, second))
	require.NoError(t, s.Put(ctx, first))

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "att-a", records[0].Attempt.ID)

	first.Status, first.RetryCount, first.LastError = StatusFailed, 1, "boom"
	require.NoError(t, s.Put(ctx, first))
	records, _ = s.List(ctx)
	require.Len(t, records, 2)
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Equal(t, "boom", records[0].LastError)

	require.NoError(t, s.Archive(ctx, first))
	require.NoError(t, s.Delete(ctx, "r2"))
	records, _ = s.List(ctx)
	assert.Empty(t, records)

	dead, err := s.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "r1", dead[0].ID)
	assert.Equal(t, 1, dead[0].RetryCount)
	assert.NotNil(t, dead[0].ArchivedAt)
}

func TestMemorySpool(t *testing.T) {
	exerciseSpool(t, NewMemorySpool())
}

func TestSQLiteSpool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool", "offline.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	exerciseSpool(t, s)
	require.NoError(t, s.Close())
}

func TestSQLiteSpoolSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	m, _, _ := newManager(s, &scriptedWriter{}, online())
	_, err = m.Enqueue(context.Background(), sample("s1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	records, err := reopened.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].StudentID)
}

func TestKickTriggersDrain(t *testing.T) {
	m := NewManager(Config{DrainInterval: time.Hour}, NewMemorySpool(), &scriptedWriter{}, nil, online(),
		&audit.Recorder{}, logging.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := m.Enqueue(ctx, sample("s1"))
	require.NoError(t, err)

	go m.Run(ctx)
	m.Kick()
	m.Kick()
	assert.Eventually(t, func() bool {
		p, _ := m.Pending(ctx)
		return len(p) == 0
	}, time.Second, 5*time.Millisecond)
}
