// Package offline holds attempts that could not reach the store and replays
// them once connectivity returns.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"campusattend/internal/attendance"
	"campusattend/internal/audit"
	"campusattend/internal/metrics"
)

// ErrOffline is returned by Drain when connectivity is down.
var ErrOffline = errors.New("offline: store unreachable, drain skipped")

// Writer is the durable write path records are replayed through.
type Writer interface {
	Write(ctx context.Context, a attendance.Attempt) (attendance.WriteResult, error)
}

// Scheduler queues the stay check of a replayed attempt.
type Scheduler interface {
	Schedule(ctx context.Context, a attendance.Attempt) error
}

// Connectivity is the online signal the manager obeys.
type Connectivity interface {
	Online() bool
	Restored() <-chan struct{}
}

// Config tunes the manager.
type Config struct {
	MaxRetries    int
	DrainInterval time.Duration
	// FinalDrainTimeout bounds the best-effort drain in Close.
	FinalDrainTimeout time.Duration
}

// Stats summarizes one drain.
type Stats struct {
	Synced       int `json:"synced"`
	Duplicates   int `json:"duplicates"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"deadLettered"`
	Pending      int `json:"pending"`
}

// Manager spools and drains offline attempts.
type Manager struct {
	cfg     Config
	spool   Spool
	writer  Writer
	stay    Scheduler
	conn    Connectivity
	trail   audit.Trail
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	drainMu sync.Mutex
	kick    chan struct{}
}

// NewManager wires a manager. stay may be nil.
func NewManager(cfg Config, spool Spool, w Writer, stay Scheduler, conn Connectivity,
	trail audit.Trail, log *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 10 * time.Second
	}
	if cfg.FinalDrainTimeout <= 0 {
		cfg.FinalDrainTimeout = 5 * time.Second
	}
	return &Manager{
		cfg: cfg, spool: spool, writer: w, stay: stay, conn: conn,
		trail: trail, log: log, metrics: m, now: time.Now,
		kick: make(chan struct{}, 1),
	}
}

// Enqueue spools a for later delivery and returns the record id.
func (m *Manager) Enqueue(ctx context.Context, a attendance.Attempt) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Origin = attendance.Offline
	r := Record{
		ID:        uuid.NewString(),
		LectureID: a.LectureID,
		StudentID: a.StudentID,
		Attempt:   a,
		Status:    StatusPending,
		CreatedAt: m.now().UTC(),
	}
	if err := m.spool.Put(ctx, r); err != nil {
		return "", fmt.Errorf("spool attempt: %w", err)
	}
	m.log.Info("attempt queued offline",
		slog.String("record_id", r.ID), slog.String("lecture_id", r.LectureID), slog.String("student_id", r.StudentID))
	m.refreshDepth(ctx)
	return r.ID, nil
}

// Drain replays every active record once. Only one drain runs at a time.
func (m *Manager) Drain(ctx context.Context) (Stats, error) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	records, err := m.spool.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list spool: %w", err)
	}
	if !m.conn.Online() {
		return Stats{Pending: len(records)}, ErrOffline
	}

	var st Stats
	for i, r := range records {
		if ctx.Err() != nil || !m.conn.Online() {
			st.Pending += len(records) - i
			break
		}
		m.sync(ctx, r, &st)
	}
	remaining, err := m.spool.List(ctx)
	if err == nil {
		st.Pending = len(remaining)
		m.metrics.QueueDepth(len(remaining))
	}
	if st.Synced+st.Duplicates+st.Failed+st.DeadLettered > 0 {
		m.log.Info("offline drain finished",
			slog.Int("synced", st.Synced), slog.Int("duplicates", st.Duplicates),
			slog.Int("failed", st.Failed), slog.Int("dead_lettered", st.DeadLettered), slog.Int("pending", st.Pending))
	}
	return st, nil
}

func (m *Manager) sync(ctx context.Context, r Record, st *Stats) {
	r.Status = StatusSyncing
	if err := m.spool.Put(ctx, r); err != nil {
		m.log.Warn("mark syncing failed", slog.String("record_id", r.ID), slog.Any("error", err))
	}

	res, err := m.writer.Write(ctx, r.Attempt)
	if err == nil {
		if delErr := m.spool.Delete(ctx, r.ID); delErr != nil {
			m.log.Error("remove synced record failed", slog.String("record_id", r.ID), slog.Any("error", delErr))
		}
		if res.IsDuplicate {
			st.Duplicates++
			m.metrics.Sync("duplicate")
			return
		}
		st.Synced++
		m.metrics.Sync("synced")
		if m.stay != nil {
			if err := m.stay.Schedule(ctx, r.Attempt); err != nil {
				m.log.Error("schedule stay check for replayed attempt failed",
					slog.String("attempt_id", r.Attempt.ID), slog.Any("error", err))
			}
		}
		return
	}

	at := m.now().UTC()
	r.RetryCount++
	r.LastAttemptAt = &at
	r.LastError = err.Error()
	r.Status = StatusFailed
	if r.RetryCount >= m.cfg.MaxRetries {
		r.ArchivedAt = &at
		if err := m.spool.Archive(ctx, r); err != nil {
			m.log.Error("archive record failed", slog.String("record_id", r.ID), slog.Any("error", err))
			return
		}
		st.DeadLettered++
		m.metrics.Sync("dead_letter")
		m.trail.Record(ctx, audit.Event{
			Kind: audit.KindDeadLetter, LectureID: r.LectureID, StudentID: r.StudentID,
			Details: map[string]any{"recordId": r.ID, "attemptId": r.Attempt.ID, "retries": r.RetryCount, "lastError": r.LastError},
		})
		return
	}
	if err := m.spool.Put(ctx, r); err != nil {
		m.log.Error("record sync failure failed", slog.String("record_id", r.ID), slog.Any("error", err))
	}
	st.Failed++
	m.metrics.Sync("failed")
}

// Run drains every DrainInterval and immediately when connectivity returns.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.DrainInterval)
	defer t.Stop()
	restored := m.conn.Restored()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-restored:
			m.log.Info("connectivity restored, draining offline queue")
		case <-m.kick:
		}
		if _, err := m.Drain(ctx); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
			m.log.Warn("offline drain failed", slog.Any("error", err))
		}
	}
}

// Kick asks Run for an extra drain without waiting for the next tick.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Close makes a bounded final drain attempt. Records left over stay spooled.
func (m *Manager) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FinalDrainTimeout)
	defer cancel()
	st, err := m.Drain(ctx)
	if err != nil && !errors.Is(err, ErrOffline) {
		return err
	}
	if st.Pending > 0 {
		m.log.Warn("offline records left for next start", slog.Int("pending", st.Pending))
	}
	return nil
}

// Pending lists the active records.
func (m *Manager) Pending(ctx context.Context) ([]Record, error) {
	return m.spool.List(ctx)
}

// DeadLetters lists archived records awaiting manual reconciliation.
func (m *Manager) DeadLetters(ctx context.Context) ([]Record, error) {
	return m.spool.DeadLetters(ctx)
}

func (m *Manager) refreshDepth(ctx context.Context) {
	if records, err := m.spool.List(ctx); err == nil {
		m.metrics.QueueDepth(len(records))
	}
}
