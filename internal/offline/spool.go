package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"campusattend/internal/attendance"
)

// SyncStatus is the state of a spooled record.
type SyncStatus string

const (
	StatusPending SyncStatus = "PENDING"
	StatusSyncing SyncStatus = "SYNCING"
	StatusFailed  SyncStatus = "FAILED"
)

// Record is an attempt waiting to reach the store.
type Record struct {
	ID            string             `json:"id"`
	LectureID     string             `json:"lectureId"`
	StudentID     string             `json:"studentId"`
	Attempt       attendance.Attempt `json:"attempt"`
	Status        SyncStatus         `json:"syncStatus"`
	RetryCount    int                `json:"retryCount"`
	CreatedAt     time.Time          `json:"createdAt"`
	LastAttemptAt *time.Time         `json:"lastAttemptAt,omitempty"`
	LastError     string             `json:"lastError,omitempty"`
	ArchivedAt    *time.Time         `json:"archivedAt,omitempty"`
}

// Spool is the durable local scratch space behind the manager.
type Spool interface {
	// Put inserts r or replaces the record with the same id.
	Put(ctx context.Context, r Record) error
	// List returns active records, oldest first.
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
	// Archive moves r to the dead-letter area.
	Archive(ctx context.Context, r Record) error
	DeadLetters(ctx context.Context) ([]Record, error)
	Close() error
}

// MemorySpool keeps records in process memory. Nothing survives a restart.
type MemorySpool struct {
	mu     sync.Mutex
	active map[string]Record
	dead   []Record
}

func NewMemorySpool() *MemorySpool {
	return &MemorySpool{active: make(map[string]Record)}
}

func (s *MemorySpool) Put(ctx context.Context, r Record) error {
	s.mu.Lock()
	s.active[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *MemorySpool) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemorySpool) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
	return nil
}

func (s *MemorySpool) Archive(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ArchivedAt == nil {
		now := time.Now().UTC()
		r.ArchivedAt = &now
	}
	delete(s.active, r.ID)
	s.dead = append(s.dead, r)
	return nil
}

func (s *MemorySpool) DeadLetters(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.dead...), nil
}

func (s *MemorySpool) Close() error { return nil }

// SQLiteSpool persists records in a local SQLite file so queued attempts
// survive restarts of the process.
type SQLiteSpool struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the spool database at path.
func OpenSQLite(path string) (*SQLiteSpool, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping spool: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate spool: %w", err)
	}
	return &SQLiteSpool{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS offline_queue (
		id          TEXT PRIMARY KEY,
		lecture_id  TEXT NOT NULL,
		student_id  TEXT NOT NULL,
		status      TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		payload     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offline_dead_letters (
		id          TEXT PRIMARY KEY,
		lecture_id  TEXT NOT NULL,
		student_id  TEXT NOT NULL,
		archived_at INTEGER NOT NULL,
		payload     TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offline_queue_created ON offline_queue(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteSpool) Put(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_queue (id, lecture_id, student_id, status, retry_count, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, retry_count = excluded.retry_count, payload = excluded.payload
	`, r.ID, r.LectureID, r.StudentID, string(r.Status), r.RetryCount, r.CreatedAt.UnixNano(), string(payload))
	return err
}

func (s *SQLiteSpool) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT payload FROM offline_queue ORDER BY created_at, id`)
}

func (s *SQLiteSpool) DeadLetters(ctx context.Context) ([]Record, error) {
	return s.query(ctx, `SELECT payload FROM offline_dead_letters ORDER BY archived_at, id`)
}

func (s *SQLiteSpool) query(ctx context.Context, q string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode spooled record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteSpool) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id)
	return err
}

func (s *SQLiteSpool) Archive(ctx context.Context, r Record) error {
	if r.ArchivedAt == nil {
		now := time.Now().UTC()
		r.ArchivedAt = &now
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO offline_dead_letters (id, lecture_id, student_id, archived_at, payload)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.LectureID, r.StudentID, r.ArchivedAt.UnixNano(), string(payload)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, r.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteSpool) Close() error { return s.db.Close() }
