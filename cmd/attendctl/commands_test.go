package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/attendance"
	"campusattend/internal/lecture"
	"campusattend/internal/offline"
	"campusattend/internal/qr"
	"campusattend/internal/store"
)

func TestPutLecture(t *testing.T) {
	ctx := context.Background()
	dir := lecture.NewDirectory(store.NewMemory(), 0)

	_, err := putLecture(ctx, dir, strings.NewReader(`{
		"id": "ML-7", "teacherId": "prof-2", "active": true,
		"classroom": {"id": "C1", "latitude": 1.3, "longitude": 103.8, "radius": 25}
	}`))
	require.NoError(t, err)
	got, err := dir.Get(ctx, "ML-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 25.0, got.Classroom.Radius)

	_, err = putLecture(ctx, dir, strings.NewReader(`{"id": "x"}`))
	assert.Error(t, err, "classroom radius required")
	_, err = putLecture(ctx, dir, strings.NewReader(`{`))
	assert.Error(t, err)
}

func TestQRPayload(t *testing.T) {
	now := time.Now()
	plain, err := qrPayload("ML-7", "s1", time.Minute, "", now)
	require.NoError(t, err)
	tok, err := qr.Parse(plain, nil)
	require.NoError(t, err)
	assert.Equal(t, "ML-7", tok.LectureID)
	assert.False(t, tok.Signed)

	signed, err := qrPayload("ML-7", "s1", time.Minute, "k", now)
	require.NoError(t, err)
	tok, err = qr.Parse(signed, []byte("k"))
	require.NoError(t, err)
	assert.True(t, tok.Signed)
	assert.True(t, tok.ValidAt(now))
}

func TestListDeadLetters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spool.db")

	var out bytes.Buffer
	require.NoError(t, listDeadLetters(ctx, path, &out))
	assert.Equal(t, "no dead letters\n", out.String())

	spool, err := offline.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, spool.Archive(ctx, offline.Record{
		ID: "r1", LectureID: "ML-7", StudentID: "s9", Status: offline.StatusFailed, RetryCount: 5,
		Attempt:   attendance.Attempt{ID: "a1", LectureID: "ML-7", StudentID: "s9", Status: attendance.Pending},
		CreatedAt: time.Now().UTC(), LastError: "store unavailable",
	}))
	require.NoError(t, spool.Close())

	out.Reset()
	require.NoError(t, listDeadLetters(ctx, path, &out))
	assert.Contains(t, out.String(), `"lastError": "store unavailable"`)
}
