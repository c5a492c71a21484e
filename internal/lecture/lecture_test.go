package lecture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/geo"
	"campusattend/internal/store"
)

func sampleLecture() Lecture {
	return Lecture{
		ID:        "CS101-2026-10-15",
		CourseID:  "CS101",
		TeacherID: "t-1",
		Active:    true,
		StartsAt:  time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
		EndsAt:    time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC),
		Classroom: geo.Anchor{ID: "LH-101", Latitude: 12.97, Longitude: 77.59, Radius: 15},
	}
}

func TestDirectoryGetPut(t *testing.T) {
	kv := store.NewMemory()
	dir := NewDirectory(kv, time.Minute)
	ctx := context.Background()

	missing, err := dir.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, dir.Put(ctx, sampleLecture()))
	got, err := dir.Get(ctx, "CS101-2026-10-15")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "LH-101", got.Classroom.ID)
	assert.Len(t, got.Anchors(), 1)
}

func TestDirectoryServesCacheWhenStoreDown(t *testing.T) {
	kv := store.NewMemory()
	dir := NewDirectory(kv, time.Minute)
	ctx := context.Background()
	require.NoError(t, dir.Put(ctx, sampleLecture()))
	_, err := dir.Get(ctx, "CS101-2026-10-15")
	require.NoError(t, err)

	kv.SetAvailable(false)
	now := time.Now()
	dir.now = func() time.Time { return now.Add(time.Hour) }

	got, err := dir.Get(ctx, "CS101-2026-10-15")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = dir.Get(ctx, "never-seen")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestLectureEnded(t *testing.T) {
	l := sampleLecture()
	assert.False(t, l.Ended(l.StartsAt.Add(30*time.Minute)))
	assert.True(t, l.Ended(l.EndsAt.Add(time.Second)))

	l.Active = false
	assert.True(t, l.Ended(l.StartsAt))
}

func TestTeacherPosition(t *testing.T) {
	dir := NewDirectory(store.NewMemory(), 0)
	ctx := context.Background()

	none, err := dir.TeacherPosition(ctx, "L1")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = dir.PublishTeacherPosition(ctx, "L1", geo.Sample{Latitude: 1, Longitude: 2, Accuracy: 5}, 30)
	require.NoError(t, err)

	a, err := dir.TeacherPosition(ctx, "L1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, a.Dynamic)
	assert.Equal(t, 30.0, a.Radius)
	assert.False(t, a.UpdatedAt.IsZero())
}

func TestLiveTeacherPosition(t *testing.T) {
	dir := NewDirectory(store.NewMemory(), 0)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return now }

	a, err := dir.PublishTeacherPosition(ctx, "L1",
		geo.Sample{Latitude: 1, Longitude: 2, Accuracy: 5, CapturedAt: now.Add(24 * time.Hour)}, 30)
	require.NoError(t, err)
	assert.Equal(t, now, a.UpdatedAt, "client timestamps are not trusted")

	live, err := dir.LiveTeacherPosition(ctx, "L1", 5*time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, live)

	now = now.Add(6 * time.Hour)
	live, err = dir.LiveTeacherPosition(ctx, "L1", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, live, "a six hour old position is not live")

	live, err = dir.LiveTeacherPosition(ctx, "L2", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, live)
}
