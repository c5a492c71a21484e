package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseDelayed(t *testing.T, q Delayed) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, q.Schedule(ctx, "late", Message{Type: "stay", Body: []byte(`{"n":2}`)}, base.Add(20*time.Minute)))
	require.NoError(t, q.Schedule(ctx, "early", Message{Type: "stay", Body: []byte(`{"n":1}`)}, base.Add(10*time.Minute)))
	require.NoError(t, q.Schedule(ctx, "early", Message{Type: "stay", Body: []byte("replaced")}, base))
	require.NoError(t, q.Schedule(ctx, "gone", Message{Type: "stay"}, base))
	require.NoError(t, q.Cancel(ctx, "gone"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tasks, err := q.Due(ctx, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = q.Due(ctx, base.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "early", tasks[0].ID)
	assert.Equal(t, "stay", tasks[0].Type)
	assert.Equal(t, `{"n":1}`, string(tasks[0].Body))

	tasks, err = q.Due(ctx, base.Add(10*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "claimed task handed out twice")

	tasks, err = q.Due(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "late", tasks[0].ID)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func exerciseLease(t *testing.T, q Delayed) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	msg := Message{Type: "stay", Body: []byte(`{"n":1}`)}
	require.NoError(t, q.Schedule(ctx, "a", msg, base))
	require.NoError(t, q.Schedule(ctx, "b", msg, base))

	tasks, err := q.Due(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.NoError(t, q.Ack(ctx, "a"))
	require.NoError(t, q.Schedule(ctx, "b", Message{Type: "stay"}, base), "claimed id is left alone")

	tasks, err = q.Due(ctx, base.Add(DefaultLease/2), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "leased task handed out again")

	// b was never acknowledged: its worker is presumed dead.
	tasks, err = q.Due(ctx, base.Add(DefaultLease), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].ID)
	assert.Equal(t, `{"n":1}`, string(tasks[0].Body), "payload kept until ack")

	require.NoError(t, q.Release(ctx, "b", base.Add(2*DefaultLease)))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	tasks, err = q.Due(ctx, base.Add(2*DefaultLease), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, q.Ack(ctx, "b"))

	tasks, err = q.Due(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestInMemoryDelayed(t *testing.T) {
	exerciseDelayed(t, NewInMemory())
	exerciseLease(t, NewInMemory())
}

func TestRedisDelayed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	exerciseDelayed(t, NewRedisDelayed(client, "test:stay"))
	exerciseLease(t, NewRedisDelayed(client, "test:lease"))
}

func TestDueLimit(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Schedule(ctx, id, Message{Type: "stay"}, now))
	}
	tasks, err := q.Due(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestSerializeRoundTrip(t *testing.T) {
	msg, err := deserialize(serialize(Message{Type: "stay", Body: []byte("a|b")}))
	require.NoError(t, err)
	assert.Equal(t, "stay", msg.Type)
	assert.Equal(t, "a|b", string(msg.Body))
}
