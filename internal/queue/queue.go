package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message represents work to be processed.
type Message struct {
	Type string
	Body []byte
}

// Task is a message scheduled for a point in time. ID makes scheduling
// idempotent: scheduling an id that is already waiting is a no-op.
type Task struct {
	ID  string
	Due time.Time
	Message
}

// DefaultLease is how long a claimed task may stay unacknowledged before Due
// hands it out again.
const DefaultLease = 5 * time.Minute

// Delayed is a deferred task facility. Due claims tasks whose time has come
// and hands each to one caller under a lease. The caller must Ack the task
// once handled, or Release it to run again at a later time; a task that is
// neither is handed out again after the lease expires.
type Delayed interface {
	Schedule(ctx context.Context, id string, msg Message, due time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
	Ack(ctx context.Context, id string) error
	Release(ctx context.Context, id string, due time.Time) error
	Cancel(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

// InMemory is a mutex-guarded delayed queue for dev/testing. Tasks do not
// survive a restart.
type InMemory struct {
	Lease time.Duration

	mu       sync.Mutex
	tasks    map[string]Task
	inflight map[string]inflight
}

type inflight struct {
	task  Task
	until time.Time
}

// NewInMemory creates an empty in-memory queue.
func NewInMemory() *InMemory {
	return &InMemory{Lease: DefaultLease, tasks: make(map[string]Task), inflight: make(map[string]inflight)}
}

// Schedule enqueues a task.
func (q *InMemory) Schedule(ctx context.Context, id string, msg Message, due time.Time) error {
	if id == "" {
		return errors.New("task id required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; ok {
		return nil
	}
	if _, ok := q.tasks[id]; !ok {
		q.tasks[id] = Task{ID: id, Due: due, Message: msg}
	}
	return nil
}

// Due claims up to limit tasks due at or before now, earliest first. Claims
// whose lease ran out are returned to the waiting set first.
func (q *InMemory) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, f := range q.inflight {
		if !f.until.After(now) {
			delete(q.inflight, id)
			q.tasks[id] = f.task
		}
	}
	var out []Task
	for _, t := range q.tasks {
		if !t.Due.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Due.Before(out[j].Due) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for _, t := range out {
		delete(q.tasks, t.ID)
		q.inflight[t.ID] = inflight{task: t, until: now.Add(q.Lease)}
	}
	return out, nil
}

// Ack drops a claimed task.
func (q *InMemory) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
	return nil
}

// Release returns a claimed task to the waiting set at due.
func (q *InMemory) Release(ctx context.Context, id string, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.inflight[id]
	if !ok {
		return nil
	}
	delete(q.inflight, id)
	f.task.Due = due
	q.tasks[id] = f.task
	return nil
}

func (q *InMemory) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	delete(q.tasks, id)
	delete(q.inflight, id)
	q.mu.Unlock()
	return nil
}

// Len counts waiting tasks. Claimed tasks are not included.
func (q *InMemory) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks), nil
}

// RedisDelayed keeps due times in a sorted set and payloads in a hash, so
// pending tasks survive process restarts and can be shared by several workers.
// Claimed ids move to a second sorted set scored by lease expiry; the payload
// is only deleted on Ack.
type RedisDelayed struct {
	Lease time.Duration

	client *redis.Client
	zkey   string
	pkey   string
	hkey   string
}

// NewRedisDelayed builds a queue under the given key prefix.
func NewRedisDelayed(client *redis.Client, key string) *RedisDelayed {
	if key == "" {
		key = "attendance:delayed"
	}
	return &RedisDelayed{
		Lease:  DefaultLease,
		client: client,
		zkey:   key + ":due",
		pkey:   key + ":processing",
		hkey:   key + ":tasks",
	}
}

// claimScript moves ARGV[1] from the due set to the processing set and
// returns its payload, or false when another worker got there first.
var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
local body = redis.call('HGET', KEYS[3], ARGV[1])
if not body then
	return ''
end
return body
`)

// moveScript moves ARGV[1] between sorted sets with a new score, if present
// in the first.
var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// Schedule enqueues a task. The payload is written before the due entry so a
// claimer never sees an id without a body. An id that is already claimed is
// left alone.
func (q *RedisDelayed) Schedule(ctx context.Context, id string, msg Message, due time.Time) error {
	if id == "" {
		return errors.New("task id required")
	}
	err := q.client.ZScore(ctx, q.pkey, id).Err()
	if err == nil {
		return nil
	}
	if err != redis.Nil {
		return fmt.Errorf("check task %s: %w", id, err)
	}
	if err := q.client.HSetNX(ctx, q.hkey, id, serialize(msg)).Err(); err != nil {
		return fmt.Errorf("store task %s: %w", id, err)
	}
	err = q.client.ZAddNX(ctx, q.zkey, redis.Z{Score: score(due), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", id, err)
	}
	return nil
}

// Due requeues expired claims, then claims due tasks: whichever worker moves
// the member out of the due set owns it until its lease runs out.
func (q *RedisDelayed) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	upTo := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprint(now.UnixMilli())}
	expired, err := q.client.ZRangeByScore(ctx, q.pkey, upTo).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired claims: %w", err)
	}
	for _, id := range expired {
		if err := moveScript.Run(ctx, q.client, []string{q.pkey, q.zkey}, id, score(now)).Err(); err != nil {
			return nil, fmt.Errorf("requeue task %s: %w", id, err)
		}
	}

	opt := &redis.ZRangeBy{Min: "-inf", Max: upTo.Max}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := q.client.ZRangeByScoreWithScores(ctx, q.zkey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due tasks: %w", err)
	}
	until := score(now.Add(q.Lease))
	var out []Task
	for _, m := range members {
		id, _ := m.Member.(string)
		raw, err := claimScript.Run(ctx, q.client, []string{q.zkey, q.pkey, q.hkey}, id, until).Text()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("claim task %s: %w", id, err)
		}
		msg, _ := deserialize(raw)
		out = append(out, Task{ID: id, Due: time.UnixMilli(int64(m.Score)), Message: msg})
	}
	return out, nil
}

// Ack deletes a claimed task and its payload.
func (q *RedisDelayed) Ack(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.pkey, id)
		p.HDel(ctx, q.hkey, id)
		return nil
	})
	return err
}

// Release returns a claimed task to the due set at due.
func (q *RedisDelayed) Release(ctx context.Context, id string, due time.Time) error {
	return moveScript.Run(ctx, q.client, []string{q.pkey, q.zkey}, id, score(due)).Err()
}

func (q *RedisDelayed) Cancel(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.zkey, id)
		p.ZRem(ctx, q.pkey, id)
		p.HDel(ctx, q.hkey, id)
		return nil
	})
	return err
}

// Len counts waiting tasks. Claimed tasks are not included.
func (q *RedisDelayed) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.zkey).Result()
	return int(n), err
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// serialize is a tiny helper to store messages as Type|Body.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) (Message, error) {
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return Message{Type: s[:i], Body: []byte(s[i+1:])}, nil
	}
	return Message{Body: []byte(s)}, nil
}
