package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task kinds carried on the queue. A task id is "<kind>:<record id>" where
// the record id points at an event (fan-out) or a delivery (one attempt).
const (
	KindEvent    = "event"
	KindDelivery = "delivery"
)

// TaskID builds the queue member for a record.
func TaskID(kind, id string) string {
	return kind + ":" + id
}

// SplitTaskID separates a queue member back into kind and record id.
func SplitTaskID(taskID string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(taskID, ":")
	if !ok || id == "" {
		return "", "", false
	}
	return kind, id, true
}

// TaskQueue coordinates ready, in-flight, and scheduled delivery work in
// Redis. Scheduled tasks carry a not-before timestamp as their ZSET score;
// in-flight tasks carry a visibility deadline the same way.
type TaskQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewTaskQueue builds a queue over an existing Redis client.
func NewTaskQueue(client *redis.Client, visibility time.Duration, dlqName string) *TaskQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	if dlqName == "" {
		dlqName = "events:dlq"
	}
	return &TaskQueue{
		client:        client,
		readyKey:      "events:ready",
		inflightKey:   "events:inflight",
		scheduledKey:  "events:scheduled",
		dlqKey:        dlqName,
		visibilityTTL: visibility,
	}
}

// Enqueue inserts a task into either the scheduled set or the ready queue
// depending on runAt.
func (q *TaskQueue) Enqueue(ctx context.Context, taskID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.Schedule(ctx, taskID, runAt)
	}
	return q.client.RPush(ctx, q.readyKey, taskID).Err()
}

// Schedule moves a task into the scheduled set for deferred execution.
func (q *TaskQueue) Schedule(ctx context.Context, taskID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: taskID,
	}).Err()
}

// PromoteScheduled moves due scheduled tasks into the ready queue. It
// returns how many were promoted.
func (q *TaskQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a ready task and places it into in-flight with a
// visibility timeout. Returns "" when the queue is empty.
func (q *TaskQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := []string{q.readyKey, q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *TaskQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking.
func (q *TaskQueue) Ack(ctx context.Context, taskID string) error {
	return q.client.ZRem(ctx, q.inflightKey, taskID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the tasks.
func (q *TaskQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *TaskQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads the oldest dead-lettered task ids.
func (q *TaskQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *TaskQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
