package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cardscan/internal/config"
	"cardscan/internal/models"
)

// RedisQueue is the broker client. It provides at-least-once delivery with
// per-message ack: dequeued envelopes sit in an inflight zset scored by a
// visibility deadline, and anything not acked before the deadline is
// redelivered by RequeueExpired. Delayed retries live in a scheduled zset
// until PromoteScheduled moves them back to the ready list.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

// Delivery is one consumed envelope plus the raw broker payload needed to
// ack or nack it.
type Delivery struct {
	Envelope models.Envelope
	raw      string
}

// NewRedisQueue builds a queue client on top of a shared Redis connection.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready",
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		dlqKey:        dlq,
		visibilityTTL: visibility,
	}
}

// Publish durably accepts an envelope for delivery. It never waits on
// processing; success only means the broker has the message.
func (q *RedisQueue) Publish(ctx context.Context, env models.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey, raw).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// DequeueWithLease pops an envelope from the ready list and places it into
// inflight with a visibility deadline, atomically via a Lua script.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Delivery, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("dequeue: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return Delivery{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	var env models.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Poison payload: drop it from inflight rather than redelivering forever.
		_ = q.client.ZRem(ctx, q.inflightKey, raw).Err()
		return Delivery{}, false, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return Delivery{Envelope: env, raw: raw}, true, nil
}

// Ack removes a delivered envelope from inflight tracking. After this the
// broker will never redeliver it.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.client.ZRem(ctx, q.inflightKey, d.raw).Err()
}

// Nack drops the delivery from inflight and schedules a fresh envelope for
// redelivery at runAt. The envelope carries the attempt snapshot taken after
// the claim, so redeliveries reflect consumed attempts.
func (q *RedisQueue) Nack(ctx context.Context, d Delivery, env models.Envelope, runAt time.Time) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, d.raw)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: raw})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack envelope: %w", err)
	}
	return nil
}

// ExtendLease pushes the visibility deadline forward for an inflight delivery.
func (q *RedisQueue) ExtendLease(ctx context.Context, d Delivery, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: d.raw,
	}).Err()
}

// PromoteScheduled moves due scheduled envelopes into the ready list.
// It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.scheduledKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// RequeueExpired reclaims inflight envelopes whose visibility deadline
// passed without an ack, putting them back on the ready list. This is the
// redelivery half of the at-least-once contract.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]models.Envelope, error) {
	members, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	envs := make([]models.Envelope, 0, len(members))
	for _, m := range members {
		var env models.Envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			pipe.ZRem(ctx, q.inflightKey, m)
			continue
		}
		envs = append(envs, env)
		pipe.ZRem(ctx, q.inflightKey, m)
		pipe.RPush(ctx, q.readyKey, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return envs, nil
}

// DLQPush records a dead-lettered job id for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads up to count dead-lettered job ids without consuming them.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local msg = redis.call('LPOP', KEYS[1])
if msg then
  redis.call('ZADD', KEYS[2], ARGV[1], msg)
  return msg
end
return nil
`)
