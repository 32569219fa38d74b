package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cardscan/internal/config"
	"cardscan/internal/models"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(client, config.Config{VisibilityTimeout: 30 * time.Second})
}

func TestPublishDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	env := models.Envelope{JobID: "job-1", Attempt: 0}
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1 got %d err=%v", depth, err)
	}

	d, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if d.Envelope != env {
		t.Fatalf("unexpected envelope: %+v", d.Envelope)
	}

	// The message is leased, not gone: the ready list is empty but the
	// envelope would be redelivered if never acked.
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty ready list, got %d", depth)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("acked message must not be redelivered, got %v", reclaimed)
	}
}

func TestRedeliveryAfterLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	env := models.Envelope{JobID: "job-2", Attempt: 0}
	if err := q.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok, err := q.DequeueWithLease(ctx); err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	// Not acked: past the visibility deadline the broker must requeue.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != env {
		t.Fatalf("expected redelivery of %+v, got %+v", env, reclaimed)
	}

	d, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("redelivered dequeue: ok=%v err=%v", ok, err)
	}
	if d.Envelope != env {
		t.Fatalf("unexpected redelivered envelope: %+v", d.Envelope)
	}
}

func TestNackSchedulesDelayedRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Publish(ctx, models.Envelope{JobID: "job-3", Attempt: 0}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	retry := models.Envelope{JobID: "job-3", Attempt: 1}
	runAt := time.Now().Add(time.Minute)
	if err := q.Nack(ctx, d, retry, runAt); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Before runAt nothing is promoted.
	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing promoted, got n=%d err=%v", n, err)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); ok {
		t.Fatalf("delayed envelope must not be deliverable before runAt")
	}

	// At runAt it becomes ready again, carrying the new attempt snapshot.
	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 promoted, got n=%d err=%v", n, err)
	}
	d2, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("promoted dequeue: ok=%v err=%v", ok, err)
	}
	if d2.Envelope != retry {
		t.Fatalf("expected %+v got %+v", retry, d2.Envelope)
	}

	// The nacked original must not come back via lease expiry.
	if reclaimed, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(reclaimed) != 1 {
		t.Fatalf("only the promoted delivery should be inflight, got %v", reclaimed)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.DLQPush(ctx, "job-9"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 1 || items[0] != "job-9" {
		t.Fatalf("unexpected dlq contents: %v", items)
	}
}
