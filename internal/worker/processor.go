package worker

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"cardscan/internal/analysis"
	"cardscan/internal/blob"
	"cardscan/internal/config"
	"cardscan/internal/models"
	"cardscan/internal/queue"
	"cardscan/internal/store"
	"cardscan/internal/telemetry"
)

// JobStore is the slice of the job store the worker mutates. Every
// transition is CAS-guarded by the store.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ClaimJob(ctx context.Context, id string) (models.Job, bool, error)
	RequeueForRetry(ctx context.Context, id, detail string) (bool, error)
	ResetStale(ctx context.Context, id string) (bool, error)
	CompleteJob(ctx context.Context, id string, cards []models.Card) (string, bool, error)
	FailJob(ctx context.Context, id, kind, detail string) (bool, error)
}

// Broker is the consume side of the queue contract: at-least-once delivery
// with per-message ack and redelivery on missed ack.
type Broker interface {
	DequeueWithLease(ctx context.Context) (queue.Delivery, bool, error)
	Ack(ctx context.Context, d queue.Delivery) error
	Nack(ctx context.Context, d queue.Delivery, env models.Envelope, runAt time.Time) error
	ExtendLease(ctx context.Context, d queue.Delivery, extension time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]models.Envelope, error)
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// BlobStore fetches input bytes by reference.
type BlobStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Processor runs a bounded pool of consumers against the broker queue.
type Processor struct {
	cfg     config.Config
	broker  Broker
	store   JobStore
	blobs   BlobStore
	analyze analysis.Func
}

func New(cfg config.Config, broker Broker, store JobStore, blobs BlobStore, analyze analysis.Func) *Processor {
	return &Processor{
		cfg:     cfg,
		broker:  broker,
		store:   store,
		blobs:   blobs,
		analyze: analyze,
	}
}

// Run starts the consumer pool plus a housekeeping loop and blocks until
// the context is cancelled. Pool size bounds concurrent analyses; buffered
// envelopes stay in the broker, so memory stays flat under load.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeep(ctx)
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// housekeep promotes due retries, reclaims expired leases, and reports
// queue depth.
func (p *Processor) housekeep(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval == 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := p.broker.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
			log.Printf("promote scheduled: %v", err)
		}

		reclaimed, err := p.broker.RequeueExpired(ctx, now, 100)
		if err != nil && ctx.Err() == nil {
			log.Printf("requeue expired: %v", err)
		}
		// A reclaimed lease means a worker died mid-processing. Put the row
		// back to queued so the redelivered envelope can claim it again.
		for _, env := range reclaimed {
			if _, err := p.store.ResetStale(ctx, env.JobID); err != nil && ctx.Err() == nil {
				log.Printf("reset stale job %s: %v", env.JobID, err)
			}
		}

		if depth, err := p.broker.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

// consume pulls one delivery at a time and runs the processing protocol.
func (p *Processor) consume(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval == 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, ok, err := p.broker.DequeueWithLease(ctx)
		if err != nil || !ok {
			if err != nil && ctx.Err() == nil {
				log.Printf("dequeue: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		p.handleDelivery(ctx, d)
	}
}

// handleDelivery runs one delivery through the state machine. The envelope
// is untrusted; the job row is re-read and every transition is conditional
// on the current status.
func (p *Processor) handleDelivery(ctx context.Context, d queue.Delivery) {
	jobID := d.Envelope.JobID

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown id: nothing to process, drop the message.
			_ = p.broker.Ack(ctx, d)
			return
		}
		// Leave the lease to expire so the broker redelivers.
		log.Printf("load job %s: %v", jobID, err)
		return
	}

	// Idempotency guard: duplicate delivery of an already-settled job.
	if job.Terminal() {
		_ = p.broker.Ack(ctx, d)
		return
	}

	job, claimed, err := p.store.ClaimJob(ctx, jobID)
	if err != nil {
		log.Printf("claim job %s: %v", jobID, err)
		return
	}
	if !claimed {
		// Lost the CAS race: another worker holds the processing claim.
		_ = p.broker.Ack(ctx, d)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// The lease must outlive the analysis; extend it up front if the
	// execution budget is longer than half the visibility window.
	if p.cfg.ExecutionTimeout > p.cfg.VisibilityTimeout/2 {
		_ = p.broker.ExtendLease(ctx, d, p.cfg.ExecutionTimeout+p.cfg.VisibilityTimeout)
	}

	cards, err := p.runAnalysis(ctx, job)
	if err == nil {
		if _, ok, err := p.store.CompleteJob(ctx, jobID, cards); err != nil || !ok {
			log.Printf("complete job %s: ok=%v err=%v", jobID, ok, err)
			return
		}
		_ = p.broker.Ack(ctx, d)
		telemetry.JobsCompleted.Inc()
		return
	}

	if analysis.Fatal(err) {
		if _, ferr := p.store.FailJob(ctx, jobID, models.ErrKindFatal, err.Error()); ferr != nil {
			log.Printf("fail job %s: %v", jobID, ferr)
			return
		}
		_ = p.broker.Ack(ctx, d)
		telemetry.JobsFailed.Inc()
		return
	}

	// Retryable failure. The claim already consumed the attempt.
	if job.Attempts >= p.maxAttempts(job) {
		if _, ferr := p.store.FailJob(ctx, jobID, models.ErrKindRetriesExhausted, err.Error()); ferr != nil {
			log.Printf("dead-letter job %s: %v", jobID, ferr)
			return
		}
		_ = p.broker.Ack(ctx, d)
		_ = p.broker.DLQPush(ctx, jobID)
		telemetry.JobsDeadLettered.Inc()
		log.Printf("job %s dead-lettered after %d attempts: %v", jobID, job.Attempts, err)
		return
	}

	if ok, rerr := p.store.RequeueForRetry(ctx, jobID, err.Error()); rerr != nil || !ok {
		log.Printf("requeue job %s: ok=%v err=%v", jobID, ok, rerr)
		return
	}
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts)
	env := models.Envelope{JobID: jobID, Attempt: job.Attempts}
	if nerr := p.broker.Nack(ctx, d, env, time.Now().Add(backoff)); nerr != nil {
		log.Printf("nack job %s: %v", jobID, nerr)
		return
	}
	telemetry.JobsRetried.Inc()
}

// runAnalysis fetches the input blob and invokes the analysis function
// under the execution timeout, classifying infrastructure failures.
func (p *Processor) runAnalysis(ctx context.Context, job models.Job) ([]models.Card, error) {
	data, err := p.blobs.Fetch(ctx, job.InputKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// The upload happens out of band; give the caller a grace
			// period before declaring the input missing for good.
			if time.Since(job.CreatedAt) < p.cfg.UploadGracePeriod {
				return nil, analysis.Retryablef("input not uploaded yet: %w", err)
			}
			return nil, analysis.Fatalf("input never uploaded: %w", err)
		}
		return nil, analysis.Retryablef("fetch input: %w", err)
	}

	execCtx := ctx
	if p.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
		defer cancel()
	}

	cards, err := p.analyze(execCtx, data, job.ContentType)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, analysis.Retryablef("analysis timed out after %s", p.cfg.ExecutionTimeout)
		}
		return nil, err
	}
	return cards, nil
}

func (p *Processor) maxAttempts(job models.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	if p.cfg.MaxAttempts > 0 {
		return p.cfg.MaxAttempts
	}
	return 3
}

// backoffWithJitter returns an exponential delay for the given attempt,
// capped at max, with half-window jitter to spread retry storms.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64)/2 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
