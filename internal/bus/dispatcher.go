package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tastebase/media-pipeline/internal/config"
	"github.com/tastebase/media-pipeline/pkg/schema"
)

// Dispatcher is the at-least-once job queue for media processing and
// storage cleanup. Handler failures are redelivered with an attempt counter
// up to MaxAttempts, with a fixed backoff between attempts. Ordering across
// media ids is not guaranteed and not needed; retries of one id are safe
// because processing is idempotent.
type Dispatcher struct {
	client         *Client
	processSubject string
	cleanupSubject string
	resultSubject  string
	queue          string
	maxAttempts    int
	backoff        time.Duration
	jobTimeout     time.Duration
	logger         *slog.Logger
}

func NewDispatcher(client *Client, cfg config.NATSConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:         client,
		processSubject: cfg.ProcessSubject,
		cleanupSubject: cfg.CleanupSubject,
		resultSubject:  cfg.ResultSubject,
		queue:          cfg.WorkerQueue,
		maxAttempts:    cfg.MaxAttempts,
		backoff:        cfg.RetryBackoff,
		jobTimeout:     cfg.JobTimeout,
		logger:         logger,
	}
}

// EnqueueProcess schedules one processing attempt for a media record.
// Callers treat a returned error as non-fatal: they log and proceed, and the
// stuck-media sweep re-enqueues later.
func (d *Dispatcher) EnqueueProcess(mediaID uint64) error {
	return d.client.PublishJSON(d.processSubject, schema.ProcessJob{
		MediaID:    mediaID,
		Attempt:    1,
		EnqueuedAt: time.Now().Unix(),
	})
}

// EnqueueCleanup schedules deletion of a batch of storage objects.
func (d *Dispatcher) EnqueueCleanup(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return d.client.PublishJSON(d.cleanupSubject, schema.CleanupJob{
		Keys:       keys,
		Attempt:    1,
		EnqueuedAt: time.Now().Unix(),
	})
}

// PublishResult emits a terminal-state event for observers. Best effort.
func (d *Dispatcher) PublishResult(evt schema.MediaProcessed) error {
	return d.client.PublishJSON(d.resultSubject, evt)
}

// SubscribeProcess attaches a queue-group worker for processing jobs. The
// handler gets an independent bounded context per message; an error
// schedules a redelivery.
func (d *Dispatcher) SubscribeProcess(handler func(ctx context.Context, mediaID uint64) error) (*nats.Subscription, error) {
	return d.client.Conn().QueueSubscribe(d.processSubject, d.queue, func(msg *nats.Msg) {
		var job schema.ProcessJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			d.logger.Error("drop malformed process job", "subject", d.processSubject, "err", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
		defer cancel()

		if err := handler(ctx, job.MediaID); err != nil {
			d.retryProcess(job, err)
		}
	})
}

// SubscribeCleanup attaches a queue-group worker for cleanup jobs.
func (d *Dispatcher) SubscribeCleanup(handler func(ctx context.Context, keys []string) error) (*nats.Subscription, error) {
	return d.client.Conn().QueueSubscribe(d.cleanupSubject, d.queue, func(msg *nats.Msg) {
		var job schema.CleanupJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			d.logger.Error("drop malformed cleanup job", "subject", d.cleanupSubject, "err", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
		defer cancel()

		if err := handler(ctx, job.Keys); err != nil {
			d.retryCleanup(job, err)
		}
	})
}

func (d *Dispatcher) retryProcess(job schema.ProcessJob, cause error) {
	if job.Attempt >= d.maxAttempts {
		d.logger.Error("process job exhausted retries",
			"media_id", job.MediaID, "attempts", job.Attempt, "err", cause)
		return
	}
	next := job
	next.Attempt++
	d.logger.Warn("process job failed, scheduling retry",
		"media_id", job.MediaID, "attempt", next.Attempt, "backoff", d.backoff, "err", cause)
	d.republishAfter(d.backoff, d.processSubject, next,
		fmt.Sprintf("media %d attempt %d", next.MediaID, next.Attempt))
}

func (d *Dispatcher) retryCleanup(job schema.CleanupJob, cause error) {
	if job.Attempt >= d.maxAttempts {
		d.logger.Error("cleanup job exhausted retries",
			"keys", len(job.Keys), "attempts", job.Attempt, "err", cause)
		return
	}
	next := job
	next.Attempt++
	d.logger.Warn("cleanup job failed, scheduling retry",
		"keys", len(job.Keys), "attempt", next.Attempt, "backoff", d.backoff, "err", cause)
	d.republishAfter(d.backoff, d.cleanupSubject, next,
		fmt.Sprintf("cleanup of %d keys attempt %d", len(next.Keys), next.Attempt))
}

func (d *Dispatcher) republishAfter(delay time.Duration, subject string, payload any, desc string) {
	time.AfterFunc(delay, func() {
		if err := d.client.PublishJSON(subject, payload); err != nil {
			d.logger.Error("republish failed", "subject", subject, "job", desc, "err", err)
		}
	})
}
