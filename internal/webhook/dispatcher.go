// Package webhook drives at-least-once delivery of outbox events to each
// source's configured endpoint. A polling loop schedules one delivery job per
// undelivered event on the key-deduplicated job queue; the job posts the
// signed payload, classifies the outcome and either marks the event delivered
// or reschedules itself with exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patjackson52/hilt/internal/jobs"
	"github.com/patjackson52/hilt/internal/review"
	"github.com/patjackson52/hilt/internal/store"
)

const (
	EventTypeDecision = "decision"
	JobKindDeliver    = "webhook_deliver"

	HeaderSignature = "X-Hilt-Signature"
	HeaderEventID   = "X-Hilt-Event-ID"
	HeaderEventType = "X-Hilt-Event-Type"

	maxBackoff = 3600 * time.Second
)

// Envelope is the outbound webhook body.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type Dispatcher struct {
	Store        store.Store
	Queue        *jobs.Queue
	Client       *http.Client
	Log          *zap.Logger
	PollInterval time.Duration
	RetryGap     time.Duration
	Now          func() time.Time
}

// NewDispatcher wires a dispatcher to the queue's delivery job kind.
func NewDispatcher(st store.Store, queue *jobs.Queue, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		Store:        st,
		Queue:        queue,
		Client:       &http.Client{},
		Log:          log,
		PollInterval: 5 * time.Second,
		RetryGap:     30 * time.Second,
		Now:          time.Now,
	}
	queue.Register(JobKindDeliver, d.deliverJob)
	return d
}

// Run polls the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := d.Poll(ctx, now); err != nil {
				d.Log.Warn("outbox poll failed", zap.Error(err))
			}
		}
	}
}

// Poll selects undelivered events that are due for an attempt and enqueues
// one delivery job per event. The queue's key dedup means a second poll cycle
// cannot schedule a duplicate in-flight delivery for the same event.
func (d *Dispatcher) Poll(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-d.RetryGap).Format(time.RFC3339)
	due, err := d.Store.ListUndeliveredDue(cutoff, 100)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, ev := range due {
		if err := ctx.Err(); err != nil {
			return scheduled, err
		}
		src, ok := d.Store.GetSource(ev.SourceID)
		if !ok || !src.WebhookEnabled || src.DeliveryMode == store.DeliveryPull {
			continue
		}
		// Abandoned events stay undelivered but never reschedule.
		if ev.AttemptCount >= maxAttempts(src) {
			continue
		}
		added, err := d.Queue.Enqueue(deliveryKey(ev.EventID), JobKindDeliver, ev.EventID, 0)
		if err != nil {
			return scheduled, err
		}
		if added {
			scheduled++
		}
	}
	return scheduled, nil
}

func deliveryKey(eventID string) string {
	return "deliver:" + eventID
}

func (d *Dispatcher) deliverJob(ctx context.Context, job store.JobRecord) (time.Duration, error) {
	return d.Deliver(ctx, job.Payload)
}

// Deliver runs one delivery attempt for an event. The returned duration is
// the backoff delay before the next attempt; zero means no retry (success,
// permanent failure or exhausted attempts).
func (d *Dispatcher) Deliver(ctx context.Context, eventID string) (time.Duration, error) {
	ev, ok := d.Store.GetEvent(eventID)
	if !ok {
		return 0, fmt.Errorf("event %s not found", eventID)
	}
	if ev.Delivered {
		return 0, nil
	}
	src, ok := d.Store.GetSource(ev.SourceID)
	if !ok {
		return 0, fmt.Errorf("source %s not found", ev.SourceID)
	}
	if ev.AttemptCount >= maxAttempts(src) {
		// Abandoned: stays undelivered with its attempt count for operator
		// visibility. Nothing reschedules it.
		d.Log.Warn("delivery abandoned, attempts exhausted",
			zap.String("event_id", ev.EventID),
			zap.Int("attempts", ev.AttemptCount))
		return 0, nil
	}

	body, err := json.Marshal(Envelope{
		EventID:   ev.EventID,
		EventType: EventTypeDecision,
		Timestamp: d.Now().UTC().Format(time.RFC3339),
		Payload:   ev.PayloadJSON,
	})
	if err != nil {
		return 0, err
	}

	status, postErr := d.post(ctx, src, ev, body)

	switch classify(status, postErr) {
	case outcomeSuccess:
		return 0, d.markDelivered(ev.EventID)
	case outcomePermanent:
		if err := d.abandon(ev.EventID, maxAttempts(src)); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("permanent delivery failure for event %s: status %d", ev.EventID, status)
	default:
		if err := d.recordFailure(ev.EventID); err != nil {
			return 0, err
		}
		updated, ok := d.Store.GetEvent(ev.EventID)
		if !ok {
			return 0, fmt.Errorf("event %s disappeared", ev.EventID)
		}
		if updated.AttemptCount >= maxAttempts(src) {
			return 0, fmt.Errorf("delivery attempts exhausted for event %s", ev.EventID)
		}
		return BackoffDelay(updated.AttemptCount, backoffBase(src)), fmt.Errorf("retryable delivery failure for event %s: status %d err %v", ev.EventID, status, postErr)
	}
}

func (d *Dispatcher) post(ctx context.Context, src store.SourceRecord, ev store.EventRecord, body []byte) (int, error) {
	timeout := time.Duration(src.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, src.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(src.WebhookSecret, body))
	req.Header.Set(HeaderEventID, ev.EventID)
	req.Header.Set(HeaderEventType, EventTypeDecision)

	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomePermanent
)

// classify maps an HTTP status (or transport error) to a delivery outcome:
// 2xx success, 5xx/429 retryable, other 4xx permanent, transport/timeout
// retryable.
func classify(status int, err error) outcome {
	if err != nil {
		return outcomeRetryable
	}
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status >= 500 || status == http.StatusTooManyRequests:
		return outcomeRetryable
	default:
		return outcomePermanent
	}
}

// markDelivered flips the event's delivered flag and advances the owning task
// to dispatched, both behind a re-check inside one transaction so a
// concurrent ack or archive cannot be undone.
func (d *Dispatcher) markDelivered(eventID string) error {
	now := d.Now().UTC().Format(time.RFC3339)
	return d.Store.WithTx(func(tx store.Tx) error {
		ev, ok := tx.GetEvent(eventID)
		if !ok {
			return fmt.Errorf("event %s not found", eventID)
		}
		if ev.Delivered {
			return nil
		}
		ev.Delivered = true
		ev.LastAttemptAt = &now
		if err := tx.PutEvent(ev); err != nil {
			return err
		}

		task, ok := tx.GetTask(ev.TaskID)
		if ok && review.CanDispatch(task.Status) {
			task.Status = store.StatusDispatched
			task.UpdatedAt = now
			if err := tx.PutTask(task); err != nil {
				return err
			}
		}
		return nil
	})
}

// abandon stamps the attempt counter to the source's maximum so neither the
// poll loop nor a rescheduled job touches the event again. The event stays
// undelivered with its counter for operator visibility.
func (d *Dispatcher) abandon(eventID string, attempts int) error {
	now := d.Now().UTC().Format(time.RFC3339)
	return d.Store.WithTx(func(tx store.Tx) error {
		ev, ok := tx.GetEvent(eventID)
		if !ok {
			return fmt.Errorf("event %s not found", eventID)
		}
		if ev.Delivered {
			return nil
		}
		if ev.AttemptCount < attempts {
			ev.AttemptCount = attempts
		}
		ev.LastAttemptAt = &now
		return tx.PutEvent(ev)
	})
}

func (d *Dispatcher) recordFailure(eventID string) error {
	now := d.Now().UTC().Format(time.RFC3339)
	return d.Store.WithTx(func(tx store.Tx) error {
		ev, ok := tx.GetEvent(eventID)
		if !ok {
			return fmt.Errorf("event %s not found", eventID)
		}
		if ev.Delivered {
			return nil
		}
		ev.AttemptCount++
		ev.LastAttemptAt = &now
		return tx.PutEvent(ev)
	})
}

// BackoffDelay computes the delay before attempt n+1: min(base*2^n, 1h) plus
// uniform jitter in [0, 10%] of that value.
func BackoffDelay(attempt, baseSeconds int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = 30
	}
	delay := float64(baseSeconds) * math.Pow(2, float64(attempt))
	if delay > maxBackoff.Seconds() {
		delay = maxBackoff.Seconds()
	}
	jitter := rand.Float64() * 0.1 * delay
	return time.Duration((delay + jitter) * float64(time.Second))
}

func maxAttempts(src store.SourceRecord) int {
	if src.MaxAttempts <= 0 {
		return 5
	}
	return src.MaxAttempts
}

func backoffBase(src store.SourceRecord) int {
	if src.BackoffBaseSeconds <= 0 {
		return 30
	}
	return src.BackoffBaseSeconds
}
