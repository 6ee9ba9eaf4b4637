// Package dispatch implements job submission to the broker, generalizing
// the teacher's internal/store/rabbitmq/publisher.go PublishJob from a
// default-exchange demo publish into a confirm-mode publish against the
// per-class jobs.direct routing declared by the broker package.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/jobcore/internal/jobcore/broker"
	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
	"github.com/cncaiprojem/jobcore/internal/jobcore/progress"
	"github.com/cncaiprojem/jobcore/internal/jobcore/retrypolicy"
)

// Priority is the caller-facing workload priority from spec.md §4.4's
// closed set, mapped to the broker's 0..10 integer priority scale.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// priorityLevels maps the closed {low, normal, high} set to broker
// priority steps. No source file pins the exact numbers (queue_constants.py
// only tags each *class*, not each job submission, with a priority label),
// so this spreads them evenly across the 0..10 range declared on the
// primary queues' x-max-priority.
var priorityLevels = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 5,
	PriorityHigh:   10,
}

// MapPriority validates and converts a submission's priority string,
// defaulting an empty value to normal per the §4.4 contract
// (submit(..., priority=normal)).
func MapPriority(p string) (int, error) {
	if p == "" {
		p = string(PriorityNormal)
	}
	level, ok := priorityLevels[Priority(p)]
	if !ok {
		return 0, fmt.Errorf("dispatch: unknown priority %q, want one of low/normal/high", p)
	}
	return level, nil
}

// Input is the caller-supplied request to submit a new job.
type Input struct {
	TenantID string
	Class    string
	Priority string
	Payload  jobstore.JSONMap
}

// Dispatcher creates job records and publishes them onto the broker under
// publisher confirms, so a submission is only acknowledged to the caller
// once RabbitMQ has confirmed receipt.
type Dispatcher struct {
	store *jobstore.Store
	ch    *amqp.Channel
	idGen func() string
	pub   *progress.Publisher
}

// New builds a Dispatcher over a channel that has already entered confirm
// mode (ch.Confirm(false)) and had the broker topology declared on it. pub
// may be nil, in which case Submit skips emitting the Pending->Queued
// lifecycle event.
func New(store *jobstore.Store, ch *amqp.Channel, pub *progress.Publisher) *Dispatcher {
	return &Dispatcher{store: store, ch: ch, idGen: newULID, pub: pub}
}

func newULID() string {
	return ulid.Make().String()
}

// jobMessage is the wire body published to the primary queue.
type jobMessage struct {
	JobID   string           `json:"job_id"`
	Class   string           `json:"class"`
	Payload jobstore.JSONMap `json:"payload"`
	Attempt int              `json:"attempt"`
}

// Submit creates a Pending job record, publishes it to the class's primary
// queue under publisher confirms, and transitions it to Queued once the
// publish is confirmed. The job row exists before the publish is
// attempted, so a publish failure leaves a durable, queryable record
// rather than a lost submission: the record stays in Pending (it is not
// moved to Failed) and the error is returned with the job id.
func (d *Dispatcher) Submit(ctx context.Context, in Input) (string, error) {
	if !retrypolicy.KnownClass(in.Class) {
		return "", fmt.Errorf("dispatch: unknown workload class %q", in.Class)
	}
	priority, err := MapPriority(in.Priority)
	if err != nil {
		return "", err
	}

	policy := retrypolicy.For(in.Class)
	job := &jobstore.Job{
		ID:         d.idGen(),
		Class:      in.Class,
		TenantID:   in.TenantID,
		Priority:   priority,
		Payload:    in.Payload,
		Status:     jobstore.Pending,
		MaxRetries: policy.MaxRetries,
	}
	if err := d.store.Create(ctx, job); err != nil {
		return "", err
	}

	if err := d.publish(ctx, job, 0, "", nil); err != nil {
		return job.ID, err
	}

	if err := d.store.Transition(ctx, job.ID, jobstore.Queued, "submitted", nil); err != nil {
		return job.ID, err
	}
	d.emitTransitionEvent(ctx, job.ID, jobstore.Pending)
	return job.ID, nil
}

// emitTransitionEvent re-reads jobID after a successful Transition (whose
// mutation happens on its own in-transaction copy, not on the caller's Job
// pointer) and publishes the resulting state change, if a Publisher is
// configured.
func (d *Dispatcher) emitTransitionEvent(ctx context.Context, jobID string, from jobstore.Status) {
	if d.pub == nil {
		return
	}
	j, err := d.store.Get(ctx, jobID)
	if err != nil {
		return
	}
	_ = d.pub.Publish(ctx, progress.LifecycleEvent{
		JobID:          jobID,
		Status:         string(j.Status),
		PreviousStatus: string(from),
		Attempt:        j.Attempt,
		Progress:       j.Progress,
	})
}

// publish confirm-publishes the job body to its class's primary queue.
// lastException, when non-empty, is carried on the x-last-exception
// header (only present after a retry or recovery, per spec.md §3's
// message envelope); extraHeaders lets callers add their own (e.g.
// x-recovered-from-dlq) without publish() needing to know about them.
func (d *Dispatcher) publish(ctx context.Context, job *jobstore.Job, attempt int, lastException string, extraHeaders amqp.Table) error {
	class := retrypolicy.Class(job.Class)
	body, err := json.Marshal(jobMessage{JobID: job.ID, Class: job.Class, Payload: job.Payload, Attempt: attempt})
	if err != nil {
		return err
	}

	headers := amqp.Table{
		"x-task-id": job.ID,
		"x-attempt": attempt,
	}
	if lastException != "" {
		headers["x-last-exception"] = lastException
	}
	for k, v := range extraHeaders {
		headers[k] = v
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	confirm, err := d.ch.PublishWithDeferredConfirmWithContext(cctx,
		broker.JobsExchange,
		broker.RoutingKey(class),
		true, // mandatory: unroutable messages must not vanish silently
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     uint8(job.Priority),
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      headers,
		},
	)
	if err != nil {
		return err
	}
	ok, err := confirm.WaitContext(cctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dispatch: broker nacked publish for job %s", job.ID)
	}
	return nil
}

// RecoverFromDLQ persists job as a new record (with its class's
// MaxRetries when unset) and publishes it, sharing the same
// confirm-publish path as Submit, with its attempt counter reset to 0 and
// tagged x-recovered-from-dlq=true per spec.md §4.8. Used by the dlq
// package's Recover operation. Distinct from Republish: genuine DLQ
// recovery always restarts the attempt count, an ordinary scheduled retry
// never does.
func (d *Dispatcher) RecoverFromDLQ(ctx context.Context, job *jobstore.Job, lastException string) error {
	if job.MaxRetries == 0 {
		job.MaxRetries = retrypolicy.For(job.Class).MaxRetries
	}
	if err := d.store.Create(ctx, job); err != nil {
		return err
	}
	return d.publish(ctx, job, 0, lastException, amqp.Table{"x-recovered-from-dlq": true})
}

// Republish re-publishes a job the worker harness scheduled a retry for,
// forwarding its real, already-incremented attempt count (job.Attempt)
// instead of resetting it — unlike RecoverFromDLQ, this is not a DLQ
// recovery and must not claim to be one.
func (d *Dispatcher) Republish(ctx context.Context, job *jobstore.Job, lastException string) error {
	return d.publish(ctx, job, job.Attempt, lastException, nil)
}
