// Package dlq implements dead-letter routing and recovery for jobs that
// exceed their retry budget or fail non-retryably, grounded on
// original_source/apps/api/app/core/dlq_handler.py.
package dlq

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/jobcore/internal/jobcore/broker"
	"github.com/cncaiprojem/jobcore/internal/jobcore/dispatch"
	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
	"github.com/cncaiprojem/jobcore/internal/jobcore/retrypolicy"
	"github.com/cncaiprojem/jobcore/internal/jobcore/taxonomy"
)

// Reason is the closed set of reasons a job was (or was not) routed to
// the DLQ, matching should_send_to_dlq's string reasons.
type Reason string

const (
	ReasonFatal              Reason = "fatal_error"
	ReasonCancelled          Reason = "cancelled"
	ReasonNonRetryable       Reason = "non_retryable_error"
	ReasonMaxRetriesExceeded Reason = "max_retries_exceeded"
	ReasonRetryable          Reason = "retryable"
)

// ShouldSendToDLQ classifies err and decides whether attempt (0-based,
// about to become attempt+1) should be routed to the DLQ instead of
// retried, per spec.md's four-kind taxonomy:
//   - fatal            -> DLQ immediately
//   - cancellation     -> never DLQ, never retried
//   - non_retryable    -> DLQ immediately
//   - retryable        -> DLQ only once attempt has exhausted maxRetries
func ShouldSendToDLQ(err error, attempt, maxRetries int) (bool, Reason) {
	switch taxonomy.Classify(err) {
	case taxonomy.Fatal:
		return true, ReasonFatal
	case taxonomy.Cancellation:
		return false, ReasonCancelled
	case taxonomy.NonRetryable:
		return true, ReasonNonRetryable
	case taxonomy.Retryable:
		if attempt >= maxRetries {
			return true, ReasonMaxRetriesExceeded
		}
		return false, ReasonRetryable
	default:
		return true, ReasonNonRetryable
	}
}

// Record is the self-describing DLQ payload shape from spec.md §3/§6,
// matching _create_dlq_message's fields: enough to re-submit without
// consulting other systems.
type Record struct {
	JobID         string            `json:"job_id"`
	Class         string            `json:"class"`
	TaskName      string            `json:"task_name"`
	OriginalQueue string            `json:"original_queue"`
	Payload       jobstore.JSONMap  `json:"payload"`
	Args          []any             `json:"args"`
	Kwargs        map[string]any    `json:"kwargs"`
	Headers       map[string]any    `json:"headers"`

	AttemptCount        int               `json:"attempt_count"`
	FailedAt            time.Time         `json:"failed_at"`
	ErrorMetadata       taxonomy.Metadata `json:"error_metadata"`
	FailureReason       Reason            `json:"failure_reason"`
	ErrorClassification taxonomy.Kind     `json:"error_classification"`
	Recoverable         bool              `json:"recoverable"`
	DLQVersion          string            `json:"dlq_version"`
}

const currentDLQVersion = "1.0"

// newRecord builds the DLQ Record for job/err/attempt. task_name has no
// separate concept in this core (one handler per workload class, not one
// task per job), so it's set to the workload class name; original_queue is
// the class's primary queue name; args/kwargs mirror the source's
// positional/keyword task-call convention with the job payload carried as
// a single kwargs entry, since this core's handlers take a single typed
// payload rather than (*args, **kwargs).
func newRecord(job *jobstore.Job, err error, attempt int, reason Reason) Record {
	md := taxonomy.Describe(err)
	return Record{
		JobID:                job.ID,
		Class:                job.Class,
		TaskName:             job.Class,
		OriginalQueue:        job.Class,
		Payload:              job.Payload,
		Args:                 []any{},
		Kwargs:               map[string]any{"payload": job.Payload},
		Headers:              map[string]any{"x-task-id": job.ID, "x-attempt": attempt},
		AttemptCount:         attempt,
		FailedAt:             time.Now(),
		ErrorMetadata:        md,
		FailureReason:        reason,
		ErrorClassification: md.ErrorClassification,
		Recoverable:          md.IsRetryable,
		DLQVersion:           currentDLQVersion,
	}
}

// Handler routes terminally-failed jobs to their class's DLQ and
// supports recovering a DLQ record back into a fresh dispatch.
type Handler struct {
	ch   *amqp.Channel
	disp *dispatch.Dispatcher
}

// New builds a Handler over an already-connected, topology-declared
// channel and a Dispatcher used for recovery re-submission.
func New(ch *amqp.Channel, disp *dispatch.Dispatcher) *Handler {
	return &Handler{ch: ch, disp: disp}
}

// Send builds a Record for job/err/attempt and gzip-publishes it to the
// class's dead-letter exchange with routing key "#" (matching the DLQ's
// binding). gzip is stdlib here deliberately: no pack dependency owns
// ad-hoc payload compression as a reusable concern (see design notes).
func (h *Handler) Send(ctx context.Context, job *jobstore.Job, err error, attempt int, reason Reason) error {
	record := newRecord(job, err, attempt, reason)

	raw, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return marshalErr
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	class := retrypolicy.Class(job.Class)
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return h.ch.PublishWithContext(cctx,
		broker.DLXName(class),
		"#",
		false,
		false,
		amqp.Publishing{
			ContentType:     "application/json",
			ContentEncoding: "gzip",
			DeliveryMode:    amqp.Persistent,
			Timestamp:       time.Now(),
			Headers: amqp.Table{
				"x-failed-queue":  string(class),
				"x-failed-at":     record.FailedAt.Format(time.RFC3339),
				"x-attempt-count": attempt,
			},
			Body: buf.Bytes(),
		},
	)
}

// Recover decodes a gzip DLQ record and re-submits it through the
// dispatcher with a reset attempt counter, carried on the wire as the
// x-recovered-from-dlq header (see dispatch.Dispatcher.RecoverFromDLQ),
// matching create_dlq_recovery_task/recover_dlq_message in the source. The
// record's Recoverable flag is not consulted: fatal and non_retryable
// records are re-submitted the same way as retryable ones.
func (h *Handler) Recover(ctx context.Context, gzipBody []byte) (string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(gzipBody))
	if err != nil {
		return "", err
	}
	defer gz.Close()

	var record Record
	if err := json.NewDecoder(gz).Decode(&record); err != nil {
		return "", err
	}

	// Recovery never mutates the original failed job; it always gets a
	// fresh id (spec.md §4.8).
	job := &jobstore.Job{
		ID:      ulid.Make().String(),
		Class:   record.Class,
		Payload: record.Payload,
		Status:  jobstore.Queued,
		Attempt: 0,
	}

	if err := h.disp.RecoverFromDLQ(ctx, job, record.ErrorMetadata.ErrorMessage); err != nil {
		return "", err
	}
	return job.ID, nil
}
