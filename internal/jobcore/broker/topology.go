// Package broker declares the exchange/queue/DLX topology used for job
// dispatch, grounded on the teacher's internal/store/rabbitmq/publisher.go
// (queue declaration shape) generalized from one demo queue to the full
// per-class exchange/DLX/DLQ graph described in
// original_source/apps/api/app/core/queue_constants.py.
package broker

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/jobcore/internal/jobcore/retrypolicy"
)

const (
	// JobsExchange is the direct exchange jobs are published to, routed
	// by workload class.
	JobsExchange = "jobs.direct"

	// EventsExchange is the topic exchange lifecycle events are published
	// to.
	EventsExchange = "events.jobs"

	// ERPExchange is the fanout exchange events.jobs is bound to, so any
	// ERP-facing consumer can bind independently without coupling to the
	// job-event routing keys.
	ERPExchange = "erp.outbound"

	dlxSuffix = ".dlx"
	dlqSuffix = "_dlq"
)

// QueueName returns the primary queue name for a workload class.
func QueueName(class retrypolicy.Class) string { return string(class) }

// RoutingKey returns the routing key used on JobsExchange for a class.
func RoutingKey(class retrypolicy.Class) string { return string(class) }

// DLXName returns the per-class dead-letter exchange name.
func DLXName(class retrypolicy.Class) string { return string(class) + dlxSuffix }

// DLQName returns the per-class dead-letter queue name.
func DLQName(class retrypolicy.Class) string { return string(class) + dlqSuffix }

// QueueLimits bounds a primary queue's message size, matching
// QUEUE_CONFIGS in queue_constants.py. The spec does not differentiate
// message-size/priority caps per class, only TTL (retrypolicy.Policy) and
// retry/backoff.
type QueueLimits struct {
	MaxMessageBytes int64
	MaxPriority     uint8
}

var defaultLimits = QueueLimits{
	MaxMessageBytes: 10 << 20, // 10 MiB
	MaxPriority:     10,
}

// dlqTTLMillis and dlqMaxLength are the spec.md §4.3/§6 DLQ queue arguments,
// shared by every class's DLQ: x-message-ttl=86_400_000 (24h),
// x-max-length=10000.
const (
	dlqTTLMillis  = 86_400_000
	dlqMaxLength  = 10_000
)

// Topology owns the amqp channel used to declare exchanges and queues.
// Declaration is idempotent: re-running it against an already-declared
// broker is a no-op as long as arguments match.
type Topology struct {
	ch *amqp.Channel
}

// NewTopology wraps a channel for declaration calls.
func NewTopology(ch *amqp.Channel) *Topology { return &Topology{ch: ch} }

// Declare creates the full exchange/queue graph: jobs.direct, one quorum
// primary queue per class with dead-lettering into <class>.dlx, the
// classic lazy <class>_dlq queue bound to it, events.jobs, and
// erp.outbound fanned out from events.jobs.
func (t *Topology) Declare() error {
	if err := t.ch.ExchangeDeclare(JobsExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}
	if err := t.ch.ExchangeDeclare(EventsExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}
	if err := t.ch.ExchangeDeclare(ERPExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return err
	}
	if err := t.ch.ExchangeBind(ERPExchange, "job.status.#", EventsExchange, false, nil); err != nil {
		return err
	}

	for _, class := range retrypolicy.Classes() {
		if err := t.declareClass(class); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topology) declareClass(class retrypolicy.Class) error {
	dlx := DLXName(class)
	dlq := DLQName(class)
	queue := QueueName(class)

	if err := t.ch.ExchangeDeclare(dlx, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := t.ch.QueueDeclare(dlq, true, false, false, false, amqp.Table{
		"x-queue-mode":    "lazy",
		"x-message-ttl":   int32(dlqTTLMillis),
		"x-max-length":    int32(dlqMaxLength),
	}); err != nil {
		return err
	}
	if err := t.ch.QueueBind(dlq, "#", dlx, false, nil); err != nil {
		return err
	}

	limits := defaultLimits
	policy := retrypolicy.For(string(class))
	if _, err := t.ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": "#",
		"x-message-ttl":             int32(policy.QueueTTL.Milliseconds()),
		"x-max-length-bytes":        limits.MaxMessageBytes,
		"x-max-priority":            int32(limits.MaxPriority),
	}); err != nil {
		return err
	}
	if err := t.ch.QueueBind(queue, RoutingKey(class), JobsExchange, false, nil); err != nil {
		return err
	}
	return nil
}

// Dial connects to url with a heartbeat tuned for long-running worker
// consumers, matching the teacher's plain amqp.Dial generalized with
// explicit config instead of relying on library defaults.
func Dial(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 30 * time.Second,
		Locale:    "en_US",
	})
}
