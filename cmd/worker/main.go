// Command worker is the job-dispatch worker harness, generalizing the
// teacher's cmd/worker/main.go: same signal-handling shutdown
// (signal.NotifyContext), same bounded worker-pool-over-channel shape,
// same per-queue QoS/prefetch call — now driven by the broker's declared
// per-class topology and dispatching through the workload registry with
// taxonomy/retrypolicy/dlq/progress/cancel wired around it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/cncaiprojem/jobcore/internal/config"
	"github.com/cncaiprojem/jobcore/internal/jobcore/broker"
	"github.com/cncaiprojem/jobcore/internal/jobcore/cancel"
	"github.com/cncaiprojem/jobcore/internal/jobcore/dispatch"
	"github.com/cncaiprojem/jobcore/internal/jobcore/dlq"
	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
	"github.com/cncaiprojem/jobcore/internal/jobcore/progress"
	"github.com/cncaiprojem/jobcore/internal/jobcore/retrypolicy"
	"github.com/cncaiprojem/jobcore/internal/jobcore/taxonomy"
	"github.com/cncaiprojem/jobcore/internal/jobcore/workload"
)

type jobMsg struct {
	JobID string `json:"job_id"`
	Class string `json:"class"`
}

// handlerResult carries a workload handler's outcome across the goroutine
// boundary so the hard time limit can be enforced with a select alongside
// it, since a handler body that ignores ctx cancellation (see
// workload.Echo/AlwaysFail) would otherwise never return control to the
// harness once its soft limit expires.
type handlerResult struct {
	output json.RawMessage
	err    error
}

func main() {
	cfg := config.Load()

	gdb, err := gorm.Open(mysql.Open(cfg.DBDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := gdb.AutoMigrate(&jobstore.Job{}, &jobstore.AuditEntry{}); err != nil {
		log.Fatalf("automigrate: %v", err)
	}
	store := jobstore.New(gdb)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, ch, err := broker.Connect(ctx, cfg.RabbitURL, cfg.BrokerDialAttempts, cfg.BrokerDialDelay)
	if err != nil {
		log.Fatalf("broker connect: %v", err)
	}
	defer conn.Close()
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		log.Fatalf("confirm mode: %v", err)
	}
	if err := ch.Qos(cfg.WorkerPrefetch, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	pub := progress.NewPublisher(ch, rdb)
	disp := dispatch.New(store, ch, pub)
	cancelSvc := cancel.New(rdb, store)
	reporter := progress.NewReporter(rdb, store, pub)
	dlqHandler := dlq.New(ch, disp)

	reg := workload.NewRegistry()
	classNames := make([]string, 0, len(retrypolicy.Classes()))
	for _, c := range retrypolicy.Classes() {
		classNames = append(classNames, string(c))
	}
	workload.RegisterDefaults(reg, classNames)

	var wg sync.WaitGroup
	for _, class := range retrypolicy.Classes() {
		msgs, err := ch.Consume(broker.QueueName(class), "", false, false, false, false, nil)
		if err != nil {
			log.Fatalf("consume %s: %v", class, err)
		}
		wg.Add(1)
		go consumeClass(ctx, &wg, class, msgs, store, disp, cancelSvc, reporter, dlqHandler, reg)
	}

	log.Printf("worker started, classes=%v concurrency=%d", retrypolicy.Classes(), cfg.WorkerConcurrency)
	<-ctx.Done()
	log.Printf("worker shutting down")
	wg.Wait()
}

func consumeClass(
	ctx context.Context,
	wg *sync.WaitGroup,
	class retrypolicy.Class,
	msgs <-chan amqp.Delivery,
	store *jobstore.Store,
	disp *dispatch.Dispatcher,
	cancelSvc *cancel.Service,
	reporter *progress.Reporter,
	dlqHandler *dlq.Handler,
	reg *workload.Registry,
) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			handleDelivery(ctx, class, d, store, disp, cancelSvc, reporter, dlqHandler, reg)
		}
	}
}

func handleDelivery(
	ctx context.Context,
	class retrypolicy.Class,
	d amqp.Delivery,
	store *jobstore.Store,
	disp *dispatch.Dispatcher,
	cancelSvc *cancel.Service,
	reporter *progress.Reporter,
	dlqHandler *dlq.Handler,
	reg *workload.Registry,
) {
	var m jobMsg
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Printf("class=%s bad message: %v", class, err)
		_ = d.Reject(false)
		return
	}

	job, err := store.Get(ctx, m.JobID)
	if err != nil {
		log.Printf("class=%s job=%s lookup failed: %v", class, m.JobID, err)
		_ = d.Reject(false)
		return
	}

	if cancelled, _ := cancelSvc.Check(ctx, job.ID); cancelled {
		if err := cancelSvc.Finalize(ctx, job.ID, "cancelled before start", job.Progress, job.Message); err == nil {
			emitTransitionEvent(ctx, reporter.Publisher(), store, job.ID, job.Status)
		}
		_ = d.Ack(false)
		return
	}

	prevStatus := job.Status
	if err := store.Transition(ctx, job.ID, jobstore.Running, "worker picked up", nil); err != nil {
		log.Printf("class=%s job=%s transition to running failed: %v", class, job.ID, err)
		_ = d.Reject(false)
		return
	}
	emitTransitionEvent(ctx, reporter.Publisher(), store, job.ID, prevStatus)

	handler, err := reg.Get(job.Class)
	if err != nil {
		log.Printf("class=%s job=%s no handler: %v", class, job.ID, err)
		_ = failJob(ctx, reporter.Publisher(), store, dlqHandler, job, err, job.Attempt)
		_ = d.Ack(false)
		return
	}

	policy := retrypolicy.For(job.Class)
	output, runErr, hardLimitHit := runWithLimits(ctx, policy, job, handler)

	if hardLimitHit {
		handleHardLimitExceeded(ctx, class, job, policy, store, disp, reporter, dlqHandler)
		_ = d.Ack(false)
		return
	}

	if runErr == nil {
		_ = reporter.Report(ctx, job.ID, 100, "completed", "", true)
		prevStatus := jobstore.Running
		if err := store.Transition(ctx, job.ID, jobstore.Completed, "handler succeeded", func(j *jobstore.Job) {
			j.Result = jobstore.JSONMap{"output": json.RawMessage(output)}
		}); err != nil {
			log.Printf("class=%s job=%s transition to completed failed: %v", class, job.ID, err)
		}
		emitTransitionEvent(ctx, reporter.Publisher(), store, job.ID, prevStatus)
		_ = d.Ack(false)
		return
	}

	if taxonomy.Classify(runErr) == taxonomy.Cancellation {
		if err := cancelSvc.Finalize(ctx, job.ID, "cancelled cooperatively", job.Progress, job.Message); err == nil {
			emitTransitionEvent(ctx, reporter.Publisher(), store, job.ID, jobstore.Running)
		}
		_ = d.Ack(false)
		return
	}

	send, reason := dlq.ShouldSendToDLQ(runErr, job.RetryCount, job.MaxRetries)
	if !send {
		delay := retrypolicy.Delay(policy, job.RetryCount, nil)
		prevStatus := jobstore.Running
		if err := store.Transition(ctx, job.ID, jobstore.Retrying, runErr.Error(), func(j *jobstore.Job) {
			j.ErrorMessage = runErr.Error()
		}); err != nil {
			log.Printf("class=%s job=%s transition to retrying failed: %v", class, job.ID, err)
		}
		emitTransitionEvent(ctx, reporter.Publisher(), store, job.ID, prevStatus)
		scheduleRetry(ctx, store, disp, reporter.Publisher(), job.ID, delay)
		_ = d.Ack(false)
		return
	}

	if err := failJob(ctx, reporter.Publisher(), store, dlqHandler, job, runErr, job.Attempt); err != nil {
		log.Printf("class=%s job=%s dlq send failed: %v", class, job.ID, err)
	}
	_ = reason
	_ = d.Ack(false)
}

// runWithLimits enforces both the soft and hard time limits from policy
// around a single handler invocation. The soft limit is the cooperative
// deadline handler bodies are expected to honor via ctx; the hard limit is
// the harness-enforced backstop for handlers that don't return promptly
// once soft-cancelled (spec.md §4.2/§7). Because a handler body can ignore
// ctx entirely, the call runs in a goroutine so the hard deadline can still
// be observed by the harness even if the handler never returns — the
// goroutine itself is abandoned (not killed) once that happens, matching
// Go's lack of preemptive goroutine cancellation.
func runWithLimits(ctx context.Context, policy retrypolicy.Policy, job *jobstore.Job, handler workload.Handler) (json.RawMessage, error, bool) {
	hardCtx, cancelHard := context.WithTimeout(ctx, policy.HardLimit)
	defer cancelHard()
	softCtx, cancelSoft := context.WithTimeout(hardCtx, policy.SoftLimit)
	defer cancelSoft()

	resultCh := make(chan handlerResult, 1)
	go func() {
		out, err := handler(softCtx, job)
		resultCh <- handlerResult{output: out, err: err}
	}()

	select {
	case res := <-resultCh:
		runErr := res.err
		// A soft-limit expiry surfaces to the handler as
		// context.DeadlineExceeded, which taxonomy.Classify would otherwise
		// treat as a generic retryable transient failure. Per spec.md §7, a
		// cooperative soft-limit interrupt is a cancellation, not a
		// transient error, so translate it here before it reaches
		// DLQ/retry classification.
		if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) && errors.Is(softCtx.Err(), context.DeadlineExceeded) {
			runErr = &taxonomy.Cancelled{JobID: job.ID, Reason: "soft time limit exceeded"}
		}
		return res.output, runErr, false
	case <-hardCtx.Done():
		log.Printf("job=%s hard time limit exceeded", job.ID)
		return nil, nil, true
	}
}

// handleHardLimitExceeded implements spec.md §7's hard-limit behavior: a
// job that blows through its hard time limit with attempts remaining is
// retried exactly like any other retryable failure; with none remaining it
// is DLQ'd and parked in the distinct Timeout terminal state (not Failed),
// so the state enum's timeout value is actually reachable and callers can
// tell a hard-limit kill apart from an ordinary handler error.
func handleHardLimitExceeded(
	ctx context.Context,
	class retrypolicy.Class,
	job *jobstore.Job,
	policy retrypolicy.Policy,
	store *jobstore.Store,
	disp *dispatch.Dispatcher,
	reporter *progress.Reporter,
	dlqHandler *dlq.Handler,
) {
	const msg = "hard time limit exceeded"

	if job.RetryCount < policy.MaxRetries {
		delay := retrypolicy.Delay(policy, job.RetryCount, nil)
		prevStatus := jobstore.Running
		if err := store.Transition(ctx, job.ID, jobstore.Retrying, msg, func(j *jobstore.Job) {
			j.ErrorMessage = msg
		}); err != nil {
			log.Printf("class=%s job=%s transition to retrying failed: %v", class, job.ID, err)
		}
		emitTransitionEvent(ctx, reporter.Publisher(), store, job.ID, prevStatus)
		scheduleRetry(ctx, store, disp, reporter.Publisher(), job.ID, delay)
		return
	}

	hardLimitErr := &taxonomy.ResourceExhausted{Msg: msg}
	if err := dlqHandler.Send(ctx, job, hardLimitErr, job.Attempt, dlq.ReasonMaxRetriesExceeded); err != nil {
		log.Printf("class=%s job=%s dlq send failed: %v", class, job.ID, err)
	}
	prevStatus := jobstore.Running
	if err := store.Transition(ctx, job.ID, jobstore.Timeout, msg, func(j *jobstore.Job) {
		j.ErrorType = "timeout"
		j.ErrorMessage = msg
		j.ErrorClassification = string(taxonomy.Fatal)
	}); err != nil {
		log.Printf("class=%s job=%s transition to timeout failed: %v", class, job.ID, err)
		return
	}
	emitTransitionEvent(ctx, reporter.Publisher(), store, job.ID, prevStatus)
}

// emitTransitionEvent re-reads jobID after a successful Transition (whose
// mutation happens on its own in-transaction copy, not on the caller's Job
// pointer) and publishes the resulting state change, if a Publisher is
// configured.
func emitTransitionEvent(ctx context.Context, pub *progress.Publisher, store *jobstore.Store, jobID string, from jobstore.Status) {
	if pub == nil {
		return
	}
	j, err := store.Get(ctx, jobID)
	if err != nil {
		return
	}
	_ = pub.Publish(ctx, progress.LifecycleEvent{
		JobID:          jobID,
		Status:         string(j.Status),
		PreviousStatus: string(from),
		Attempt:        j.Attempt,
		Progress:       j.Progress,
		ErrorCode:      j.ErrorType,
		ErrorMessage:   j.ErrorMessage,
	})
}

// scheduleRetry re-queues job id through the dispatcher after delay,
// matching the spec's full-jitter backoff without relying on a
// broker-native TTL+dead-letter retry queue: the in-process timer is
// sufficient since workers stay up for the lifetime of a retry window
// far shorter than a process restart cycle.
func scheduleRetry(ctx context.Context, store *jobstore.Store, disp *dispatch.Dispatcher, pub *progress.Publisher, jobID string, delay time.Duration) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		job, err := store.Get(ctx, jobID)
		if err != nil {
			log.Printf("job=%s retry lookup failed: %v", jobID, err)
			return
		}
		if err := disp.Republish(ctx, job, job.ErrorMessage); err != nil {
			log.Printf("job=%s retry republish failed: %v", jobID, err)
			return
		}
		if err := store.Transition(ctx, jobID, jobstore.Queued, "retry scheduled", nil); err != nil {
			log.Printf("job=%s retry transition failed: %v", jobID, err)
		}
		emitTransitionEvent(ctx, pub, store, jobID, jobstore.Retrying)
	}()
}

func failJob(ctx context.Context, pub *progress.Publisher, store *jobstore.Store, dlqHandler *dlq.Handler, job *jobstore.Job, runErr error, attempt int) error {
	_, reason := dlq.ShouldSendToDLQ(runErr, job.RetryCount, job.MaxRetries)
	if err := dlqHandler.Send(ctx, job, runErr, attempt, reason); err != nil {
		return err
	}
	md := taxonomy.Describe(runErr)
	// failJob is only ever reached after the job has already transitioned
	// to Running (handleDelivery does that before invoking the handler),
	// so the previous state is always Running regardless of what job's
	// stale in-memory copy (fetched before that transition) still shows.
	prevStatus := jobstore.Running
	if err := store.Transition(ctx, job.ID, jobstore.Failed, runErr.Error(), func(j *jobstore.Job) {
		j.ErrorType = md.ErrorType
		j.ErrorMessage = md.ErrorMessage
		j.ErrorClassification = string(md.ErrorClassification)
	}); err != nil {
		return err
	}
	emitTransitionEvent(ctx, pub, store, job.ID, prevStatus)
	return nil
}
