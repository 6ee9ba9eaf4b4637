package jobstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the GORM-backed job repository, the direct generalization of
// the teacher's chat.Repo: a *gorm.DB held by value, WithContext
// everywhere, Updates(map[string]any{...}) for partial column writes.
type Store struct {
	db *gorm.DB
}

// New wraps db for job persistence. Callers are expected to have already
// run AutoMigrate(&Job{}, &AuditEntry{}).
func New(db *gorm.DB) *Store { return &Store{db: db} }

// Create inserts a new job, defaulting an empty Status to Pending.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = Pending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// Get loads a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// Transition moves job id from its current state to `to`, enforcing the
// allowed-transition graph and terminal-state stickiness under a
// row lock (clause.Locking{Strength: "UPDATE"}, the Go analogue of
// SELECT ... FOR UPDATE), writing an AuditEntry in the same transaction.
func (s *Store) Transition(ctx context.Context, id string, to Status, reason string, mutate func(j *Job)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&j, "id = ?", id).Error; err != nil {
			return err
		}

		if err := CanTransition(j.Status, to); err != nil {
			return err
		}

		from := j.Status
		j.Status = to
		now := time.Now()
		switch to {
		case Running:
			if j.StartedAt == nil {
				j.StartedAt = &now
			}
			// Every pickup is a new attempt, so Attempt goes 1 on the
			// first try, 2 on the first retry's try, and so on.
			j.Attempt++
		case Retrying:
			// retry_count is distinct from Attempt: only a scheduled
			// retry bumps it, per spec.md §3/§4.7.2.
			j.RetryCount++
		case Completed, Failed, Cancelled, Timeout:
			j.FinishedAt = &now
		}
		if mutate != nil {
			mutate(&j)
		}

		if err := tx.Save(&j).Error; err != nil {
			return err
		}

		entry := AuditEntry{
			JobID:     id,
			FromState: string(from),
			ToState:   string(to),
			Reason:    reason,
		}
		return tx.Create(&entry).Error
	})
}

// ErrNonMonotonicProgress is returned when a progress update would move
// the recorded percentage backwards.
var ErrNonMonotonicProgress = errors.New("jobstore: progress must be monotonic")

// UpdateProgress applies a monotonic progress update (percent must be >=
// the currently stored value) plus the latest step/message, under a row
// lock. Terminal jobs silently ignore progress updates rather than error,
// since a lagging worker message arriving after cancellation/completion
// is expected, not exceptional.
func (s *Store) UpdateProgress(ctx context.Context, id string, percent int, step, message string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&j, "id = ?", id).Error; err != nil {
			return err
		}
		if IsTerminal(j.Status) {
			return nil
		}
		if percent < j.Progress {
			return ErrNonMonotonicProgress
		}
		updates := map[string]any{"progress": percent}
		if step != "" {
			updates["step"] = step
		}
		if message != "" {
			updates["message"] = message
		}
		return tx.Model(&Job{}).Where("id = ?", id).Updates(updates).Error
	})
}

// MarkCancelRequested flips the cancel_requested flag and writes an audit
// entry, without itself transitioning status (the worker body observes
// the flag cooperatively and transitions via Transition once it stops).
// Idempotent on jobs already in a terminal state: returns nil without
// writing, matching the source's "cancelling a finished job is a no-op".
func (s *Store) MarkCancelRequested(ctx context.Context, id, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&j, "id = ?", id).Error; err != nil {
			return err
		}
		if IsTerminal(j.Status) {
			return nil
		}
		if err := tx.Model(&Job{}).Where("id = ?", id).Update("cancel_requested", true).Error; err != nil {
			return err
		}
		entry := AuditEntry{
			JobID:     id,
			FromState: string(j.Status),
			ToState:   string(j.Status),
			Reason:    "cancel_requested: " + reason,
		}
		return tx.Create(&entry).Error
	})
}

// IsCancelRequested reports the persisted cancel_requested flag, used as
// the DB-fallback path by the cancellation service when its cache is
// unavailable or missed.
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var j Job
	if err := s.db.WithContext(ctx).Select("cancel_requested").First(&j, "id = ?", id).Error; err != nil {
		return false, err
	}
	return j.CancelRequested, nil
}
