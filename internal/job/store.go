package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"postpone/internal/queue"
)

// ErrNotFound is returned for jobs that do not exist, are owned by another
// user, or are not in a state the operation allows.
var ErrNotFound = errors.New("job: not found")

// displayWindow is how long finished jobs stay visible in display queries.
const displayWindow = 60 * time.Minute

// Store is the gorm-backed job store. Every state transition runs in a
// transaction keyed on the job row so concurrent scans and redeliveries
// cannot both commit the same transition.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db} }

func (s *Store) CreateSend(ctx context.Context, j *SendJob) error {
	return s.db.WithContext(ctx).Create(j).Error
}

func (s *Store) CreateRemind(ctx context.Context, j *RemindJob) error {
	return s.db.WithContext(ctx).Create(j).Error
}

func (s *Store) GetSend(ctx context.Context, id uint64) (*SendJob, error) {
	var j SendJob
	if err := s.db.WithContext(ctx).First(&j, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &j, nil
}

func (s *Store) GetRemind(ctx context.Context, id uint64) (*RemindJob, error) {
	var j RemindJob
	if err := s.db.WithContext(ctx).First(&j, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &j, nil
}

// GetSendOwned loads a send job scoped to its owner.
func (s *Store) GetSendOwned(ctx context.Context, userID, id uint64) (*SendJob, error) {
	var j SendJob
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&j).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &j, nil
}

// GetRemindOwned loads a remind job scoped to its owner.
func (s *Store) GetRemindOwned(ctx context.Context, userID, id uint64) (*RemindJob, error) {
	var j RemindJob
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&j).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &j, nil
}

func (s *Store) PutSend(ctx context.Context, j *SendJob) error {
	return s.db.WithContext(ctx).Save(j).Error
}

func (s *Store) PutRemind(ctx context.Context, j *RemindJob) error {
	return s.db.WithContext(ctx).Save(j).Error
}

// DueSendJobs returns send jobs due at the given time: still scheduled and
// past their scheduled date.
func (s *Store) DueSendJobs(ctx context.Context, now time.Time) ([]*SendJob, error) {
	var jobs []*SendJob
	err := s.db.WithContext(ctx).
		Where("state = ? AND scheduled_at <= ?", StateScheduled, now).
		Find(&jobs).Error
	return jobs, err
}

// DueRemindJobs returns remind jobs due at the given time.
func (s *Store) DueRemindJobs(ctx context.Context, now time.Time) ([]*RemindJob, error) {
	var jobs []*RemindJob
	err := s.db.WithContext(ctx).
		Where("state = ? AND scheduled_at <= ?", StateScheduled, now).
		Find(&jobs).Error
	return jobs, err
}

// SendJobsForDisplay lists a user's send jobs that are still in flight, or
// finished within the display window.
func (s *Store) SendJobsForDisplay(ctx context.Context, userID uint64) ([]*SendJob, error) {
	shortlyAgo := time.Now().UTC().Add(-displayWindow)
	var jobs []*SendJob
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND (state IN ? OR (state = ? AND scheduled_at >= ?))",
			userID,
			[]State{StateScheduled, StateQueued, StateSent},
			StateDone, shortlyAgo).
		Order("scheduled_at asc").
		Find(&jobs).Error
	return jobs, err
}

// RemindJobsForDisplay lists a user's remind jobs scheduled no longer than
// the display window ago.
func (s *Store) RemindJobsForDisplay(ctx context.Context, userID uint64) ([]*RemindJob, error) {
	shortlyAgo := time.Now().UTC().Add(-displayWindow)
	var jobs []*RemindJob
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND scheduled_at >= ? AND state IN ?",
			userID, shortlyAgo,
			[]State{StateScheduled, StateQueued, StateChecking, StateDisabled}).
		Order("scheduled_at asc").
		Find(&jobs).Error
	return jobs, err
}

// DeleteSend removes a send job if it is in a deletable state. Any other
// state, a missing job, or another user's job report ErrNotFound.
func (s *Store) DeleteSend(ctx context.Context, userID, id uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j SendJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", id, userID).
			First(&j).Error
		if err != nil {
			return wrapNotFound(err)
		}
		if j.DeleteDecision() != DeleteAllowed {
			return ErrNotFound
		}
		return tx.Delete(&SendJob{}, j.ID).Error
	})
}

// DeleteRemind removes a remind job if deletable. Deletes in transient
// states (queued, checking, done) succeed without effect.
func (s *Store) DeleteRemind(ctx context.Context, userID, id uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j RemindJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", id, userID).
			First(&j).Error
		if err != nil {
			return wrapNotFound(err)
		}
		switch j.DeleteDecision() {
		case DeleteIgnored:
			return nil
		case DeleteAllowed:
			return tx.Delete(&RemindJob{}, j.ID).Error
		default:
			return ErrNotFound
		}
	})
}

// AddToQueue transitions a scheduled job to the target state and records
// the enqueue in the outbox, atomically. Jobs no longer in the scheduled
// state are left alone, which makes duplicate scan runs harmless.
func (s *Store) AddToQueue(ctx context.Context, kind Kind, jobID uint64, target State, countdown time.Duration) error {
	runAt := time.Now().Add(countdown)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state State
		var err error
		switch kind {
		case KindSend:
			var j SendJob
			if err = lockJob(tx, &j, jobID); err == nil {
				state = j.State
			}
		case KindRemind, KindCheckReply:
			var j RemindJob
			if err = lockJob(tx, &j, jobID); err == nil {
				state = j.State
			}
		default:
			return fmt.Errorf("job: unknown kind %q", kind)
		}
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if state != StateScheduled {
			// Raced with another scan or a user action; nothing to do.
			return nil
		}

		item := queue.OutboxItem{Kind: string(kind), JobID: jobID, RunAt: runAt}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}

		model := map[Kind]string{
			KindSend:       "send_jobs",
			KindRemind:     "remind_jobs",
			KindCheckReply: "remind_jobs",
		}[kind]
		return tx.Table(model).
			Where("id = ?", jobID).
			Updates(map[string]any{"state": target, "updated_at": time.Now()}).Error
	})
}

// RequeueStale re-issues queue deliveries for jobs that have sat in a
// transient state past the cutoff (lost redelivery, relay crash). The job
// state is left untouched; a duplicate delivery is absorbed by the
// processor's entry guards.
func (s *Store) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	count := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sends []SendJob
		err := tx.Where("state IN ? AND updated_at < ?",
			[]State{StateQueued, StateSent}, cutoff).
			Find(&sends).Error
		if err != nil {
			return err
		}
		for _, j := range sends {
			if err := requeueOne(tx, KindSend, "send_jobs", j.ID); err != nil {
				return err
			}
			count++
		}

		var reminds []RemindJob
		err = tx.Where("state IN ? AND updated_at < ?",
			[]State{StateQueued, StateChecking}, cutoff).
			Find(&reminds).Error
		if err != nil {
			return err
		}
		for _, j := range reminds {
			kind := KindRemind
			if j.State == StateChecking {
				kind = KindCheckReply
			}
			if err := requeueOne(tx, kind, "remind_jobs", j.ID); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func requeueOne(tx *gorm.DB, kind Kind, table string, id uint64) error {
	item := queue.OutboxItem{Kind: string(kind), JobID: id, RunAt: time.Now()}
	if err := tx.Create(&item).Error; err != nil {
		return err
	}
	// Touch updated_at so the job is not picked up again next pass.
	return tx.Table(table).
		Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

func lockJob(tx *gorm.DB, dest any, id uint64) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(dest, id).Error
	return wrapNotFound(err)
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
