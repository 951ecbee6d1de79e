package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxItem is a pending enqueue, written in the same database transaction
// as the job state flip so the pair is atomic. Redis and Postgres share no
// transaction, so the relay below performs the actual enqueue afterwards;
// a crash between commit and enqueue means redelivery, never loss.
type OutboxItem struct {
	ID        uint64    `gorm:"primaryKey"`
	Kind      string    `gorm:"type:text;not null"`
	JobID     uint64    `gorm:"not null"`
	RunAt     time.Time `gorm:"index;not null"`
	CreatedAt time.Time `gorm:"not null;default:now()"`
}

// Relay moves committed outbox rows onto the Redis queue and shifts due
// delayed tasks to the ready list. Safe to run on several machines; a row
// relayed twice only causes a duplicate delivery, which the processor's
// state guards absorb.
type Relay struct {
	DB  *gorm.DB
	Q   *Queue
	Log *zap.Logger
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.runOnce(ctx); err != nil {
				r.Log.Warn("outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) runOnce(ctx context.Context) error {
	now := time.Now()
	if err := r.Q.MoveDue(ctx, now, 200); err != nil {
		return err
	}

	var items []OutboxItem
	if err := r.DB.WithContext(ctx).
		Order("id asc").
		Limit(200).
		Find(&items).Error; err != nil {
		return err
	}

	for _, item := range items {
		t := Task{Kind: item.Kind, JobID: item.JobID}
		if err := r.Q.Enqueue(ctx, t, time.Until(item.RunAt)); err != nil {
			// Leave the row in place; the next pass retries it.
			return err
		}
		if err := r.DB.WithContext(ctx).Delete(&OutboxItem{}, item.ID).Error; err != nil {
			return err
		}
	}
	return nil
}
