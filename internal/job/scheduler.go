package job

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Spreading constants: within one user's backlog, every bucketSize jobs get
// an extra bucketMargin of countdown so a single user cannot flood the mail
// provider with simultaneous connections. Distinct users are not delayed
// relative to each other.
const (
	bucketSize   = 10
	bucketMargin = 30 * time.Second
)

// staleAfter is how long a job may sit in a transient state before the
// scan re-issues its queue delivery.
const staleAfter = 30 * time.Minute

// SchedulerStore is the slice of the job store the due scanner needs.
type SchedulerStore interface {
	DueSendJobs(ctx context.Context, now time.Time) ([]*SendJob, error)
	DueRemindJobs(ctx context.Context, now time.Time) ([]*RemindJob, error)
	AddToQueue(ctx context.Context, kind Kind, jobID uint64, target State, countdown time.Duration) error
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Scheduler scans for due jobs and hands them to the queue, spread over
// time buckets per user. It holds no state; a run may overlap a previous
// one or run on another machine, the store's transactional precondition
// keeps that safe.
type Scheduler struct {
	Store SchedulerStore
	Log   *zap.Logger
}

type dueRef struct {
	Kind   Kind
	ID     uint64
	UserID uint64
}

type spreadRef struct {
	dueRef
	Countdown time.Duration
}

// RunDueScan queries both job kinds for due jobs and enqueues each with its
// spread countdown. Enqueue failures are logged and skipped; the job stays
// scheduled and the next scan picks it up again.
func (s *Scheduler) RunDueScan(ctx context.Context, now time.Time) error {
	sendJobs, err := s.Store.DueSendJobs(ctx, now)
	if err != nil {
		return err
	}
	remindJobs, err := s.Store.DueRemindJobs(ctx, now)
	if err != nil {
		return err
	}

	if n, err := s.Store.RequeueStale(ctx, now.Add(-staleAfter)); err != nil {
		s.Log.Warn("stale requeue failed", zap.Error(err))
	} else if n > 0 {
		s.Log.Info("requeued stale jobs", zap.Int("count", n))
	}

	refs := make([]dueRef, 0, len(sendJobs)+len(remindJobs))
	for _, j := range sendJobs {
		refs = append(refs, dueRef{Kind: KindSend, ID: j.ID, UserID: j.UserID})
	}
	for _, j := range remindJobs {
		refs = append(refs, dueRef{Kind: KindRemind, ID: j.ID, UserID: j.UserID})
	}
	if len(refs) == 0 {
		return nil
	}
	s.Log.Info("due scan", zap.Int("send", len(sendJobs)), zap.Int("remind", len(remindJobs)))

	for _, ref := range spreadUserJobs(refs, bucketSize, bucketMargin) {
		err := s.Store.AddToQueue(ctx, ref.Kind, ref.ID, StateQueued, ref.Countdown)
		if err != nil {
			s.Log.Warn("enqueue failed",
				zap.String("kind", string(ref.Kind)),
				zap.Uint64("job_id", ref.ID),
				zap.Error(err))
		}
	}
	return nil
}

// spreadUserJobs assigns each job a countdown: jobs are grouped by user and
// bucketed in stable order; bucket k waits k*margin. Bucket numbering
// restarts for every user.
func spreadUserJobs(refs []dueRef, size int, margin time.Duration) []spreadRef {
	sorted := make([]dueRef, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})

	out := make([]spreadRef, 0, len(sorted))
	var lastUser uint64
	num := 0
	for i, ref := range sorted {
		if i == 0 || ref.UserID != lastUser {
			lastUser = ref.UserID
			num = 0
		}
		out = append(out, spreadRef{
			dueRef:    ref,
			Countdown: time.Duration(num/size) * margin,
		})
		num++
	}
	return out
}
