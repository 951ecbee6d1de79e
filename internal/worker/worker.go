// Package worker consumes the Redis work queue and drives the job
// processor. Redelivery on failure uses a capped exponential backoff; the
// durable retry budget itself lives on the job and is enforced by the
// processor.
package worker

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"postpone/internal/queue"
)

const (
	popTimeout    = 2 * time.Second
	maxBackoffSec = 600
)

// Handler processes one task. A non-nil error asks for redelivery; nil
// means the task is absorbed and must not be delivered again.
type Handler interface {
	Handle(ctx context.Context, t queue.Task) error
}

type Worker struct {
	Q           *queue.Queue
	H           Handler
	Log         *zap.Logger
	Concurrency int
}

// Run consumes tasks until ctx is cancelled, with Concurrency parallel
// consumers.
func (w *Worker) Run(ctx context.Context) {
	n := w.Concurrency
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := w.Q.Dequeue(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Log.Warn("dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if t == nil {
			continue
		}
		w.handle(ctx, *t)
	}
}

func (w *Worker) handle(ctx context.Context, t queue.Task) {
	err := w.H.Handle(ctx, t)
	if err == nil {
		return
	}

	t.Attempt++
	delay := backoffDelay(t.Attempt)
	w.Log.Info("redelivering task",
		zap.String("kind", t.Kind),
		zap.Uint64("job_id", t.JobID),
		zap.Int("attempt", t.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
	if qerr := w.Q.Enqueue(ctx, t, delay); qerr != nil {
		// The task is lost from Redis but the job row still holds its
		// state; the next due scan or reconcile pass picks it up.
		w.Log.Error("redelivery enqueue failed",
			zap.String("kind", t.Kind),
			zap.Uint64("job_id", t.JobID),
			zap.Error(qerr))
	}
}

func backoffDelay(attempt int) time.Duration {
	sec := math.Min(math.Pow(2, float64(attempt)), maxBackoffSec)
	return time.Duration(sec) * time.Second
}
