// Package queue is the at-least-once work queue: a Redis list for ready
// work items plus a sorted set for items carrying a countdown, fed by a
// transactional outbox in Postgres.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Task is the payload handed to the worker: which processing step to run on
// which job. Attempt counts queue-level redeliveries and only drives the
// backoff delay; the durable retry budget lives on the job row.
type Task struct {
	Kind    string `json:"kind"`
	JobID   uint64 `json:"jobId"`
	Attempt int    `json:"attempt,omitempty"`
}

const (
	readyKey = "work:queue"
	delayKey = "work:delay"
)

type Queue struct {
	rdb *r.Client
}

func New(rdb *r.Client) *Queue { return &Queue{rdb} }

// Enqueue pushes a task, deferred by the given countdown. Zero or negative
// countdowns make the task immediately available.
func (q *Queue) Enqueue(ctx context.Context, t Task, countdown time.Duration) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if countdown > 0 {
		due := time.Now().Add(countdown)
		return q.rdb.ZAdd(ctx, delayKey, r.Z{Score: float64(due.Unix()), Member: b}).Err()
	}
	return q.rdb.LPush(ctx, readyKey, b).Err()
}

// Dequeue blocks up to the given duration for the next ready task. Returns
// (nil, nil) when nothing became available.
func (q *Queue) Dequeue(ctx context.Context, block time.Duration) (*Task, error) {
	res, err := q.rdb.BRPop(ctx, block, readyKey).Result()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, nil
	}
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return nil, fmt.Errorf("decoding task payload: %w", err)
	}
	return &t, nil
}

// MoveDue moves tasks whose countdown has elapsed from the delay set to the
// ready list.
func (q *Queue) MoveDue(ctx context.Context, now time.Time, batch int64) error {
	members, err := q.rdb.ZRangeByScore(ctx, delayKey, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, m := range members {
		pipe.LPush(ctx, readyKey, m)
		pipe.ZRem(ctx, delayKey, m)
	}
	_, err = pipe.Exec(ctx)
	return err
}
