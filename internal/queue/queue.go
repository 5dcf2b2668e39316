package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/codeframe/api/internal/database"
	"github.com/codeframe/api/internal/models"
)

const (
	streamName   = "CODEFRAME"
	taskSubject  = "codeframe.tasks.cluster"
	consumerName = "cluster-workers"

	// MaxAttempts is the per-task retry budget, including the first delivery
	MaxAttempts = 3
	// baseBackoff doubles per redelivery: 2s, 4s, 8s
	baseBackoff = 2 * time.Second

	// ackWait must exceed the worker's longest external call
	ackWait = 5 * time.Minute

	dedupWindow = 10 * time.Minute
	doneKeyTTL  = 24 * time.Hour
)

// Handler processes one cluster task. attempt is 1-based; final marks the
// last delivery, after which the task will not be retried. A non-nil error
// on a non-final attempt triggers redelivery with backoff.
type Handler func(ctx context.Context, task models.ClusterTask, attempt int, final bool) error

// Queue is a durable, at-least-once background task runner backed by a NATS
// JetStream work-queue stream. Retry bookkeeping (attempt counts, backoff,
// publish dedup) lives here; business logic only reacts to final failure.
type Queue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	rdb    *database.Redis
	logger *zap.Logger
}

// Connect dials NATS and ensures the task stream exists
func Connect(url string, rdb *database.Redis, logger *zap.Logger) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	q := &Queue{nc: nc, js: js, rdb: rdb, logger: logger}
	if err := q.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{taskSubject},
		Retention:  nats.WorkQueuePolicy,
		Duplicates: dedupWindow,
		Storage:    nats.FileStorage,
	}
	_, err := q.js.AddStream(cfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = q.js.UpdateStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	return nil
}

// EnqueueClusterTask publishes one task. The message id makes re-publishing
// the same (generation, cluster) pair a no-op inside the dedup window.
func (q *Queue) EnqueueClusterTask(ctx context.Context, task models.ClusterTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("%s-%d", task.GenerationID, task.ClusterID)
	_, err = q.js.Publish(taskSubject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("enqueue cluster task %s: %w", msgID, err)
	}
	return nil
}

// ConsumeClusterTasks starts n worker goroutines pulling from the durable
// consumer. It returns after the workers are running; they stop when ctx ends.
func (q *Queue) ConsumeClusterTasks(ctx context.Context, n int, handler Handler) error {
	sub, err := q.js.PullSubscribe(taskSubject, consumerName,
		nats.BindStream(streamName),
		nats.AckExplicit(),
		nats.MaxDeliver(MaxAttempts),
		nats.AckWait(ackWait),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", consumerName, err)
	}

	for i := 0; i < n; i++ {
		go q.workerLoop(ctx, sub, handler)
	}
	q.logger.Info("cluster task consumers started", zap.Int("workers", n))
	return nil
}

func (q *Queue) workerLoop(ctx context.Context, sub *nats.Subscription, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("fetch cluster task failed", zap.Error(err))
			continue
		}
		for _, msg := range msgs {
			q.dispatch(ctx, msg, handler)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, msg *nats.Msg, handler Handler) {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	final := attempt >= MaxAttempts

	var task models.ClusterTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		// Malformed payloads can never succeed; drop them.
		q.logger.Error("dropping malformed cluster task", zap.Error(err))
		_ = msg.Term()
		return
	}

	if done, err := q.isDone(ctx, task); err == nil && done {
		q.logger.Info("skipping already-completed cluster task",
			zap.String("generation_id", task.GenerationID.String()),
			zap.Int("cluster_id", task.ClusterID),
		)
		_ = msg.Ack()
		return
	}

	err := q.runSafely(ctx, handler, task, attempt, final)
	if err == nil {
		if markErr := q.markDone(ctx, task); markErr != nil {
			q.logger.Warn("failed to mark task done", zap.Error(markErr))
		}
		_ = msg.Ack()
		return
	}

	if final {
		// The handler has already recorded the terminal failure.
		q.logger.Error("cluster task failed permanently",
			zap.String("generation_id", task.GenerationID.String()),
			zap.Int("cluster_id", task.ClusterID),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		_ = msg.Ack()
		return
	}

	delay := BackoffFor(attempt)
	q.logger.Warn("cluster task failed, scheduling retry",
		zap.String("generation_id", task.GenerationID.String()),
		zap.Int("cluster_id", task.ClusterID),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	_ = msg.NakWithDelay(delay)
}

func (q *Queue) runSafely(ctx context.Context, handler Handler, task models.ClusterTask, attempt int, final bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
			q.logger.Error("cluster task handler panicked",
				zap.String("generation_id", task.GenerationID.String()),
				zap.Int("cluster_id", task.ClusterID),
				zap.Any("panic", r),
			)
		}
	}()
	return handler(ctx, task, attempt, final)
}

// BackoffFor returns the redelivery delay after a given 1-based attempt
func BackoffFor(attempt int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func doneKey(task models.ClusterTask) string {
	return fmt.Sprintf("codeframe:task:done:%s:%d", task.GenerationID, task.ClusterID)
}

func (q *Queue) markDone(ctx context.Context, task models.ClusterTask) error {
	return q.rdb.Client().Set(ctx, doneKey(task), 1, doneKeyTTL).Err()
}

func (q *Queue) isDone(ctx context.Context, task models.ClusterTask) (bool, error) {
	n, err := q.rdb.Client().Exists(ctx, doneKey(task)).Result()
	return n > 0, err
}

// Connected reports whether the NATS connection is currently up
func (q *Queue) Connected() bool {
	return q.nc != nil && q.nc.IsConnected()
}

// Close drains the connection
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}
