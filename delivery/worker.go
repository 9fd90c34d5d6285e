// Package delivery drains the delivery queue. Any number of workers, in any
// number of processes, may run against the same datastore; row locks taken with
// SKIP LOCKED keep them off each other's tasks.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"newsletter-backend/database"
	"newsletter-backend/emailclient"
	"newsletter-backend/metrics"
	"newsletter-backend/models"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrWorkerFatal stops Run when the datastore is unreachable.
var ErrWorkerFatal = errors.New("delivery worker lost the datastore")

type ExecutionOutcome int

const (
	TaskCompleted ExecutionOutcome = iota
	EmptyQueue
)

func (o ExecutionOutcome) String() string {
	switch o {
	case TaskCompleted:
		return "task_completed"
	case EmptyQueue:
		return "empty_queue"
	default:
		return fmt.Sprintf("ExecutionOutcome(%d)", int(o))
	}
}

// Sender delivers one email. *emailclient.Client implements it.
type Sender interface {
	Send(ctx context.Context, email emailclient.Email) error
}

type result int

const (
	resultEmpty result = iota
	resultDelivered
	resultDropped
	resultDeferred
)

const (
	defaultIdleInterval  = 10 * time.Second
	defaultRetryInterval = time.Second
	pingTimeout          = 5 * time.Second
)

type Worker struct {
	store    database.Store
	sender   Sender
	log      *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate

	idleInterval  time.Duration
	retryInterval time.Duration

	// sweep is the last task whose send failed in the current pass. Claims
	// start after it so a failing recipient cannot hold up the rest.
	mu    sync.Mutex
	sweep *models.DeliveryTask
}

type Option func(*Worker)

func WithLogger(log *zap.Logger) Option {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithIdleInterval sets the pause after a poll finds the queue empty.
func WithIdleInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.idleInterval = d
		}
	}
}

// WithRetryInterval sets the pause after a send failed or the datastore
// hiccuped, so a dead mail API does not turn the loop into a hot spin.
func WithRetryInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.retryInterval = d
		}
	}
}

func NewWorker(store database.Store, sender Sender, opts ...Option) *Worker {
	w := &Worker{
		store:         store,
		sender:        sender,
		log:           zap.NewNop(),
		validate:      validator.New(),
		idleInterval:  defaultIdleInterval,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Named("delivery")
	return w
}

// TryExecuteTask claims the oldest unlocked task and tries to deliver it, all
// in one transaction. Delivered and undeliverable tasks are deleted; tasks whose
// send failed stay queued and are retried once the pass has reached the end of
// the queue. Errors are datastore errors only.
func (w *Worker) TryExecuteTask(ctx context.Context) (ExecutionOutcome, error) {
	res, err := w.execute(ctx)
	if err != nil {
		return TaskCompleted, err
	}
	if res == resultEmpty {
		return EmptyQueue, nil
	}
	return TaskCompleted, nil
}

func (w *Worker) execute(ctx context.Context) (res result, err error) {
	started := time.Now()

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return resultEmpty, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		// Rollback is a no-op once committed; for deferred tasks it releases the row lock.
		_ = tx.Rollback()
	}()

	task, err := w.claim(ctx, tx)
	if errors.Is(err, database.ErrNotFound) {
		w.metrics.EmptyPoll()
		return resultEmpty, nil
	}
	if err != nil {
		return resultEmpty, fmt.Errorf("claim task: %w", err)
	}

	log := w.log.With(
		zap.String("newsletter_issue_id", task.NewsletterIssueID.String()),
		zap.String("recipient", task.RecipientEmail))

	res = w.deliver(ctx, tx, task, log)
	if res == resultDeferred {
		w.setSweep(task)
		w.metrics.Delivery(metrics.DeliveryDeferred, time.Since(started))
		return res, nil
	}

	if err := tx.DeleteDelivery(ctx, task); err != nil {
		return res, fmt.Errorf("delete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}

	outcome := metrics.DeliveryDelivered
	if res == resultDropped {
		outcome = metrics.DeliveryDropped
	}
	w.metrics.Delivery(outcome, time.Since(started))
	return res, nil
}

// claim picks up the next task of the current pass, starting a new pass from
// the head of the queue when the previous one ran out.
func (w *Worker) claim(ctx context.Context, tx database.Tx) (*models.DeliveryTask, error) {
	w.mu.Lock()
	after := w.sweep
	w.mu.Unlock()

	task, err := tx.NextDelivery(ctx, after)
	if after == nil || !errors.Is(err, database.ErrNotFound) {
		return task, err
	}
	w.setSweep(nil)
	return tx.NextDelivery(ctx, nil)
}

func (w *Worker) setSweep(task *models.DeliveryTask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if task == nil {
		w.sweep = nil
		return
	}
	t := *task
	w.sweep = &t
}

func (w *Worker) deliver(ctx context.Context, tx database.Tx, task *models.DeliveryTask, log *zap.Logger) result {
	if err := w.validate.Var(task.RecipientEmail, "required,email"); err != nil {
		log.Warn("skipping a confirmed subscriber, stored email is invalid", zap.Error(err))
		return resultDropped
	}

	issue, err := tx.Issue(ctx, task.NewsletterIssueID)
	if err != nil {
		log.Error("dropping delivery task, newsletter issue is missing", zap.Error(err))
		return resultDropped
	}

	err = w.sender.Send(ctx, emailclient.Email{
		Recipient: task.RecipientEmail,
		Subject:   issue.Title,
		HTMLBody:  issue.HTMLBody,
		TextBody:  issue.TextBody,
	})
	if err != nil {
		log.Warn("failed to deliver issue to a confirmed subscriber, will retry", zap.Error(err))
		return resultDeferred
	}
	return resultDelivered
}

// Run drains the queue until ctx is cancelled, which returns nil. It returns an
// error wrapping ErrWorkerFatal when the datastore stops answering.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("delivery worker started",
		zap.Duration("idle_interval", w.idleInterval),
		zap.Duration("retry_interval", w.retryInterval))

	for {
		if ctx.Err() != nil {
			w.log.Info("delivery worker stopped")
			return nil
		}

		res, err := w.execute(ctx)
		var pause time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case err != nil:
			if pingErr := w.ping(ctx); pingErr != nil {
				if ctx.Err() != nil {
					continue
				}
				w.log.Error("datastore unreachable, stopping delivery worker", zap.Error(err), zap.NamedError("ping_error", pingErr))
				return fmt.Errorf("%w: %w", ErrWorkerFatal, err)
			}
			w.log.Error("delivery task failed", zap.Error(err))
			pause = w.retryInterval
		case res == resultEmpty:
			pause = w.idleInterval
		case res == resultDeferred:
			pause = w.retryInterval
		}

		if pause > 0 && !sleep(ctx, pause) {
			w.log.Info("delivery worker stopped")
			return nil
		}
	}
}

func (w *Worker) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return w.store.Ping(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
