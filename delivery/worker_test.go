package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"newsletter-backend/database"
	"newsletter-backend/database/memory"
	"newsletter-backend/emailclient"
	"newsletter-backend/metrics"
	"newsletter-backend/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeSender records sends. It fails while failures > 0, and always for
// recipients listed in refuse.
type fakeSender struct {
	mu       sync.Mutex
	sent     []emailclient.Email
	failures int
	refuse   map[string]bool
	attempts map[string]int
	block    chan struct{}
	entered  chan string
}

func (f *fakeSender) Send(ctx context.Context, email emailclient.Email) error {
	if f.entered != nil {
		f.entered <- email.Recipient
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[email.Recipient]++
	if f.refuse[email.Recipient] {
		return emailclient.ErrTransport
	}
	if f.failures > 0 {
		f.failures--
		return emailclient.ErrTransport
	}
	f.sent = append(f.sent, email)
	return nil
}

func (f *fakeSender) Sent() []emailclient.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emailclient.Email(nil), f.sent...)
}

func publish(t *testing.T, store *memory.Store, recipients ...string) models.NewsletterIssue {
	t.Helper()
	issue := models.NewsletterIssue{Title: "Issue #1", TextBody: "Hello", HTMLBody: "<p>Hello</p>"}
	err := database.WithTx(context.Background(), store, func(tx database.Tx) error {
		if err := tx.CreateIssue(context.Background(), &issue); err != nil {
			return err
		}
		now := time.Now()
		tasks := make([]models.DeliveryTask, 0, len(recipients))
		for i, r := range recipients {
			tasks = append(tasks, models.DeliveryTask{
				NewsletterIssueID: issue.ID,
				RecipientEmail:    r,
				EnqueuedAt:        now.Add(time.Duration(i) * time.Millisecond),
			})
		}
		_, err := tx.EnqueueDeliveries(context.Background(), tasks)
		return err
	})
	require.NoError(t, err)
	return issue
}

func TestTryExecuteTaskOnEmptyQueue(t *testing.T) {
	sender := &fakeSender{}
	w := NewWorker(memory.New(), sender)

	outcome, err := w.TryExecuteTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EmptyQueue, outcome)
	assert.Empty(t, sender.Sent())
}

func TestWorkerDeliversEveryTask(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	issue := publish(t, store, "a@example.com", "b@example.com", "c@example.com")
	require.Len(t, store.Tasks(), 3)

	sender := &fakeSender{}
	m := metrics.New("test")
	w := NewWorker(store, sender, WithMetrics(m))

	for i := 0; i < 3; i++ {
		outcome, err := w.TryExecuteTask(ctx)
		require.NoError(t, err)
		assert.Equal(t, TaskCompleted, outcome)
	}
	assert.Empty(t, store.Tasks())

	sent := sender.Sent()
	require.Len(t, sent, 3)
	for i, email := range sent {
		assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}[i], email.Recipient)
		assert.Equal(t, issue.Title, email.Subject)
		assert.Equal(t, issue.TextBody, email.TextBody)
		assert.Equal(t, issue.HTMLBody, email.HTMLBody)
	}

	outcome, err := w.TryExecuteTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, EmptyQueue, outcome)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Deliveries().WithLabelValues(metrics.DeliveryDelivered)))
}

func TestTransportFailureKeepsTaskQueued(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	publish(t, store, "a@example.com", "b@example.com")

	core, logs := observer.New(zapcore.WarnLevel)
	sender := &fakeSender{failures: 1}
	w := NewWorker(store, sender, WithLogger(zap.New(core)))

	outcome, err := w.TryExecuteTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, outcome)
	assert.Len(t, store.Tasks(), 2)
	assert.Empty(t, sender.Sent())
	entries := logs.FilterMessageSnippet("will retry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "a@example.com", entries[0].ContextMap()["recipient"])

	// Drain until empty; the failed task is picked up again.
	for i := 0; i < 10; i++ {
		outcome, err = w.TryExecuteTask(ctx)
		require.NoError(t, err)
		if outcome == EmptyQueue {
			break
		}
	}
	assert.Equal(t, EmptyQueue, outcome)
	assert.Empty(t, store.Tasks())

	// b@ goes out before the failed task is retried.
	sent := sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "b@example.com", sent[0].Recipient)
	assert.Equal(t, "a@example.com", sent[1].Recipient)
}

func TestFailingRecipientDoesNotBlockTheQueue(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	publish(t, store, "a@example.com", "b@example.com", "c@example.com")

	sender := &fakeSender{refuse: map[string]bool{"a@example.com": true}}
	w := NewWorker(store, sender)

	for i := 0; i < 3; i++ {
		outcome, err := w.TryExecuteTask(ctx)
		require.NoError(t, err)
		assert.Equal(t, TaskCompleted, outcome)
	}

	sent := sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "b@example.com", sent[0].Recipient)
	assert.Equal(t, "c@example.com", sent[1].Recipient)

	tasks := store.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "a@example.com", tasks[0].RecipientEmail)

	// The next pass starts over from the head of the queue.
	outcome, err := w.TryExecuteTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, outcome)
	assert.Equal(t, 2, sender.attempts["a@example.com"])
	assert.Len(t, store.Tasks(), 1)
}

func TestRunKeepsDeliveringPastAFailingRecipient(t *testing.T) {
	store := memory.New()
	publish(t, store, "a@example.com", "b@example.com", "c@example.com")
	sender := &fakeSender{refuse: map[string]bool{"a@example.com": true}}
	w := NewWorker(store, sender, WithRetryInterval(time.Millisecond), WithIdleInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sender.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Len(t, store.Tasks(), 1)
}

func TestMalformedAddressIsDroppedWithoutSending(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	publish(t, store, "definitely-not-an-email")

	core, logs := observer.New(zapcore.WarnLevel)
	sender := &fakeSender{failures: 100}
	m := metrics.New("test")
	w := NewWorker(store, sender, WithLogger(zap.New(core)), WithMetrics(m))

	outcome, err := w.TryExecuteTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, outcome)
	assert.Empty(t, store.Tasks())
	assert.Equal(t, 100, sender.failures)

	entries := logs.FilterMessageSnippet("stored email is invalid").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "definitely-not-an-email", entries[0].ContextMap()["recipient"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries().WithLabelValues(metrics.DeliveryDropped)))
}

func TestConcurrentWorkersSkipLockedTasks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	publish(t, store, "a@example.com", "b@example.com")

	slow := &fakeSender{block: make(chan struct{}), entered: make(chan string, 1)}
	first := NewWorker(store, slow)
	done := make(chan error, 1)
	go func() {
		_, err := first.TryExecuteTask(ctx)
		done <- err
	}()
	require.Equal(t, "a@example.com", <-slow.entered)

	fast := &fakeSender{}
	second := NewWorker(store, fast)
	outcome, err := second.TryExecuteTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, outcome)
	require.Len(t, fast.Sent(), 1)
	assert.Equal(t, "b@example.com", fast.Sent()[0].Recipient)

	outcome, err = second.TryExecuteTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, EmptyQueue, outcome, "the in-flight task must stay invisible")

	close(slow.block)
	require.NoError(t, <-done)
	assert.Empty(t, store.Tasks())
}

func TestFailedCommitKeepsTask(t *testing.T) {
	store := memory.New()
	publish(t, store, "a@example.com")
	store.FailCommits(errors.New("connection reset"))

	w := NewWorker(store, &fakeSender{})
	_, err := w.TryExecuteTask(context.Background())
	require.Error(t, err)
	assert.Len(t, store.Tasks(), 1)
}

func TestRunDrainsQueueAndStopsOnCancel(t *testing.T) {
	store := memory.New()
	publish(t, store, "a@example.com", "b@example.com", "c@example.com")
	sender := &fakeSender{}
	w := NewWorker(store, sender, WithIdleInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(store.Tasks()) == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Len(t, sender.Sent(), 3)
}

func TestRunRetriesAfterTransportFailure(t *testing.T) {
	store := memory.New()
	publish(t, store, "a@example.com")
	sender := &fakeSender{failures: 2}
	w := NewWorker(store, sender, WithIdleInterval(5*time.Millisecond), WithRetryInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sender.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, store.Tasks())
	cancel()
	assert.NoError(t, <-done)
}

func TestRunIsFatalWhenDatastoreIsGone(t *testing.T) {
	store := memory.New()
	store.FailBegin(errors.New("connection refused"))
	store.FailPing(errors.New("connection refused"))
	w := NewWorker(store, &fakeSender{})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrWorkerFatal)
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept spinning without a datastore")
	}
}

func TestRunSurvivesTransientDatastoreError(t *testing.T) {
	store := memory.New()
	store.FailBegin(errors.New("too many connections"))
	w := NewWorker(store, &fakeSender{}, WithRetryInterval(time.Millisecond), WithIdleInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	store.FailBegin(nil)
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
