package database

import (
	"context"
	"errors"

	"newsletter-backend/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the datastore shared by the HTTP handlers and the delivery workers.
// Every write goes through a Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// SavedResponse reads a committed claim outside of any transaction.
	SavedResponse(ctx context.Context, principal uuid.UUID, key string) (*models.IdempotencyClaim, error)
	Ping(ctx context.Context) error
}

// Tx is one open datastore transaction. Rollback after Commit is a no-op so it
// can always be deferred.
type Tx interface {
	// InsertClaim inserts a claim without a response. It reports false when a
	// claim for the same (principal, key) already exists. While another open
	// transaction holds an uncommitted claim on the same key the call blocks
	// until that transaction ends.
	InsertClaim(ctx context.Context, claim *models.IdempotencyClaim) (bool, error)
	// SaveResponse attaches the response columns of claim to the claim row
	// inserted by this transaction.
	SaveResponse(ctx context.Context, claim *models.IdempotencyClaim) error

	CreateIssue(ctx context.Context, issue *models.NewsletterIssue) error
	Issue(ctx context.Context, id uuid.UUID) (*models.NewsletterIssue, error)
	ConfirmedSubscriberEmails(ctx context.Context) ([]string, error)
	// EnqueueDeliveries inserts tasks, skipping (issue, recipient) pairs that are
	// already queued, and returns how many rows were inserted.
	EnqueueDeliveries(ctx context.Context, tasks []models.DeliveryTask) (int64, error)
	// NextDelivery locks the oldest queued task not locked by another
	// transaction. When after is set, only tasks queued after it count, so a
	// sweep can move past tasks it already tried. It returns ErrNotFound when
	// no such task exists.
	NextDelivery(ctx context.Context, after *models.DeliveryTask) (*models.DeliveryTask, error)
	DeleteDelivery(ctx context.Context, task *models.DeliveryTask) error
	// CountDeliveries counts queued tasks of one issue, or of all issues when
	// issueID is uuid.Nil.
	CountDeliveries(ctx context.Context, issueID uuid.UUID) (int64, error)

	CreateSubscriber(ctx context.Context, subscriber *models.Subscriber) error
	SubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	StoreToken(ctx context.Context, token *models.SubscriptionToken) error
	SubscriberIDByToken(ctx context.Context, token string) (uuid.UUID, error)
	ConfirmSubscriber(ctx context.Context, id uuid.UUID) error
	DeleteSubscriber(ctx context.Context, id uuid.UUID) error

	UserByEmail(ctx context.Context, email string) (*models.User, error)
	// SaveUser inserts user or, when the email is taken, updates its password and name.
	SaveUser(ctx context.Context, user *models.User) error

	Commit() error
	Rollback() error
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func WithTx(ctx context.Context, store Store, fn func(tx Tx) error) (err error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}
