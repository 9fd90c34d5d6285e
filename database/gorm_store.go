package database

import (
	"context"
	"errors"
	"fmt"

	"newsletter-backend/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Begin(ctx context.Context) (Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	return &gormTx{db: tx}, nil
}

func (s *GormStore) SavedResponse(ctx context.Context, principal uuid.UUID, key string) (*models.IdempotencyClaim, error) {
	var claim models.IdempotencyClaim
	err := s.db.WithContext(ctx).
		Where("principal_id = ? AND idempotency_key = ?", principal, key).
		Take(&claim).Error
	if err != nil {
		return nil, translate(err)
	}
	return &claim, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type gormTx struct {
	db   *gorm.DB
	done bool
}

func (t *gormTx) InsertClaim(ctx context.Context, claim *models.IdempotencyClaim) (bool, error) {
	// Postgres blocks this insert while a concurrent transaction holds an
	// uncommitted row with the same key, then reports 0 rows once it commits.
	res := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Omit("ResponseStatusCode", "ResponseHeaders", "ResponseBody").
		Create(claim)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) SaveResponse(ctx context.Context, claim *models.IdempotencyClaim) error {
	res := t.db.WithContext(ctx).
		Model(&models.IdempotencyClaim{}).
		Where("principal_id = ? AND idempotency_key = ? AND response_status_code IS NULL",
			claim.PrincipalID, claim.IdempotencyKey).
		Updates(map[string]any{
			"response_status_code": claim.ResponseStatusCode,
			"response_headers":     claim.ResponseHeaders,
			"response_body":        claim.ResponseBody,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: pending claim %q", ErrNotFound, claim.IdempotencyKey)
	}
	return nil
}

func (t *gormTx) CreateIssue(ctx context.Context, issue *models.NewsletterIssue) error {
	return translate(t.db.WithContext(ctx).Create(issue).Error)
}

func (t *gormTx) Issue(ctx context.Context, id uuid.UUID) (*models.NewsletterIssue, error) {
	var issue models.NewsletterIssue
	if err := t.db.WithContext(ctx).Where("id = ?", id).Take(&issue).Error; err != nil {
		return nil, translate(err)
	}
	return &issue, nil
}

func (t *gormTx) ConfirmedSubscriberEmails(ctx context.Context) ([]string, error) {
	var emails []string
	err := t.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("status = ?", models.SubscriberConfirmed).
		Order("email").
		Pluck("email", &emails).Error
	return emails, err
}

func (t *gormTx) EnqueueDeliveries(ctx context.Context, tasks []models.DeliveryTask) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	res := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(tasks, 500)
	return res.RowsAffected, translate(res.Error)
}

func (t *gormTx) NextDelivery(ctx context.Context, after *models.DeliveryTask) (*models.DeliveryTask, error) {
	q := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	if after != nil {
		q = q.Where("(enqueued_at, recipient_email, newsletter_issue_id) > (?, ?, ?)",
			after.EnqueuedAt, after.RecipientEmail, after.NewsletterIssueID)
	}

	var task models.DeliveryTask
	err := q.
		Order("enqueued_at").
		Order("recipient_email").
		Order("newsletter_issue_id").
		Take(&task).Error
	if err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (t *gormTx) DeleteDelivery(ctx context.Context, task *models.DeliveryTask) error {
	return t.db.WithContext(ctx).
		Where("newsletter_issue_id = ? AND recipient_email = ?", task.NewsletterIssueID, task.RecipientEmail).
		Delete(&models.DeliveryTask{}).Error
}

func (t *gormTx) CountDeliveries(ctx context.Context, issueID uuid.UUID) (int64, error) {
	var n int64
	q := t.db.WithContext(ctx).Model(&models.DeliveryTask{})
	if issueID != uuid.Nil {
		q = q.Where("newsletter_issue_id = ?", issueID)
	}
	err := q.Count(&n).Error
	return n, err
}

func (t *gormTx) CreateSubscriber(ctx context.Context, subscriber *models.Subscriber) error {
	return translate(t.db.WithContext(ctx).Create(subscriber).Error)
}

func (t *gormTx) SubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	if err := t.db.WithContext(ctx).Where("email = ?", email).Take(&subscriber).Error; err != nil {
		return nil, translate(err)
	}
	return &subscriber, nil
}

func (t *gormTx) StoreToken(ctx context.Context, token *models.SubscriptionToken) error {
	return translate(t.db.WithContext(ctx).Create(token).Error)
}

func (t *gormTx) SubscriberIDByToken(ctx context.Context, token string) (uuid.UUID, error) {
	var row models.SubscriptionToken
	if err := t.db.WithContext(ctx).Where("token = ?", token).Take(&row).Error; err != nil {
		return uuid.Nil, translate(err)
	}
	return row.SubscriberID, nil
}

func (t *gormTx) ConfirmSubscriber(ctx context.Context, id uuid.UUID) error {
	res := t.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ?", id).
		Update("status", models.SubscriberConfirmed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *gormTx) DeleteSubscriber(ctx context.Context, id uuid.UUID) error {
	db := t.db.WithContext(ctx)
	if err := db.Where("subscriber_id = ?", id).Delete(&models.SubscriptionToken{}).Error; err != nil {
		return err
	}
	return db.Where("id = ?", id).Delete(&models.Subscriber{}).Error
}

func (t *gormTx) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := t.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (t *gormTx) SaveUser(ctx context.Context, user *models.User) error {
	return t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"password", "first_name", "last_name"}),
		}).
		Create(user).Error
}

func (t *gormTx) Commit() error {
	if t.done {
		return gorm.ErrInvalidTransaction
	}
	t.done = true
	return t.db.Commit().Error
}

func (t *gormTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.db.Rollback().Error
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return err
	}
}
