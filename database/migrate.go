package database

import (
	"fmt"

	"newsletter-backend/models"

	"gorm.io/gorm"
)

// Migrate applies idempotent schema migrations:
// - AutoMigrate (tables/columns/index tags)
// - Foreign keys: delivery_queue → newsletter_issues, subscription_tokens → subscribers
// - CHECK constraints on subscriber status and claim response columns
func Migrate(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&models.User{},
			&models.Subscriber{},
			&models.SubscriptionToken{},
			&models.NewsletterIssue{},
			&models.DeliveryTask{},
			&models.IdempotencyClaim{},
		); err != nil {
			return fmt.Errorf("automigrate failed: %w", err)
		}

		constraints := []struct {
			table, name, ddl string
		}{
			{
				table: "delivery_queue",
				name:  "fk_delivery_queue_issue",
				ddl: `ALTER TABLE delivery_queue ADD CONSTRAINT fk_delivery_queue_issue
					FOREIGN KEY (newsletter_issue_id) REFERENCES newsletter_issues(id)
					ON UPDATE RESTRICT ON DELETE RESTRICT`,
			},
			{
				table: "subscription_tokens",
				name:  "fk_subscription_tokens_subscriber",
				ddl: `ALTER TABLE subscription_tokens ADD CONSTRAINT fk_subscription_tokens_subscriber
					FOREIGN KEY (subscriber_id) REFERENCES subscribers(id) ON DELETE CASCADE`,
			},
			{
				table: "subscribers",
				name:  "chk_subscribers_status",
				ddl: `ALTER TABLE subscribers ADD CONSTRAINT chk_subscribers_status
					CHECK (status IN ('pending_confirmation', 'confirmed'))`,
			},
			{
				// A claim is either pending (no response at all) or complete.
				table: "idempotency_claims",
				name:  "chk_idempotency_claims_response",
				ddl: `ALTER TABLE idempotency_claims ADD CONSTRAINT chk_idempotency_claims_response
					CHECK ((response_status_code IS NULL) = (response_body IS NULL))`,
			},
		}
		for _, c := range constraints {
			stmt := fmt.Sprintf(`
DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_constraint
		WHERE conrelid = '%s'::regclass
		  AND conname  = '%s'
	) THEN
		%s;
	END IF;
END $$;`, c.table, c.name, c.ddl)
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("constraint migration failed on %s: %w", c.name, err)
			}
		}

		return nil
	})
}
