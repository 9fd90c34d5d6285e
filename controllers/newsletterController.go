package controllers

import (
	"errors"
	"time"

	"newsletter-backend/database"
	"newsletter-backend/middlewares"
	"newsletter-backend/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type publishRequest struct {
	Title       string `json:"title" form:"title" validate:"required,max=255"`
	TextContent string `json:"text_content" form:"text_content" validate:"required"`
	HTMLContent string `json:"html_content" form:"html_content" validate:"required"`
}

// PublishNewsletter stores the issue and enqueues one delivery per confirmed
// subscriber. It runs behind middlewares.Idempotency, on the claim transaction.
func PublishNewsletter(log *zap.Logger) fiber.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		var req publishRequest
		if err := middlewares.BindAndValidate(c, &req); err != nil {
			return err
		}
		tx, err := middlewares.TxFrom(c)
		if err != nil {
			return err
		}
		ctx := c.UserContext()

		now := time.Now().UTC()
		issue := models.NewsletterIssue{
			Title:       req.Title,
			TextBody:    req.TextContent,
			HTMLBody:    req.HTMLContent,
			PublishedAt: now,
		}
		if err := tx.CreateIssue(ctx, &issue); err != nil {
			return err
		}

		emails, err := tx.ConfirmedSubscriberEmails(ctx)
		if err != nil {
			return err
		}
		tasks := make([]models.DeliveryTask, 0, len(emails))
		for _, email := range emails {
			tasks = append(tasks, models.DeliveryTask{
				NewsletterIssueID: issue.ID,
				RecipientEmail:    email,
				EnqueuedAt:        now,
			})
		}
		enqueued, err := tx.EnqueueDeliveries(ctx, tasks)
		if err != nil {
			return err
		}

		log.Info("newsletter issue published",
			zap.String("newsletter_issue_id", issue.ID.String()),
			zap.Int64("recipients", enqueued))

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"message":    "The newsletter issue has been accepted - emails will go out shortly.",
			"issue_id":   issue.ID,
			"recipients": enqueued,
		})
	}
}

// IssueStatus reports how many deliveries of an issue are still queued.
func IssueStatus(store database.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid issue id")
		}

		var (
			issue   *models.NewsletterIssue
			pending int64
		)
		err = database.WithTx(c.UserContext(), store, func(tx database.Tx) error {
			var err error
			if issue, err = tx.Issue(c.UserContext(), id); err != nil {
				return err
			}
			pending, err = tx.CountDeliveries(c.UserContext(), id)
			return err
		})
		if errors.Is(err, database.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "newsletter issue not found")
		}
		if err != nil {
			return err
		}

		return c.JSON(fiber.Map{
			"issue_id":           issue.ID,
			"title":              issue.Title,
			"published_at":       issue.PublishedAt,
			"pending_deliveries": pending,
		})
	}
}
