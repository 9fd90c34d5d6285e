package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"newsletter-backend/database"
	"newsletter-backend/emailclient"
	"newsletter-backend/middlewares"
	"newsletter-backend/models"
	"newsletter-backend/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// EmailSender sends transactional mail, such as subscription confirmations.
type EmailSender interface {
	Send(ctx context.Context, email emailclient.Email) error
}

type subscribeRequest struct {
	Name  string `json:"name" form:"name" validate:"required,max=256"`
	Email string `json:"email" form:"email" validate:"required,email"`
}

// Subscribe registers a pending subscriber and mails a confirmation link.
// Runs behind middlewares.Tx; a failed send rolls the subscriber back.
func Subscribe(sender EmailSender, baseURL string) fiber.Handler {
	baseURL = strings.TrimRight(baseURL, "/")
	return func(c *fiber.Ctx) error {
		var req subscribeRequest
		if err := middlewares.BindAndValidate(c, &req); err != nil {
			return err
		}
		tx, err := middlewares.TxFrom(c)
		if err != nil {
			return err
		}
		ctx := c.UserContext()
		email := strings.ToLower(req.Email)

		subscriber, err := tx.SubscriberByEmail(ctx, email)
		switch {
		case errors.Is(err, database.ErrNotFound):
			subscriber = &models.Subscriber{
				Email:        email,
				Name:         req.Name,
				Status:       models.SubscriberPendingConfirmation,
				SubscribedAt: time.Now().UTC(),
			}
			if err := tx.CreateSubscriber(ctx, subscriber); err != nil {
				return err
			}
		case err != nil:
			return err
		case subscriber.Status == models.SubscriberConfirmed:
			return c.JSON(fiber.Map{"message": "already subscribed"})
		}

		token, err := utils.RandomToken(utils.SubscriptionTokenLength)
		if err != nil {
			return err
		}
		if err := tx.StoreToken(ctx, &models.SubscriptionToken{Token: token, SubscriberID: subscriber.ID}); err != nil {
			return err
		}

		link := fmt.Sprintf("%s/api/subscriptions/confirm?subscription_token=%s", baseURL, url.QueryEscape(token))
		if err := sender.Send(ctx, emailclient.Email{
			Recipient: subscriber.Email,
			Subject:   "Welcome!",
			HTMLBody:  fmt.Sprintf(`Welcome to our newsletter!<br />Click <a href="%s">here</a> to confirm your subscription.`, link),
			TextBody:  fmt.Sprintf("Welcome to our newsletter!\nVisit %s to confirm your subscription.", link),
		}); err != nil {
			return fmt.Errorf("send confirmation email: %w", err)
		}

		return c.JSON(fiber.Map{"message": "check your inbox to confirm the subscription"})
	}
}

// ConfirmSubscription marks the subscriber owning the token as confirmed.
func ConfirmSubscription(c *fiber.Ctx) error {
	tx, id, err := subscriberFromToken(c)
	if err != nil {
		return err
	}
	if err := tx.ConfirmSubscriber(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": "subscription confirmed"})
}

// Unsubscribe removes the subscriber owning the token.
func Unsubscribe(c *fiber.Ctx) error {
	tx, id, err := subscriberFromToken(c)
	if err != nil {
		return err
	}
	if err := tx.DeleteSubscriber(c.UserContext(), id); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": "unsubscribed"})
}

func subscriberFromToken(c *fiber.Ctx) (database.Tx, uuid.UUID, error) {
	token := strings.TrimSpace(c.Query("subscription_token"))
	if token == "" {
		return nil, uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "subscription_token is required")
	}
	tx, err := middlewares.TxFrom(c)
	if err != nil {
		return nil, uuid.Nil, err
	}
	id, err := tx.SubscriberIDByToken(c.UserContext(), token)
	if errors.Is(err, database.ErrNotFound) {
		return nil, uuid.Nil, fiber.NewError(fiber.StatusUnauthorized, "unknown subscription token")
	}
	if err != nil {
		return nil, uuid.Nil, err
	}
	return tx, id, nil
}
