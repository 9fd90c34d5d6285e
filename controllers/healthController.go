package controllers

import (
	"context"
	"time"

	"newsletter-backend/database"

	"github.com/gofiber/fiber/v2"
)

func HealthCheck(store database.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return c.SendStatus(fiber.StatusServiceUnavailable)
		}
		return c.SendStatus(fiber.StatusOK)
	}
}
