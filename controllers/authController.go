package controllers

import (
	"errors"
	"strings"

	"newsletter-backend/database"
	"newsletter-backend/middlewares"
	"newsletter-backend/models"

	"github.com/gofiber/fiber/v2"
)

type loginRequest struct {
	Email    string `json:"email" form:"email" validate:"required,email"`
	Password string `json:"password" form:"password" validate:"required"`
}

// Login exchanges operator credentials for a bearer token.
func Login(store database.Store, secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req loginRequest
		if err := middlewares.BindAndValidate(c, &req); err != nil {
			return err
		}

		var user *models.User
		err := database.WithTx(c.UserContext(), store, func(tx database.Tx) error {
			var err error
			user, err = tx.UserByEmail(c.UserContext(), strings.ToLower(req.Email))
			return err
		})
		if errors.Is(err, database.ErrNotFound) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "invalid credentials"})
		}
		if err != nil {
			return err
		}

		if err := user.ComparePassword(req.Password); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "invalid credentials"})
		}

		token, err := middlewares.GenerateJWT(secret, user.Id)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"token": token})
	}
}
