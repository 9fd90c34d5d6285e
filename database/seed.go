package database

import (
	"context"
	"strings"

	"newsletter-backend/models"
)

// EnsureAdmin creates the operator account, or resets its password when it
// already exists.
func EnsureAdmin(ctx context.Context, store Store, email, password string) error {
	user := models.User{
		FirstName: "Newsletter",
		LastName:  "Admin",
		Email:     strings.ToLower(strings.TrimSpace(email)),
	}
	if err := user.SetPassword(password); err != nil {
		return err
	}
	return WithTx(ctx, store, func(tx Tx) error {
		return tx.SaveUser(ctx, &user)
	})
}
