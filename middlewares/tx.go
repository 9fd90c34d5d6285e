package middlewares

import (
	"newsletter-backend/database"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const localTx = "tx"

// Tx opens a per-request transaction, commits it when the handler chain
// succeeds and rolls it back otherwise. Handlers fetch it with TxFrom.
func Tx(store database.Store, log *zap.Logger) fiber.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *fiber.Ctx) (err error) {
		tx, err := store.Begin(c.UserContext())
		if err != nil {
			log.Error("failed to begin transaction", zap.Error(err))
			return fiber.NewError(fiber.StatusInternalServerError, "failed to begin transaction")
		}

		defer func() {
			if r := recover(); r != nil {
				_ = tx.Rollback()
				panic(r)
			}
			if err != nil || c.Response().StatusCode() >= fiber.StatusBadRequest {
				_ = tx.Rollback()
				return
			}
			if e := tx.Commit(); e != nil {
				log.Error("tx commit failed", zap.Error(e))
				c.Response().Reset()
				err = fiber.NewError(fiber.StatusInternalServerError, "transaction commit failed")
			}
		}()

		c.Locals(localTx, tx)
		return c.Next()
	}
}

// TxFrom returns the transaction opened by Tx or Idempotency.
func TxFrom(c *fiber.Ctx) (database.Tx, error) {
	tx, ok := c.Locals(localTx).(database.Tx)
	if !ok || tx == nil {
		return nil, fiber.NewError(fiber.StatusInternalServerError, "no transaction for request")
	}
	return tx, nil
}
