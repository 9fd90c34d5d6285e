package middlewares

import (
	"bytes"
	"strings"

	"newsletter-backend/idempotency"
	"newsletter-backend/models"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyField  = "idempotency_key"
)

// Regenerated by the server on every response, so never replayed.
var skippedHeaders = map[string]struct{}{
	fiber.HeaderContentLength: {},
	fiber.HeaderDate:          {},
	fiber.HeaderServer:        {},
}

// Idempotency runs the rest of the chain at most once per (user, key). Run it
// after IsAuthenticatedHeader. The handler gets the claim transaction through
// TxFrom and must do all of its writes on it; the response is saved in the same
// transaction. Duplicates get the saved response back byte for byte.
func Idempotency(gw *idempotency.Gateway, log *zap.Logger) fiber.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		principal, err := PrincipalFrom(c)
		if err != nil {
			return err
		}

		raw := c.Get(idempotencyHeader)
		if strings.TrimSpace(raw) == "" {
			raw = c.FormValue(idempotencyField)
		}
		key, err := idempotency.ParseKey(raw)
		if err != nil {
			return err
		}

		fingerprint := idempotency.Fingerprint(
			[]byte(strings.ToUpper(c.Method())),
			[]byte(c.OriginalURL()),
			c.Body(),
		)

		outcome, err := gw.BeginOrReplay(c.UserContext(), principal, key, fingerprint)
		if err != nil {
			return err
		}

		switch o := outcome.(type) {
		case idempotency.ReturnSaved:
			return replay(c, o.Response)
		case *idempotency.StartProcessing:
			defer func() {
				if r := recover(); r != nil {
					_ = o.Abort()
					panic(r)
				}
			}()

			c.Locals(localTx, o.Tx)
			if err := c.Next(); err != nil {
				_ = o.Abort()
				return err
			}

			if err := gw.Complete(c.UserContext(), o, capture(c)); err != nil {
				log.Error("failed to save idempotent response",
					zap.String("idempotency_key", key.String()),
					zap.Error(err))
				c.Response().Reset()
				return err
			}
			return nil
		default:
			return fiber.ErrInternalServerError
		}
	}
}

func capture(c *fiber.Ctx) idempotency.Response {
	res := c.Response()
	var headers []models.HeaderPair
	res.Header.VisitAll(func(k, v []byte) {
		name := string(k)
		if _, skip := skippedHeaders[name]; skip {
			return
		}
		headers = append(headers, models.HeaderPair{Name: name, Value: string(v)})
	})
	return idempotency.Response{
		StatusCode: res.StatusCode(),
		Headers:    headers,
		Body:       bytes.Clone(res.Body()),
	}
}

func replay(c *fiber.Ctx, saved idempotency.Response) error {
	c.Status(saved.StatusCode)
	for _, h := range saved.Headers {
		c.Response().Header.Add(h.Name, h.Value)
	}
	return c.Send(saved.Body)
}
