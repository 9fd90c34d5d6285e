package routes

import (
	"newsletter-backend/controllers"
	"newsletter-backend/database"
	"newsletter-backend/idempotency"
	"newsletter-backend/metrics"
	"newsletter-backend/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
)

type Deps struct {
	Store     database.Store
	Gateway   *idempotency.Gateway
	Sender    controllers.EmailSender
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	JWTSecret []byte
	BaseURL   string
}

// Register wires all HTTP routes.
func Register(app *fiber.App, d Deps) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	app.Get("/health_check", controllers.HealthCheck(d.Store))
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}

	api := app.Group("/api")

	// Public endpoints
	api.Post("/login", controllers.Login(d.Store, d.JWTSecret))

	subscriptions := api.Group("/subscriptions", middlewares.Tx(d.Store, log))
	subscriptions.Post("", controllers.Subscribe(d.Sender, d.BaseURL))
	subscriptions.Get("/confirm", controllers.ConfirmSubscription)
	subscriptions.Get("/unsubscribe", controllers.Unsubscribe)

	// Protected endpoints (JWT auth)
	admin := api.Group("/admin", middlewares.IsAuthenticatedHeader(d.JWTSecret))

	// The idempotency guard owns the transaction the handler writes through.
	admin.Post("/newsletters", middlewares.Idempotency(d.Gateway, log), controllers.PublishNewsletter(log))
	admin.Get("/newsletters/:id", controllers.IssueStatus(d.Store))
}
