// Package emailclient talks to the transactional email provider over its JSON
// HTTP API.
package emailclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsletter-backend/config"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrTransport covers every failed send: network errors, timeouts, non-2xx
// answers and an open breaker.
var ErrTransport = errors.New("email transport failure")

const tokenHeader = "X-Postmark-Server-Token"

type Email struct {
	Recipient string
	Subject   string
	HTMLBody  string
	TextBody  string
}

type sendRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
}

type Client struct {
	baseURL   string
	sender    string
	authToken string
	timeout   time.Duration

	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

type Option func(*gobreaker.Settings)

// WithBreaker sets how many consecutive failures open the breaker and how long
// it stays open before letting a trial request through.
func WithBreaker(consecutiveFailures uint32, openFor time.Duration) Option {
	return func(s *gobreaker.Settings) {
		trip := consecutiveFailures
		s.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		}
		s.Timeout = openFor
	}
}

func New(cfg config.EmailConfig, log *zap.Logger, opts ...Option) (*Client, error) {
	if err := validator.New().Var(cfg.Sender, "required,email"); err != nil {
		return nil, fmt.Errorf("invalid sender email %q: %w", cfg.Sender, err)
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("email base url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("emailclient")

	settings := gobreaker.Settings{
		Name:        "email-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		sender:    cfg.Sender,
		authToken: cfg.AuthToken,
		timeout:   timeout,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		log:       log,
	}, nil
}

// Send posts one email. Any error wraps ErrTransport.
func (c *Client) Send(ctx context.Context, email Email) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(email)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: email api unavailable: %w", ErrTransport, err)
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (c *Client) post(email Email) error {
	a := fiber.Post(c.baseURL + "/email")
	a.Set(tokenHeader, c.authToken)
	a.Timeout(c.timeout)
	a.JSON(sendRequest{
		From:     c.sender,
		To:       email.Recipient,
		Subject:  email.Subject,
		HTMLBody: email.HTMLBody,
		TextBody: email.TextBody,
	})

	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("email api answered %d: %s", code, truncate(body, 200))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
