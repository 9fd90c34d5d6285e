// Package idempotency makes write commands safe to retry blindly. A command is
// claimed per (principal, key) inside a transaction that the caller also uses
// for its own writes; the response is saved in that same transaction, so
// "executed", "work enqueued" and "response saved" commit or vanish together.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newsletter-backend/database"
	"newsletter-backend/metrics"
	"newsletter-backend/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultWaitTimeout     = 5 * time.Second
	defaultInitialInterval = 25 * time.Millisecond
	defaultMaxInterval     = 500 * time.Millisecond
)

var errClaimPending = errors.New("claim has no saved response yet")

// Response is an HTTP response as saved and replayed. Headers keep their order.
type Response struct {
	StatusCode int
	Headers    []models.HeaderPair
	Body       []byte
}

// Outcome is either *StartProcessing or ReturnSaved.
type Outcome interface {
	isOutcome()
}

// StartProcessing means the caller owns the command. Tx is open: perform every
// business write on it, then call Gateway.Complete, or Abort on failure.
type StartProcessing struct {
	Tx database.Tx

	principal   uuid.UUID
	key         Key
	fingerprint string
}

func (*StartProcessing) isOutcome() {}

// Abort rolls the claim back; a later request with the same key starts afresh.
func (s *StartProcessing) Abort() error {
	return s.Tx.Rollback()
}

// ReturnSaved carries the response of a command that already ran.
type ReturnSaved struct {
	Response Response
}

func (ReturnSaved) isOutcome() {}

type Gateway struct {
	store   database.Store
	log     *zap.Logger
	metrics *metrics.Metrics

	waitTimeout     time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	now             func() time.Time
}

type Option func(*Gateway)

// WithWaitTimeout bounds how long a duplicate waits for the owner's response.
func WithWaitTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.waitTimeout = d
		}
	}
}

// WithPollIntervals sets the first and the largest pause between re-checks of
// a pending claim.
func WithPollIntervals(initial, maxInterval time.Duration) Option {
	return func(g *Gateway) {
		if initial > 0 {
			g.initialInterval = initial
		}
		if maxInterval >= g.initialInterval {
			g.maxInterval = maxInterval
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func New(store database.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:           store,
		log:             zap.NewNop(),
		waitTimeout:     defaultWaitTimeout,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("idempotency")
	return g
}

// BeginOrReplay claims (principal, key). The first caller gets
// *StartProcessing; everybody else gets the saved response of the first
// caller, waiting for it when the first caller has not finished yet.
func (g *Gateway) BeginOrReplay(ctx context.Context, principal uuid.UUID, key Key, fingerprint string) (Outcome, error) {
	if _, err := ParseKey(string(key)); err != nil {
		return nil, err
	}

	tx, err := g.store.Begin(ctx)
	if err != nil {
		g.metrics.Gateway(metrics.GatewayFailed)
		return nil, fmt.Errorf("%w: begin: %w", ErrPersistence, err)
	}

	// One deadline covers both waits: the insert, which blocks while another
	// transaction holds the same key uncommitted, and polling for the response.
	waitCtx, cancel := context.WithTimeout(ctx, g.waitTimeout)
	defer cancel()
	claimed, err := tx.InsertClaim(waitCtx, &models.IdempotencyClaim{
		PrincipalID:        principal,
		IdempotencyKey:     string(key),
		RequestFingerprint: fingerprint,
		CreatedAt:          g.now().UTC(),
	})
	if err != nil {
		_ = tx.Rollback()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() != nil {
			g.metrics.Gateway(metrics.GatewayTimeout)
			g.log.Warn("gave up waiting for a concurrent request holding the same key",
				zap.String("principal_id", principal.String()),
				zap.String("idempotency_key", string(key)))
			return nil, ErrConcurrentClaimTimeout
		}
		g.metrics.Gateway(metrics.GatewayFailed)
		return nil, fmt.Errorf("%w: insert claim: %w", ErrPersistence, err)
	}
	if claimed {
		g.metrics.Gateway(metrics.GatewayStarted)
		return &StartProcessing{Tx: tx, principal: principal, key: key, fingerprint: fingerprint}, nil
	}
	_ = tx.Rollback()

	saved, err := g.awaitResponse(ctx, waitCtx, principal, key)
	if err != nil {
		return nil, err
	}
	if saved.RequestFingerprint != "" && fingerprint != "" && saved.RequestFingerprint != fingerprint {
		g.log.Warn("idempotency key reused for a different request, replaying the original response",
			zap.String("principal_id", principal.String()),
			zap.String("idempotency_key", string(key)))
	}

	g.metrics.Gateway(metrics.GatewayReplayed)
	return ReturnSaved{Response: Response{
		StatusCode: *saved.ResponseStatusCode,
		Headers:    []models.HeaderPair(saved.ResponseHeaders),
		Body:       saved.ResponseBody,
	}}, nil
}

// awaitResponse re-reads the claim with a capped exponential backoff until a
// response is attached or waitCtx expires. ctx is the caller's context.
func (g *Gateway) awaitResponse(ctx, waitCtx context.Context, principal uuid.UUID, key Key) (*models.IdempotencyClaim, error) {
	started := g.now()
	defer func() { g.metrics.ClaimWait(g.now().Sub(started)) }()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.initialInterval
	b.MaxInterval = g.maxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	var saved *models.IdempotencyClaim
	op := func() error {
		claim, err := g.store.SavedResponse(waitCtx, principal, string(key))
		switch {
		case errors.Is(err, database.ErrNotFound):
			return errClaimPending
		case err != nil:
			return backoff.Permanent(err)
		case !claim.Completed():
			return errClaimPending
		}
		saved = claim
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, waitCtx))
	switch {
	case err == nil:
		return saved, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case waitCtx.Err() != nil || errors.Is(err, errClaimPending):
		g.metrics.Gateway(metrics.GatewayTimeout)
		g.log.Warn("gave up waiting for a concurrent request to save its response",
			zap.String("principal_id", principal.String()),
			zap.String("idempotency_key", string(key)),
			zap.Duration("waited", g.now().Sub(started)))
		return nil, ErrConcurrentClaimTimeout
	default:
		g.metrics.Gateway(metrics.GatewayFailed)
		return nil, fmt.Errorf("%w: read saved response: %w", ErrPersistence, err)
	}
}

// Complete saves resp on the claim and commits the transaction, together with
// every business write made on it. On error nothing was committed.
func (g *Gateway) Complete(ctx context.Context, s *StartProcessing, resp Response) error {
	code := resp.StatusCode
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	claim := &models.IdempotencyClaim{
		PrincipalID:        s.principal,
		IdempotencyKey:     string(s.key),
		RequestFingerprint: s.fingerprint,
		ResponseStatusCode: &code,
		ResponseHeaders:    resp.Headers,
		ResponseBody:       body,
	}
	if err := s.Tx.SaveResponse(ctx, claim); err != nil {
		_ = s.Tx.Rollback()
		g.metrics.Gateway(metrics.GatewayFailed)
		return fmt.Errorf("%w: save response: %w", ErrPersistence, err)
	}
	if err := s.Tx.Commit(); err != nil {
		g.metrics.Gateway(metrics.GatewayFailed)
		return fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}
	return nil
}
