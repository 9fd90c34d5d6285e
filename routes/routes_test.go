package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"newsletter-backend/database"
	"newsletter-backend/database/memory"
	"newsletter-backend/delivery"
	"newsletter-backend/emailclient"
	"newsletter-backend/idempotency"
	"newsletter-backend/metrics"
	"newsletter-backend/middlewares"
	"newsletter-backend/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "correct horse battery staple"
)

// recordingSender stands in for the email API. It can be slowed down.
type recordingSender struct {
	mu    sync.Mutex
	sent  []emailclient.Email
	delay time.Duration
}

func (r *recordingSender) Send(ctx context.Context, email emailclient.Email) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, email)
	return nil
}

func (r *recordingSender) Sent() []emailclient.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emailclient.Email(nil), r.sent...)
}

type APISuite struct {
	suite.Suite

	store   *memory.Store
	sender  *recordingSender
	metrics *metrics.Metrics
	app     *fiber.App
	token   string
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	s.store = memory.New()
	s.sender = &recordingSender{}
	s.metrics = metrics.New("test")
	secret := []byte("suite-secret")

	s.app = fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler(nil)})
	Register(s.app, Deps{
		Store:     s.store,
		Gateway:   idempotency.New(s.store, idempotency.WithMetrics(s.metrics), idempotency.WithPollIntervals(time.Millisecond, 10*time.Millisecond)),
		Sender:    s.sender,
		Metrics:   s.metrics,
		JWTSecret: secret,
		BaseURL:   "http://newsletter.test",
	})

	s.Require().NoError(database.EnsureAdmin(context.Background(), s.store, adminEmail, adminPassword))
	s.token = s.login(adminEmail, adminPassword)
}

func (s *APISuite) do(req *http.Request) (*http.Response, string) {
	resp, err := s.app.Test(req, -1)
	s.Require().NoError(err)
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp, string(body)
}

func (s *APISuite) login(email, password string) string {
	req := httptest.NewRequest(fiber.MethodPost, "/api/login",
		strings.NewReader(`{"email":"`+email+`","password":"`+password+`"}`))
	req.Header.Set("Content-Type", fiber.MIMEApplicationJSON)
	resp, body := s.do(req)
	if resp.StatusCode != fiber.StatusOK {
		return ""
	}
	var out struct {
		Token string `json:"token"`
	}
	s.Require().NoError(json.Unmarshal([]byte(body), &out))
	return out.Token
}

func (s *APISuite) publish(key string) (*http.Response, string) {
	form := url.Values{
		"title":        {"Issue #1"},
		"text_content": {"Hello readers"},
		"html_content": {"<p>Hello readers</p>"},
	}
	req := httptest.NewRequest(fiber.MethodPost, "/api/admin/newsletters", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", fiber.MIMEApplicationForm)
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Idempotency-Key", key)
	return s.do(req)
}

func (s *APISuite) confirmed(emails ...string) {
	for _, e := range emails {
		s.store.AddSubscriber(models.Subscriber{Email: e, Name: e, Status: models.SubscriberConfirmed, SubscribedAt: time.Now()})
	}
}

func (s *APISuite) drain(w *delivery.Worker) int {
	runs := 0
	for {
		outcome, err := w.TryExecuteTask(context.Background())
		s.Require().NoError(err)
		if outcome == delivery.EmptyQueue {
			return runs
		}
		runs++
	}
}

func (s *APISuite) TestLogin() {
	s.NotEmpty(s.token)
	s.Empty(s.login(adminEmail, "wrong"))
	s.Empty(s.login("nobody@example.com", adminPassword))
}

func (s *APISuite) TestPublishRequiresToken() {
	s.token = "garbage"
	resp, _ := s.publish("abc-123")
	s.Equal(fiber.StatusUnauthorized, resp.StatusCode)
	s.Empty(s.store.Issues())
}

func (s *APISuite) TestPublishValidatesForm() {
	req := httptest.NewRequest(fiber.MethodPost, "/api/admin/newsletters", strings.NewReader("title=only"))
	req.Header.Set("Content-Type", fiber.MIMEApplicationForm)
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Idempotency-Key", "abc-123")
	resp, _ := s.do(req)
	s.Equal(fiber.StatusUnprocessableEntity, resp.StatusCode)
	s.Empty(s.store.Issues())

	resp, _ = s.publish("abc-123")
	s.Equal(fiber.StatusAccepted, resp.StatusCode, "a rejected attempt must not burn the key")
}

func (s *APISuite) TestPublishFansOutAndWorkerDrains() {
	s.confirmed("a@example.com", "b@example.com", "c@example.com")
	s.store.AddSubscriber(models.Subscriber{Email: "pending@example.com", Status: models.SubscriberPendingConfirmation})

	resp, body := s.publish("abc-123")
	s.Require().Equal(fiber.StatusAccepted, resp.StatusCode, body)

	var out struct {
		IssueID    string `json:"issue_id"`
		Recipients int    `json:"recipients"`
	}
	s.Require().NoError(json.Unmarshal([]byte(body), &out))
	s.Equal(3, out.Recipients)

	tasks := s.store.Tasks()
	s.Require().Len(tasks, 3)
	for _, task := range tasks {
		s.Equal(out.IssueID, task.NewsletterIssueID.String())
	}

	status := httptest.NewRequest(fiber.MethodGet, "/api/admin/newsletters/"+out.IssueID, nil)
	status.Header.Set("Authorization", "Bearer "+s.token)
	resp, body = s.do(status)
	s.Equal(fiber.StatusOK, resp.StatusCode)
	s.Contains(body, `"pending_deliveries":3`)

	worker := delivery.NewWorker(s.store, s.sender)
	for i := 0; i < 3; i++ {
		outcome, err := worker.TryExecuteTask(context.Background())
		s.Require().NoError(err)
		s.Equal(delivery.TaskCompleted, outcome)
	}
	s.Empty(s.store.Tasks())

	sent := s.sender.Sent()
	s.Require().Len(sent, 3)
	for _, email := range sent {
		s.Equal("Issue #1", email.Subject)
		s.Equal("Hello readers", email.TextBody)
		s.Equal("<p>Hello readers</p>", email.HTMLBody)
	}

	resp, body = s.do(status)
	s.Equal(fiber.StatusOK, resp.StatusCode)
	s.Contains(body, `"pending_deliveries":0`)
}

func (s *APISuite) TestRetriedPublishIsReplayed() {
	s.confirmed("a@example.com")

	first, firstBody := s.publish("abc-123")
	second, secondBody := s.publish("abc-123")

	s.Equal(first.StatusCode, second.StatusCode)
	s.Equal(firstBody, secondBody)
	s.Len(s.store.Issues(), 1)
	s.Len(s.store.Tasks(), 1)
}

func (s *APISuite) TestConcurrentDuplicatePublishRunsOnce() {
	s.confirmed("a@example.com")
	s.sender.delay = 50 * time.Millisecond

	const requests = 5
	bodies := make([]string, requests)
	codes := make([]int, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, body := s.publish("dup-1")
			codes[i], bodies[i] = resp.StatusCode, body
		}(i)
	}
	wg.Wait()

	for i := 1; i < requests; i++ {
		s.Equal(codes[0], codes[i])
		s.Equal(bodies[0], bodies[i])
	}
	s.Equal(fiber.StatusAccepted, codes[0])
	s.Len(s.store.Issues(), 1)

	s.Equal(1, s.drain(delivery.NewWorker(s.store, s.sender)))
	s.Len(s.sender.Sent(), 1)
}

func (s *APISuite) subscribe(email string) (*http.Response, string) {
	req := httptest.NewRequest(fiber.MethodPost, "/api/subscriptions",
		strings.NewReader(url.Values{"name": {"Le Guin"}, "email": {email}}.Encode()))
	req.Header.Set("Content-Type", fiber.MIMEApplicationForm)
	return s.do(req)
}

func (s *APISuite) TestSubscriptionLifecycle() {
	resp, body := s.subscribe("ursula@example.com")
	s.Require().Equal(fiber.StatusOK, resp.StatusCode, body)

	subs := s.store.Subscribers()
	s.Require().Len(subs, 1)
	s.Equal(models.SubscriberPendingConfirmation, subs[0].Status)

	token, ok := s.store.TokenFor(subs[0].ID)
	s.Require().True(ok)
	sent := s.sender.Sent()
	s.Require().Len(sent, 1)
	s.Equal("ursula@example.com", sent[0].Recipient)
	s.Contains(sent[0].HTMLBody, "http://newsletter.test/api/subscriptions/confirm?subscription_token="+token)

	// Addresses are matched case-insensitively; a pending subscriber gets a fresh link.
	resp, body = s.subscribe("Ursula@Example.com")
	s.Require().Equal(fiber.StatusOK, resp.StatusCode, body)
	s.Len(s.store.Subscribers(), 1)
	s.Require().Len(s.sender.Sent(), 2)
	s.Equal("ursula@example.com", s.sender.Sent()[1].Recipient)

	resp, _ = s.do(httptest.NewRequest(fiber.MethodGet, "/api/subscriptions/confirm?subscription_token=nope", nil))
	s.Equal(fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(httptest.NewRequest(fiber.MethodGet, "/api/subscriptions/confirm?subscription_token="+token, nil))
	s.Equal(fiber.StatusOK, resp.StatusCode)
	s.Equal(models.SubscriberConfirmed, s.store.Subscribers()[0].Status)

	resp, body = s.subscribe("URSULA@example.COM")
	s.Equal(fiber.StatusOK, resp.StatusCode)
	s.Contains(body, "already subscribed")
	s.Len(s.store.Subscribers(), 1)
	s.Len(s.sender.Sent(), 2)

	resp, _ = s.publish("after-confirm")
	s.Equal(fiber.StatusAccepted, resp.StatusCode)
	s.Len(s.store.Tasks(), 1)

	resp, _ = s.do(httptest.NewRequest(fiber.MethodGet, "/api/subscriptions/unsubscribe?subscription_token="+token, nil))
	s.Equal(fiber.StatusOK, resp.StatusCode)
	s.Empty(s.store.Subscribers())
}

func (s *APISuite) TestSubscribeRejectsInvalidEmail() {
	req := httptest.NewRequest(fiber.MethodPost, "/api/subscriptions",
		strings.NewReader(url.Values{"name": {"x"}, "email": {"not-an-email"}}.Encode()))
	req.Header.Set("Content-Type", fiber.MIMEApplicationForm)
	resp, _ := s.do(req)
	s.Equal(fiber.StatusUnprocessableEntity, resp.StatusCode)
	s.Empty(s.store.Subscribers())
	s.Empty(s.sender.Sent())
}

func (s *APISuite) TestHealthCheck() {
	resp, _ := s.do(httptest.NewRequest(fiber.MethodGet, "/health_check", nil))
	s.Equal(fiber.StatusOK, resp.StatusCode)

	s.store.FailPing(context.DeadlineExceeded)
	resp, _ = s.do(httptest.NewRequest(fiber.MethodGet, "/health_check", nil))
	s.Equal(fiber.StatusServiceUnavailable, resp.StatusCode)
}

func (s *APISuite) TestMetricsEndpoint() {
	s.publish("abc-123")
	s.publish("abc-123")

	resp, body := s.do(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	s.Equal(fiber.StatusOK, resp.StatusCode)
	s.Contains(body, `test_idempotency_requests_total{outcome="replayed"} 1`)
}

// Guards the wiring, not the handlers: Register must not need optional deps.
func TestRegisterWithoutMetrics(t *testing.T) {
	app := fiber.New()
	store := memory.New()
	Register(app, Deps{Store: store, Gateway: idempotency.New(store), Sender: &recordingSender{}})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
