// Package memory is an in-process database.Store. It mirrors the Postgres
// semantics the rest of the service relies on: writes become visible on
// commit, a claim on a key held by an open transaction blocks competing claims
// until that transaction ends, and locked queue rows are skipped by other
// transactions. It backs the unit tests and DB_DRIVER=memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"newsletter-backend/database"
	"newsletter-backend/models"

	"github.com/google/uuid"
)

var errTxDone = errors.New("memory: transaction already finished")

type claimKey struct {
	principal uuid.UUID
	key       string
}

type taskKey struct {
	issue uuid.UUID
	email string
}

func keyOf(t models.DeliveryTask) taskKey {
	return taskKey{issue: t.NewsletterIssueID, email: t.RecipientEmail}
}

type Store struct {
	mu sync.Mutex

	claims        map[claimKey]models.IdempotencyClaim
	pendingClaims map[claimKey]chan struct{}
	issues        map[uuid.UUID]models.NewsletterIssue
	queue         map[taskKey]models.DeliveryTask
	lockedTasks   map[taskKey]struct{}
	subscribers   map[uuid.UUID]models.Subscriber
	tokens        map[string]uuid.UUID
	users         map[string]models.User

	beginErr  error
	commitErr error
	pingErr   error
}

var _ database.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		claims:        make(map[claimKey]models.IdempotencyClaim),
		pendingClaims: make(map[claimKey]chan struct{}),
		issues:        make(map[uuid.UUID]models.NewsletterIssue),
		queue:         make(map[taskKey]models.DeliveryTask),
		lockedTasks:   make(map[taskKey]struct{}),
		subscribers:   make(map[uuid.UUID]models.Subscriber),
		tokens:        make(map[string]uuid.UUID),
		users:         make(map[string]models.User),
	}
}

// FailBegin makes every Begin return err until called again with nil.
func (s *Store) FailBegin(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginErr = err
}

// FailCommits makes every Commit roll back and return err until called again with nil.
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// FailPing makes Ping return err until called again with nil.
func (s *Store) FailPing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// AddPendingClaim stores a committed claim that never received a response, as
// left behind by an executor that died between claiming and completing.
func (s *Store) AddPendingClaim(principal uuid.UUID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[claimKey{principal, key}] = models.IdempotencyClaim{PrincipalID: principal, IdempotencyKey: key}
}

// AddSubscriber stores subscriber as committed.
func (s *Store) AddSubscriber(subscriber models.Subscriber) models.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subscriber.ID == uuid.Nil {
		subscriber.ID = uuid.New()
	}
	s.subscribers[subscriber.ID] = subscriber
	return subscriber
}

// Tasks returns the committed delivery queue, oldest first.
func (s *Store) Tasks() []models.DeliveryTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderedTasks()
}

// Issues returns every committed newsletter issue.
func (s *Store) Issues() []models.NewsletterIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.NewsletterIssue, 0, len(s.issues))
	for _, issue := range s.issues {
		out = append(out, issue)
	}
	return out
}

// Subscribers returns every committed subscriber.
func (s *Store) Subscribers() []models.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		out = append(out, sub)
	}
	return out
}

// TokenFor returns one committed subscription token of the subscriber.
func (s *Store) TokenFor(subscriberID uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, id := range s.tokens {
		if id == subscriberID {
			return token, true
		}
	}
	return "", false
}

func (s *Store) orderedTasks() []models.DeliveryTask {
	tasks := make([]models.DeliveryTask, 0, len(s.queue))
	for _, t := range s.queue {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].QueuedBefore(tasks[j]) })
	return tasks
}

func (s *Store) Begin(ctx context.Context) (database.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &tx{
		s:           s,
		claims:      make(map[claimKey]*models.IdempotencyClaim),
		issues:      make(map[uuid.UUID]models.NewsletterIssue),
		tasks:       make(map[taskKey]models.DeliveryTask),
		deleted:     make(map[taskKey]struct{}),
		subscribers: make(map[uuid.UUID]models.Subscriber),
	}, nil
}

func (s *Store) SavedResponse(ctx context.Context, principal uuid.UUID, key string) (*models.IdempotencyClaim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[claimKey{principal, key}]
	if !ok {
		return nil, database.ErrNotFound
	}
	return copyClaim(&claim), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

type tx struct {
	s    *Store
	done bool

	claims      map[claimKey]*models.IdempotencyClaim
	issues      map[uuid.UUID]models.NewsletterIssue
	tasks       map[taskKey]models.DeliveryTask
	deleted     map[taskKey]struct{}
	locked      []taskKey
	subscribers map[uuid.UUID]models.Subscriber
	// ops are applied in order on commit.
	ops         []func(s *Store)
}

func (t *tx) check(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	return ctx.Err()
}

func (t *tx) InsertClaim(ctx context.Context, claim *models.IdempotencyClaim) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	k := claimKey{claim.PrincipalID, claim.IdempotencyKey}
	if _, ok := t.claims[k]; ok {
		return false, nil
	}
	for {
		t.s.mu.Lock()
		if _, ok := t.s.claims[k]; ok {
			t.s.mu.Unlock()
			return false, nil
		}
		wait, held := t.s.pendingClaims[k]
		if !held {
			t.s.pendingClaims[k] = make(chan struct{})
			t.s.mu.Unlock()
			c := *claim
			c.ResponseStatusCode, c.ResponseHeaders, c.ResponseBody = nil, nil, nil
			t.claims[k] = &c
			return true, nil
		}
		t.s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (t *tx) SaveResponse(ctx context.Context, claim *models.IdempotencyClaim) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	own, ok := t.claims[claimKey{claim.PrincipalID, claim.IdempotencyKey}]
	if !ok || own.ResponseStatusCode != nil {
		return fmt.Errorf("%w: pending claim %q", database.ErrNotFound, claim.IdempotencyKey)
	}
	saved := copyClaim(claim)
	own.ResponseStatusCode = saved.ResponseStatusCode
	own.ResponseHeaders = saved.ResponseHeaders
	own.ResponseBody = saved.ResponseBody
	return nil
}

func (t *tx) CreateIssue(ctx context.Context, issue *models.NewsletterIssue) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	t.s.mu.Lock()
	_, exists := t.s.issues[issue.ID]
	t.s.mu.Unlock()
	if _, own := t.issues[issue.ID]; exists || own {
		return fmt.Errorf("%w: newsletter issue %s", database.ErrDuplicate, issue.ID)
	}
	t.issues[issue.ID] = *issue
	return nil
}

func (t *tx) Issue(ctx context.Context, id uuid.UUID) (*models.NewsletterIssue, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if issue, ok := t.issues[id]; ok {
		return &issue, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	issue, ok := t.s.issues[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &issue, nil
}

func (t *tx) ConfirmedSubscriberEmails(ctx context.Context) ([]string, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var emails []string
	for _, sub := range t.s.subscribers {
		if sub.Status == models.SubscriberConfirmed {
			emails = append(emails, sub.Email)
		}
	}
	slices.Sort(emails)
	return emails, nil
}

func (t *tx) EnqueueDeliveries(ctx context.Context, tasks []models.DeliveryTask) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	var inserted int64
	for _, task := range tasks {
		_, ownIssue := t.issues[task.NewsletterIssueID]
		_, committedIssue := t.s.issues[task.NewsletterIssueID]
		if !ownIssue && !committedIssue {
			return inserted, fmt.Errorf("%w: newsletter issue %s", database.ErrNotFound, task.NewsletterIssueID)
		}
		k := keyOf(task)
		if _, ok := t.tasks[k]; ok {
			continue
		}
		if _, ok := t.s.queue[k]; ok {
			continue
		}
		t.tasks[k] = task
		inserted++
	}
	return inserted, nil
}

func (t *tx) NextDelivery(ctx context.Context, after *models.DeliveryTask) (*models.DeliveryTask, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, task := range t.s.orderedTasks() {
		if after != nil && !after.QueuedBefore(task) {
			continue
		}
		k := keyOf(task)
		if _, locked := t.s.lockedTasks[k]; locked {
			continue
		}
		if _, gone := t.deleted[k]; gone {
			continue
		}
		t.s.lockedTasks[k] = struct{}{}
		t.locked = append(t.locked, k)
		return &task, nil
	}
	return nil, database.ErrNotFound
}

func (t *tx) DeleteDelivery(ctx context.Context, task *models.DeliveryTask) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	k := keyOf(*task)
	delete(t.tasks, k)
	t.deleted[k] = struct{}{}
	return nil
}

func (t *tx) CountDeliveries(ctx context.Context, issueID uuid.UUID) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	count := func(task models.DeliveryTask) {
		if issueID == uuid.Nil || task.NewsletterIssueID == issueID {
			n++
		}
	}
	for k, task := range t.s.queue {
		if _, gone := t.deleted[k]; !gone {
			count(task)
		}
	}
	for _, task := range t.tasks {
		count(task)
	}
	return n, nil
}

func (t *tx) CreateSubscriber(ctx context.Context, subscriber *models.Subscriber) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if subscriber.ID == uuid.Nil {
		subscriber.ID = uuid.New()
	}
	if _, err := t.SubscriberByEmail(ctx, subscriber.Email); err == nil {
		return fmt.Errorf("%w: subscriber %s", database.ErrDuplicate, subscriber.Email)
	}
	sub := *subscriber
	t.subscribers[sub.ID] = sub
	t.ops = append(t.ops, func(s *Store) { s.subscribers[sub.ID] = sub })
	return nil
}

func (t *tx) SubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	for _, sub := range t.subscribers {
		if sub.Email == email {
			return &sub, nil
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, sub := range t.s.subscribers {
		if sub.Email == email {
			return &sub, nil
		}
	}
	return nil, database.ErrNotFound
}

func (t *tx) StoreToken(ctx context.Context, token *models.SubscriptionToken) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.s.mu.Lock()
	_, committed := t.s.subscribers[token.SubscriberID]
	_, taken := t.s.tokens[token.Token]
	t.s.mu.Unlock()
	if _, own := t.subscribers[token.SubscriberID]; !own && !committed {
		return fmt.Errorf("%w: subscriber %s", database.ErrNotFound, token.SubscriberID)
	}
	if taken {
		return fmt.Errorf("%w: subscription token", database.ErrDuplicate)
	}
	tok := *token
	t.ops = append(t.ops, func(s *Store) { s.tokens[tok.Token] = tok.SubscriberID })
	return nil
}

func (t *tx) SubscriberIDByToken(ctx context.Context, token string) (uuid.UUID, error) {
	if err := t.check(ctx); err != nil {
		return uuid.Nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.tokens[token]
	if !ok {
		return uuid.Nil, database.ErrNotFound
	}
	return id, nil
}

func (t *tx) ConfirmSubscriber(ctx context.Context, id uuid.UUID) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.s.mu.Lock()
	_, ok := t.s.subscribers[id]
	t.s.mu.Unlock()
	if !ok {
		return database.ErrNotFound
	}
	t.ops = append(t.ops, func(s *Store) {
		if sub, ok := s.subscribers[id]; ok {
			sub.Status = models.SubscriberConfirmed
			s.subscribers[id] = sub
		}
	})
	return nil
}

func (t *tx) DeleteSubscriber(ctx context.Context, id uuid.UUID) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.ops = append(t.ops, func(s *Store) {
		delete(s.subscribers, id)
		for token, owner := range s.tokens {
			if owner == id {
				delete(s.tokens, token)
			}
		}
	})
	return nil
}

func (t *tx) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	user, ok := t.s.users[strings.ToLower(email)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &user, nil
}

func (t *tx) SaveUser(ctx context.Context, user *models.User) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	u := *user
	t.ops = append(t.ops, func(s *Store) {
		key := strings.ToLower(u.Email)
		if existing, ok := s.users[key]; ok {
			u.Id = existing.Id
		} else if u.Id == uuid.Nil {
			u.Id = uuid.New()
		}
		s.users[key] = u
	})
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	defer t.release()

	if t.s.commitErr != nil {
		return t.s.commitErr
	}

	for k, claim := range t.claims {
		t.s.claims[k] = *claim
	}
	for id, issue := range t.issues {
		t.s.issues[id] = issue
	}
	for k, task := range t.tasks {
		if _, ok := t.s.queue[k]; !ok {
			t.s.queue[k] = task
		}
	}
	for k := range t.deleted {
		delete(t.s.queue, k)
	}
	for _, op := range t.ops {
		op(t.s)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.release()
	return nil
}

// release drops row locks and wakes claimers waiting on this transaction.
// Callers hold s.mu.
func (t *tx) release() {
	for k := range t.claims {
		if ch, ok := t.s.pendingClaims[k]; ok {
			close(ch)
			delete(t.s.pendingClaims, k)
		}
	}
	for _, k := range t.locked {
		delete(t.s.lockedTasks, k)
	}
	t.locked = nil
}

func copyClaim(c *models.IdempotencyClaim) *models.IdempotencyClaim {
	out := *c
	if c.ResponseStatusCode != nil {
		code := *c.ResponseStatusCode
		out.ResponseStatusCode = &code
	}
	out.ResponseHeaders = slices.Clone(c.ResponseHeaders)
	out.ResponseBody = slices.Clone(c.ResponseBody)
	return &out
}
