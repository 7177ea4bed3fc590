package auth

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"newsportal/internal/identity"
	"newsportal/internal/observability"
	"newsportal/internal/portal"
	"newsportal/internal/ratelimit"
)

type fakeProvider struct {
	mu        sync.Mutex
	passwords map[string]string
	tokens    map[string]string
	signIns   int
	signOuts  []string
	failWith  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		passwords: map[string]string{},
		tokens:    map[string]string{},
	}
}

func (p *fakeProvider) SignInWithPassword(_ context.Context, email, password string) (identity.Identity, identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.signIns++
	if p.failWith != nil {
		return identity.Identity{}, identity.Session{}, p.failWith
	}
	if want, ok := p.passwords[email]; !ok || want != password {
		return identity.Identity{}, identity.Session{}, identity.ErrInvalidCredentials
	}

	token := "token-for-" + email
	p.tokens[token] = email
	return identity.Identity{ID: "idp-" + email, Email: email}, identity.Session{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   3600,
	}, nil
}

func (p *fakeProvider) GetUser(_ context.Context, accessToken string) (identity.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failWith != nil {
		return identity.Identity{}, p.failWith
	}
	email, ok := p.tokens[accessToken]
	if !ok {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	return identity.Identity{ID: "idp-" + email, Email: email}, nil
}

func (p *fakeProvider) SignOut(_ context.Context, accessToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tokens[accessToken]; !ok {
		return identity.ErrInvalidToken
	}
	delete(p.tokens, accessToken)
	p.signOuts = append(p.signOuts, accessToken)
	return nil
}

func (p *fakeProvider) sessionValid(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tokens[token]
	return ok
}

type fakeUsers struct {
	users   map[string]portal.User
	err     error
	lookups int
}

func (u *fakeUsers) GetByEmail(_ context.Context, email string) (portal.User, error) {
	u.lookups++
	if u.err != nil {
		return portal.User{}, u.err
	}
	user, ok := u.users[email]
	if !ok {
		return portal.User{}, portal.ErrUserNotFound
	}
	return user, nil
}

type fakeAudit struct {
	entries []portal.AuditEntry
	err     error
}

func (a *fakeAudit) InsertAuditLog(_ context.Context, entry portal.AuditEntry) error {
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, entry)
	return nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

// countingStore wraps a MemoryStore and counts calls, so tests can assert
// that the rate limiter was never consulted.
type countingStore struct {
	*ratelimit.MemoryStore
	calls int
}

func (s *countingStore) Get(ctx context.Context, key string) (ratelimit.Record, bool, error) {
	s.calls++
	return s.MemoryStore.Get(ctx, key)
}

type fixture struct {
	provider *fakeProvider
	users    *fakeUsers
	audit    *fakeAudit
	store    *countingStore
	limiter  *ratelimit.Limiter
	clock    *testClock
	service  *Service
}

var errBackend = errors.New("connection refused by upstream 10.0.0.3")

func newFixture() *fixture {
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := &countingStore{MemoryStore: ratelimit.NewMemoryStore().WithClock(clock.Now)}
	limiter := ratelimit.NewLimiter(store, ratelimit.Config{}).WithClock(clock.Now)

	provider := newFakeProvider()
	provider.passwords["editor@news.com"] = "correct-horse"
	provider.passwords["author@news.com"] = "author-pass"
	provider.passwords["user@x.com"] = "valid-pass"

	users := &fakeUsers{users: map[string]portal.User{
		"editor@news.com": {ID: "p-1", Email: "editor@news.com", Name: "Editor", Role: portal.RoleEditor},
		"author@news.com": {ID: "p-2", Email: "author@news.com", Name: "Author", Role: portal.RoleAuthor},
		"admin@news.com":  {ID: "p-3", Email: "admin@news.com", Name: "Admin", Role: portal.RoleAdmin},
	}}
	audit := &fakeAudit{}

	logger := observability.NewLoggerTo(io.Discard)
	gate := NewGate(users, nil)
	service := NewService(provider, gate, limiter, logger).WithAudit(audit)

	return &fixture{
		provider: provider,
		users:    users,
		audit:    audit,
		store:    store,
		limiter:  limiter,
		clock:    clock,
		service:  service,
	}
}
