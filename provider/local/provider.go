// Package local implements portal.IdentityProvider with an in-process account
// table. It backs development environments and tests where no external auth
// service is available.
package local

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	portal "github.com/learnloop/go-portal"
)

// DefaultTokenTTL is the lifetime of locally minted access tokens.
const DefaultTokenTTL = time.Hour

type account struct {
	id       uuid.UUID
	email    string
	hash     string
	metadata map[string]any
}

// Provider is an in-memory identity provider.
type Provider struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
	logger     portal.Logger

	mu       sync.Mutex
	accounts map[string]*account
	session  *portal.Session
	subs     map[int]chan portal.SessionEvent
	nextSub  int
}

// Option customizes the provider.
type Option func(*Provider)

// WithTokenTTL overrides the minted token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithLogger overrides the provider logger.
func WithLogger(logger portal.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithIssuer overrides the token issuer.
func WithIssuer(issuer string) Option {
	return func(p *Provider) {
		if issuer != "" {
			p.issuer = issuer
		}
	}
}

// New builds a provider which signs tokens with the given key.
func New(signingKey []byte, opts ...Option) *Provider {
	p := &Provider{
		signingKey: signingKey,
		issuer:     "go-portal/local",
		ttl:        DefaultTokenTTL,
		now:        time.Now,
		logger:     portal.NewDefaultLogger(),
		accounts:   map[string]*account{},
		subs:       map[int]chan portal.SessionEvent{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p
}

// SignIn verifies credentials and opens a session.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*portal.Session, error) {
	p.mu.Lock()
	acct, ok := p.accounts[normalizeEmail(email)]
	p.mu.Unlock()

	if !ok {
		return nil, portal.ErrInvalidCredentials
	}

	if err := portal.ComparePasswordAndHash(password, acct.hash); err != nil {
		return nil, portal.ErrInvalidCredentials
	}

	session, err := p.openSession(acct)
	if err != nil {
		return nil, err
	}

	p.emit(portal.SessionEvent{Type: portal.EventSignedIn, Session: session})
	return session, nil
}

// SignUp registers a new account and opens a session immediately. There is
// no email confirmation step locally.
func (p *Provider) SignUp(ctx context.Context, input portal.SignUpInput) (*portal.Session, error) {
	email := normalizeEmail(input.Email)

	hash, err := portal.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	role := input.Role
	if role == "" {
		role = portal.RoleStudent
	}

	acct := &account{
		id:    uuid.New(),
		email: email,
		hash:  hash,
		metadata: map[string]any{
			"name":  input.Name,
			"role":  string(role),
			"phone": input.Phone,
		},
	}

	p.mu.Lock()
	if _, exists := p.accounts[email]; exists {
		p.mu.Unlock()
		return nil, portal.ErrAlreadyRegistered
	}
	p.accounts[email] = acct
	p.mu.Unlock()

	session, err := p.openSession(acct)
	if err != nil {
		return nil, err
	}

	p.emit(portal.SessionEvent{Type: portal.EventSignedIn, Session: session})
	return session, nil
}

// SignOut closes the current session.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()

	p.emit(portal.SessionEvent{Type: portal.EventSignedOut})
	return nil
}

// CurrentSession returns the open session, dropping it once expired.
func (p *Provider) CurrentSession(ctx context.Context) (*portal.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return nil, nil
	}
	if p.session.Expired(p.now()) {
		p.session = nil
		return nil, nil
	}
	return p.session, nil
}

// Refresh re-mints the token for the open session and emits TOKEN_REFRESHED.
func (p *Provider) Refresh(ctx context.Context) (*portal.Session, error) {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()

	if session == nil {
		return nil, portal.ErrInvalidCredentials
	}

	p.mu.Lock()
	acct, ok := p.accounts[normalizeEmail(session.Email)]
	p.mu.Unlock()
	if !ok {
		return nil, portal.ErrInvalidCredentials
	}

	refreshed, err := p.openSession(acct)
	if err != nil {
		return nil, err
	}

	p.emit(portal.SessionEvent{Type: portal.EventTokenRefreshed, Session: refreshed})
	return refreshed, nil
}

// Subscribe returns a handle on the session event stream.
func (p *Provider) Subscribe() portal.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSub
	p.nextSub++

	ch := make(chan portal.SessionEvent, 8)
	p.subs[id] = ch

	return &subscription{provider: p, id: id, ch: ch}
}

type subscription struct {
	provider *Provider
	id       int
	ch       chan portal.SessionEvent
	once     sync.Once
}

func (s *subscription) Events() <-chan portal.SessionEvent {
	return s.ch
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.provider.mu.Lock()
		delete(s.provider.subs, s.id)
		s.provider.mu.Unlock()
		close(s.ch)
	})
}

func (p *Provider) emit(evt portal.SessionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, ch := range p.subs {
		select {
		case ch <- evt:
		default:
			p.logger.Warn("dropping session event for slow subscriber %d", id)
		}
	}
}

func (p *Provider) openSession(acct *account) (*portal.Session, error) {
	issued := p.now()
	expires := issued.Add(p.ttl)

	token, err := p.mint(acct, issued, expires)
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(acct.metadata))
	for k, v := range acct.metadata {
		data[k] = v
	}

	session := &portal.Session{
		UserID:      acct.id.String(),
		Email:       acct.email,
		AccessToken: token,
		IssuedAt:    &issued,
		ExpiresAt:   &expires,
		Data:        data,
	}

	p.mu.Lock()
	p.session = session
	p.mu.Unlock()

	return session, nil
}

func (p *Provider) mint(acct *account, issued, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   p.issuer,
		"sub":   acct.id.String(),
		"email": acct.email,
		"iat":   jwt.NewNumericDate(issued),
		"exp":   jwt.NewNumericDate(expires),
	}
	if role, ok := acct.metadata["role"]; ok {
		claims["role"] = role
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.signingKey)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
