package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	portal "github.com/learnloop/go-portal"
)

// Client talks to a GoTrue-compatible auth service and broadcasts session
// lifecycle events to subscribers.
type Client struct {
	config    Config
	http      *http.Client
	logger    portal.Logger
	now       func() time.Time
	validator *TokenValidator

	mu      sync.Mutex
	session *portal.Session
	subs    map[int]chan portal.SessionEvent
	nextSub int
}

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithClientLogger overrides the client logger.
func WithClientLogger(logger portal.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTokenValidator verifies cached access tokens against the service JWKS.
// A cached session whose token no longer validates is dropped instead of
// being handed back to callers.
func WithTokenValidator(validator *TokenValidator) ClientOption {
	return func(c *Client) {
		c.validator = validator
	}
}

// WithClientClock injects a custom clock (useful for tests).
func WithClientClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient creates a GoTrue-backed identity provider.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config: cfg,
		http:   cfg.httpClient(),
		logger: portal.NewDefaultLogger(),
		now:    time.Now,
		subs:   map[int]chan portal.SessionEvent{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// tokenResponse is the wire shape of /token and /signup responses.
type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	User         userBody `json:"user"`
}

type userBody struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	AppMetadata  map[string]any `json:"app_metadata"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"msg"`
	Code             int    `json:"code"`
}

func (e errorResponse) text() string {
	switch {
	case e.ErrorDescription != "":
		return e.ErrorDescription
	case e.Message != "":
		return e.Message
	case e.Error != "":
		return e.Error
	}
	return "unknown provider error"
}

// SignIn exchanges credentials for a session using the password grant.
func (c *Client) SignIn(ctx context.Context, email, password string) (*portal.Session, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}

	var res tokenResponse
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=password", body, &res); err != nil {
		return nil, portal.NormalizeAuthError(err)
	}

	session := c.sessionFromToken(res)
	c.storeSession(session)
	c.emit(portal.SessionEvent{Type: portal.EventSignedIn, Session: session})

	return session, nil
}

// SignUp registers a new account. Depending on service settings the response
// may or may not include a session (email confirmation pending).
func (c *Client) SignUp(ctx context.Context, input portal.SignUpInput) (*portal.Session, error) {
	role := input.Role
	if role == "" {
		role = portal.RoleStudent
	}

	body := map[string]any{
		"email":    input.Email,
		"password": input.Password,
		"data": map[string]any{
			"name":  input.Name,
			"role":  string(role),
			"phone": input.Phone,
		},
	}

	var res tokenResponse
	if err := c.do(ctx, http.MethodPost, "/signup", body, &res); err != nil {
		return nil, portal.NormalizeAuthError(err)
	}

	if res.AccessToken == "" {
		// Confirmation required. The SIGNED_IN event arrives after the user
		// verifies their email and signs in.
		return nil, nil
	}

	session := c.sessionFromToken(res)
	c.storeSession(session)
	c.emit(portal.SessionEvent{Type: portal.EventSignedIn, Session: session})

	return session, nil
}

// SignOut revokes the current session and notifies subscribers.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	defer c.emit(portal.SessionEvent{Type: portal.EventSignedOut})

	if session == nil || session.AccessToken == "" {
		return nil
	}

	if err := c.doAuthed(ctx, http.MethodPost, "/logout", session.AccessToken, nil, nil); err != nil {
		return portal.NormalizeAuthError(err)
	}
	return nil
}

// CurrentSession returns the cached session, dropping it once expired or, with
// a validator configured, once its token fails JWKS verification.
func (c *Client) CurrentSession(ctx context.Context) (*portal.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, nil
	}
	if c.session.Expired(c.now()) {
		c.session = nil
		return nil, nil
	}
	if c.validator != nil {
		if _, err := c.validator.Validate(c.session.AccessToken); err != nil {
			c.logger.Warn("dropping cached session, token validation failed: %v", err)
			c.session = nil
			return nil, nil
		}
	}
	return c.session, nil
}

// Refresh exchanges the refresh token for a new access token and emits a
// TOKEN_REFRESHED event.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*portal.Session, error) {
	body := map[string]string{
		"refresh_token": refreshToken,
	}

	var res tokenResponse
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", body, &res); err != nil {
		return nil, portal.NormalizeAuthError(err)
	}

	session := c.sessionFromToken(res)
	c.storeSession(session)
	c.emit(portal.SessionEvent{Type: portal.EventTokenRefreshed, Session: session})

	return session, nil
}

// Subscribe returns a handle on the session event stream.
func (c *Client) Subscribe() portal.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++

	ch := make(chan portal.SessionEvent, 8)
	c.subs[id] = ch

	return &clientSubscription{client: c, id: id, ch: ch}
}

type clientSubscription struct {
	client *Client
	id     int
	ch     chan portal.SessionEvent
	once   sync.Once
}

func (s *clientSubscription) Events() <-chan portal.SessionEvent {
	return s.ch
}

func (s *clientSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.subs, s.id)
		s.client.mu.Unlock()
		close(s.ch)
	})
}

func (c *Client) emit(evt portal.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.subs {
		select {
		case ch <- evt:
		default:
			c.logger.Warn("dropping session event for slow subscriber %d", id)
		}
	}
}

func (c *Client) storeSession(session *portal.Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

func (c *Client) sessionFromToken(res tokenResponse) *portal.Session {
	issued := c.now()
	expires := issued.Add(time.Duration(res.ExpiresIn) * time.Second)

	data := map[string]any{}
	for k, v := range res.User.UserMetadata {
		data[k] = v
	}
	if res.RefreshToken != "" {
		data["refresh_token"] = res.RefreshToken
	}

	return &portal.Session{
		UserID:      res.User.ID,
		Email:       res.User.Email,
		AccessToken: res.AccessToken,
		IssuedAt:    &issued,
		ExpiresAt:   &expires,
		Data:        data,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doAuthed(ctx, method, path, "", body, out)
}

func (c *Client) doAuthed(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gotrue: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.baseURL()+path, reader)
	if err != nil {
		return fmt.Errorf("gotrue: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.config.APIKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gotrue: network error: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("gotrue: read response: %w", err)
	}

	if res.StatusCode >= 400 {
		var apiErr errorResponse
		if err := json.Unmarshal(raw, &apiErr); err != nil {
			return fmt.Errorf("gotrue: %s %s failed with status %d", method, path, res.StatusCode)
		}
		return fmt.Errorf("gotrue: %s", apiErr.text())
	}

	if out == nil || len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("gotrue: decode response: %w", err)
	}
	return nil
}
