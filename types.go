package portal

import (
	"context"
	"fmt"
	"io"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Session is the client's cached copy of a provider-issued session. The
// token itself is opaque; the fields here are the identity attributes the
// portal needs to key profile lookups.
type Session struct {
	UserID      string         `json:"user_id,omitempty"`
	Email       string         `json:"email,omitempty"`
	AccessToken string         `json:"access_token,omitempty"`
	IssuedAt    *time.Time     `json:"issued_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Expired reports whether the session's token lifetime has elapsed.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt == nil {
		return false
	}
	return now.After(*s.ExpiresAt)
}

func (s Session) String() string {
	expires := "<nil>"
	if s.ExpiresAt != nil {
		expires = s.ExpiresAt.Format(time.RFC1123)
	}
	return fmt.Sprintf("user=%s email=%s exp=%s", s.UserID, s.Email, expires)
}

// SessionEventType enumerates session lifecycle notifications delivered by
// the identity provider's event stream.
type SessionEventType string

const (
	EventSignedIn       SessionEventType = "SIGNED_IN"
	EventSignedOut      SessionEventType = "SIGNED_OUT"
	EventTokenRefreshed SessionEventType = "TOKEN_REFRESHED"
)

// SessionEvent is one notification on the session-change stream. Session is
// nil for EventSignedOut.
type SessionEvent struct {
	Type    SessionEventType
	Session *Session
}

// Subscription is a handle on the session-change stream. Events() is closed
// after Unsubscribe returns.
type Subscription interface {
	Events() <-chan SessionEvent
	Unsubscribe()
}

// SignUpInput carries new-account data submitted to the provider. Metadata
// travels as provider-side user metadata and is echoed back on the session.
type SignUpInput struct {
	Email    string
	Password string
	Name     string
	Role     Role
	Phone    string
}

// IdentityProvider is the external managed identity service. Implementations
// issue and validate sessions; the portal is only a consumer.
type IdentityProvider interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, input SignUpInput) (*Session, error)
	SignOut(ctx context.Context) error
	CurrentSession(ctx context.Context) (*Session, error)
	Subscribe() Subscription
}

// ProfileStore is the external store for Profile records, keyed by session
// identity. Not-found must be distinguishable via IsProfileNotFound.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (*Profile, error)
	GetByEmail(ctx context.Context, email string) (*Profile, error)
	Create(ctx context.Context, profile *Profile) (*Profile, error)
	GetOrCreate(ctx context.Context, profile *Profile) (*Profile, error)
	UpdateRole(ctx context.Context, id string, role Role) (*Profile, error)
	AddPoints(ctx context.Context, id string, delta int) (*Profile, error)
}

// FileStore is the external object storage used by resource uploads. Bucket
// provisioning is the backend's concern, not ours.
type FileStore interface {
	Upload(ctx context.Context, key string, contentType string, body io.Reader) error
	PublicURL(key string) string
}

// Notifier surfaces user-facing success/failure notices. The web layer maps
// these onto flash messages; tests capture them directly.
type Notifier interface {
	Success(message string)
	Error(message string)
}

// NotifierFunc adapts a function pair to the Notifier interface.
type NotifierFunc struct {
	OnSuccess func(message string)
	OnError   func(message string)
}

func (n NotifierFunc) Success(message string) {
	if n.OnSuccess != nil {
		n.OnSuccess(message)
	}
}

func (n NotifierFunc) Error(message string) {
	if n.OnError != nil {
		n.OnError(message)
	}
}

type noopNotifier struct{}

func (noopNotifier) Success(string) {}
func (noopNotifier) Error(string)   {}

func normalizeNotifier(n Notifier) Notifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}

// NewDefaultLogger returns the stdout logger used when none is configured.
func NewDefaultLogger() Logger {
	return defLogger{}
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] PORTAL "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] PORTAL "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] PORTAL "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] PORTAL "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
