package portal

import (
	"net/http"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// DefaultRejectedRouteKey names the cookie used to remember where an
// unauthenticated visitor was heading.
const DefaultRejectedRouteKey = "portal_redirect"

// DefaultRejectedRouteDefault is where we send a visitor when no redirect
// cookie or referer is available.
const DefaultRejectedRouteDefault = "/home"

// RouteGuard protects routes using the in-memory session state instead of
// parsing tokens on every request.
type RouteGuard struct {
	sessions             *SessionManager
	rejectedRouteKey     string
	rejectedRouteDefault string
	contextKey           string
	Logger               Logger
	AuthErrorHandler     func(c router.Context, err error) error
	ErrorHandler         func(c router.Context, err error) error
}

// RouteGuardOption customizes a RouteGuard.
type RouteGuardOption func(*RouteGuard)

// WithGuardLogger overrides the guard logger.
func WithGuardLogger(logger Logger) RouteGuardOption {
	return func(g *RouteGuard) {
		if logger != nil {
			g.Logger = logger
		}
	}
}

// WithGuardContextKey changes the locals key the user is stored under.
func WithGuardContextKey(key string) RouteGuardOption {
	return func(g *RouteGuard) {
		if key != "" {
			g.contextKey = key
		}
	}
}

// WithGuardRejectedRoute changes the redirect cookie name and fallback path.
func WithGuardRejectedRoute(key, def string) RouteGuardOption {
	return func(g *RouteGuard) {
		if key != "" {
			g.rejectedRouteKey = key
		}
		if def != "" {
			g.rejectedRouteDefault = def
		}
	}
}

// NewRouteGuard builds a guard bound to the given session manager.
func NewRouteGuard(sessions *SessionManager, opts ...RouteGuardOption) *RouteGuard {
	g := &RouteGuard{
		sessions:             sessions,
		rejectedRouteKey:     DefaultRejectedRouteKey,
		rejectedRouteDefault: DefaultRejectedRouteDefault,
		contextKey:           "user",
		Logger:               defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	g.ErrorHandler = g.defaultErrHandler
	g.AuthErrorHandler = g.defaultAuthErrHandler

	return g
}

// ProtectedRoute rejects requests unless the session manager reports an
// authenticated user. The user is stored in locals under the context key.
func (g *RouteGuard) ProtectedRoute(errorHandler func(router.Context, error) error) router.MiddlewareFunc {
	if errorHandler == nil {
		errorHandler = g.AuthErrorHandler
	}

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			state := g.sessions.State()
			if !state.IsAuthenticated() {
				return errorHandler(c, ErrInvalidCredentials)
			}

			c.Locals(g.contextKey, state.User)
			return hf(c)
		}
	}
}

// RequireRole rejects authenticated users below the given role.
func (g *RouteGuard) RequireRole(min Role) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			user, ok := FromRouterContext(c, g.contextKey)
			if !ok || user == nil {
				return g.AuthErrorHandler(c, ErrInvalidCredentials)
			}

			if !RoleAtLeast(user.Role, min) {
				return g.ErrorHandler(c, errors.New("insufficient role", errors.CategoryAuthz).
					WithCode(errors.CodeForbidden).
					WithMetadata(map[string]any{
						"role":     user.Role,
						"required": min,
					}))
			}

			return hf(c)
		}
	}
}

func (g *RouteGuard) GetRedirect(ctx router.Context, def ...string) string {
	r := ctx.Cookies(g.rejectedRouteKey)
	if r == "" {
		return def[0]
	}
	g.cookieDel(ctx, g.rejectedRouteKey)
	return r
}

func (g *RouteGuard) GetRedirectOrDefault(ctx router.Context) string {
	refererHeader := string(ctx.Referer())

	r := ctx.Cookies(g.rejectedRouteKey, refererHeader)
	if r == "" {
		r = g.rejectedRouteDefault
	}
	g.cookieDel(ctx, g.rejectedRouteKey)
	return r
}

func (g *RouteGuard) SetRedirect(ctx router.Context) {
	g.Logger.Info("Setting redirect cookie", "key", g.rejectedRouteKey, "path", ctx.OriginalURL())

	ctx.Cookie(&router.Cookie{
		Name:     g.rejectedRouteKey,
		Value:    ctx.OriginalURL(),
		Expires:  time.Now().Add(time.Minute * 5),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	})
}

func (g *RouteGuard) cookieDel(c router.Context, name string) {
	c.Cookie(&router.Cookie{
		Name:     name,
		Value:    "",
		Expires:  time.Now().Add(-time.Hour * (24 * 365)),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	})
}

func (g *RouteGuard) defaultAuthErrHandler(c router.Context, err error) error {
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		richErr = errors.Wrap(err, errors.CategoryAuth, "An unexpected authentication error").
			WithCode(errors.CodeUnauthorized)
	}

	g.Logger.Info(
		"Authentication error, redirecting to login",
		"error", richErr.Message,
		"text_code", richErr.TextCode,
		"path", c.OriginalURL(),
	)

	g.SetRedirect(c)

	statusCode := http.StatusSeeOther
	if c.Method() == string(router.GET) {
		statusCode = http.StatusFound
	}
	return c.Redirect("/login", statusCode)
}

func (g *RouteGuard) defaultErrHandler(c router.Context, err error) error {
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		richErr = errors.Wrap(err, errors.CategoryInternal, "An unexpected server error occurred").
			WithCode(errors.CodeInternal)
	}

	g.Logger.Info(
		"Middleware error handler",
		"error", richErr.Message,
		"category", richErr.Category,
		"details", print.MaybePrettyJSON(richErr.Metadata),
	)

	switch richErr.Category {
	case errors.CategoryAuth, errors.CategoryAuthz:
		return g.AuthErrorHandler(c, richErr)
	default:
		return c.Status(richErr.Code).Render("errors/500", router.ViewContext{
			"error": richErr,
		})
	}
}
