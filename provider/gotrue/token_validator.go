package gotrue

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	portal "github.com/learnloop/go-portal"
)

// TokenValidator verifies service-issued JWTs using the JWKS endpoint.
type TokenValidator struct {
	config Config
	jwks   *keyfunc.JWKS
}

// NewTokenValidator fetches the JWK set and returns a validator. The JWKS is
// refreshed in the background for the life of the validator.
func NewTokenValidator(cfg Config) (*TokenValidator, error) {
	jwksURL := cfg.jwksURL()
	if jwksURL == "" {
		return nil, fmt.Errorf("gotrue: JWKS URL is required")
	}

	refreshInterval := cfg.RefreshInterval
	if refreshInterval == 0 {
		refreshInterval = 5 * time.Minute
	}

	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   refreshInterval,
		RefreshRateLimit:  time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gotrue: failed to get JWK set: %w", err)
	}

	return &TokenValidator{
		config: cfg,
		jwks:   jwks,
	}, nil
}

// Validate parses and verifies a token, returning its claims.
func (v *TokenValidator) Validate(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256", "HS256"}),
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	token, err := jwt.Parse(tokenString, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, normalizeValidationError(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, portal.ErrTokenMalformed
	}

	return claims, nil
}

// Subject extracts the user id and email from validated claims.
func (v *TokenValidator) Subject(claims jwt.MapClaims) (id, email string) {
	if sub, ok := claims["sub"].(string); ok {
		id = sub
	}
	if addr, ok := claims["email"].(string); ok {
		email = addr
	}
	return id, email
}

// Close stops the background JWKS refresh.
func (v *TokenValidator) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

func normalizeValidationError(err error) error {
	if err == nil {
		return nil
	}

	clone := portal.ErrTokenMalformed.Clone()
	if stderrors.Is(err, jwt.ErrTokenExpired) {
		clone = portal.ErrTokenExpired.Clone()
	}

	clone.Source = err
	return clone.WithMetadata(map[string]any{
		"provider": "gotrue",
		"cause":    err.Error(),
	})
}
