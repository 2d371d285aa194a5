package gotrue_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	portal "github.com/learnloop/go-portal"
	"github.com/learnloop/go-portal/provider/gotrue"
)

func TestTokenValidatorValidToken(t *testing.T) {
	privateKey, jwksJSON, kid := newTestJWKS(t)
	server := newJWKSServer(jwksJSON)
	t.Cleanup(server.Close)

	validator, err := gotrue.NewTokenValidator(gotrue.Config{
		JWKSURL:  server.URL + "/.well-known/jwks.json",
		Audience: "authenticated",
	})
	require.NoError(t, err)
	t.Cleanup(validator.Close)

	now := time.Now().UTC()
	tokenString := signToken(t, privateKey, kid, jwt.MapClaims{
		"sub":   "5f6c2a1e-1111-4222-8333-444455556666",
		"aud":   "authenticated",
		"email": "jane@example.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})

	claims, err := validator.Validate(tokenString)
	require.NoError(t, err)

	id, email := validator.Subject(claims)
	assert.Equal(t, "5f6c2a1e-1111-4222-8333-444455556666", id)
	assert.Equal(t, "jane@example.com", email)
}

func TestTokenValidatorExpiredToken(t *testing.T) {
	privateKey, jwksJSON, kid := newTestJWKS(t)
	server := newJWKSServer(jwksJSON)
	t.Cleanup(server.Close)

	validator, err := gotrue.NewTokenValidator(gotrue.Config{
		JWKSURL: server.URL + "/.well-known/jwks.json",
	})
	require.NoError(t, err)
	t.Cleanup(validator.Close)

	now := time.Now().UTC()
	tokenString := signToken(t, privateKey, kid, jwt.MapClaims{
		"sub": "5f6c2a1e-1111-4222-8333-444455556666",
		"iat": now.Add(-2 * time.Hour).Unix(),
		"exp": now.Add(-time.Hour).Unix(),
	})

	_, err = validator.Validate(tokenString)
	require.Error(t, err)
	assert.True(t, portal.IsTokenExpiredError(err))

	var richErr *goerrors.Error
	if assert.ErrorAs(t, err, &richErr) {
		assert.Equal(t, portal.TextCodeTokenExpired, richErr.TextCode)
		assert.Equal(t, "gotrue", richErr.Metadata["provider"])
	}
}

func TestTokenValidatorMalformedToken(t *testing.T) {
	_, jwksJSON, _ := newTestJWKS(t)
	server := newJWKSServer(jwksJSON)
	t.Cleanup(server.Close)

	validator, err := gotrue.NewTokenValidator(gotrue.Config{
		JWKSURL: server.URL + "/.well-known/jwks.json",
	})
	require.NoError(t, err)
	t.Cleanup(validator.Close)

	_, err = validator.Validate("not.a.valid.token")
	require.Error(t, err)
	assert.True(t, portal.IsMalformedError(err))

	var richErr *goerrors.Error
	if assert.ErrorAs(t, err, &richErr) {
		assert.Equal(t, portal.TextCodeTokenMalformed, richErr.TextCode)
		assert.Equal(t, "gotrue", richErr.Metadata["provider"])
	}
}

func TestTokenValidatorWrongAudience(t *testing.T) {
	privateKey, jwksJSON, kid := newTestJWKS(t)
	server := newJWKSServer(jwksJSON)
	t.Cleanup(server.Close)

	validator, err := gotrue.NewTokenValidator(gotrue.Config{
		JWKSURL:  server.URL + "/.well-known/jwks.json",
		Audience: "authenticated",
	})
	require.NoError(t, err)
	t.Cleanup(validator.Close)

	now := time.Now().UTC()
	tokenString := signToken(t, privateKey, kid, jwt.MapClaims{
		"sub": "5f6c2a1e-1111-4222-8333-444455556666",
		"aud": "some-other-service",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})

	_, err = validator.Validate(tokenString)
	require.Error(t, err)
	assert.True(t, portal.IsMalformedError(err))
}

func TestCurrentSessionDropsTokenFailingValidation(t *testing.T) {
	_, jwksJSON, kid := newTestJWKS(t)
	jwksServer := newJWKSServer(jwksJSON)
	t.Cleanup(jwksServer.Close)

	// Signed by a key outside the JWK set, so validation must reject it even
	// though the session itself has not hit its expiry.
	rogueKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Now().UTC()
	badToken := signToken(t, rogueKey, kid, jwt.MapClaims{
		"sub": "5f6c2a1e-1111-4222-8333-444455556666",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})

	s := newAuthServer(t)
	s.mux["/token"] = func(w http.ResponseWriter, body map[string]any) {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"access_token": badToken,
			"token_type":   "bearer",
			"expires_in":   3600,
			"user": map[string]any{
				"id":    "5f6c2a1e-1111-4222-8333-444455556666",
				"email": "jane@example.com",
			},
		})
	}

	cfg := gotrue.DefaultConfig(s.server.URL, "anon-key")
	cfg.JWKSURL = jwksServer.URL + "/.well-known/jwks.json"

	validator, err := gotrue.NewTokenValidator(cfg)
	require.NoError(t, err)
	t.Cleanup(validator.Close)

	client, err := gotrue.NewClient(cfg, gotrue.WithTokenValidator(validator))
	require.NoError(t, err)

	session, err := client.SignIn(context.Background(), "jane@example.com", "secret123")
	require.NoError(t, err)
	require.NotNil(t, session)

	current, err := client.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, current)
}

func newTestJWKS(t *testing.T) (*rsa.PrivateKey, []byte, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kid := "test-key"
	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
	}

	jwks := map[string]any{
		"keys": []map[string]any{jwk},
	}

	data, err := json.Marshal(jwks)
	require.NoError(t, err)

	return privateKey, data, kid
}

func newJWKSServer(jwks []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jwks)
	}))
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}
