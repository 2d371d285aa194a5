package gotrue_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	portal "github.com/learnloop/go-portal"
	"github.com/learnloop/go-portal/provider/gotrue"
)

func textCode(t *testing.T, err error) string {
	t.Helper()
	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	return richErr.TextCode
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	APIKey string
	Bearer string
	Body   map[string]any
}

// authServer scripts GoTrue responses keyed by path and records what the
// client sent.
type authServer struct {
	t        *testing.T
	mux      map[string]func(w http.ResponseWriter, body map[string]any)
	requests []recordedRequest
	server   *httptest.Server
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	s := &authServer{t: t, mux: map[string]func(http.ResponseWriter, map[string]any){}}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *authServer) handle(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	s.requests = append(s.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		APIKey: r.Header.Get("apikey"),
		Bearer: r.Header.Get("Authorization"),
		Body:   body,
	})

	handler, ok := s.mux[r.URL.Path]
	if !ok {
		s.t.Errorf("unexpected request to %s", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	handler(w, body)
}

func (s *authServer) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func newTestClient(t *testing.T, s *authServer) *gotrue.Client {
	t.Helper()
	cfg := gotrue.DefaultConfig(s.server.URL, "anon-key")
	client, err := gotrue.NewClient(cfg)
	require.NoError(t, err)
	return client
}

func TestSignInPasswordGrant(t *testing.T) {
	s := newAuthServer(t)
	s.mux["/token"] = func(w http.ResponseWriter, body map[string]any) {
		assert.Equal(t, "jane@example.com", body["email"])
		assert.Equal(t, "secret1234", body["password"])
		s.respondJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-abc",
			"refresh_token": "refresh-xyz",
			"token_type":    "bearer",
			"expires_in":    3600,
			"user": map[string]any{
				"id":    "user-1",
				"email": "jane@example.com",
				"user_metadata": map[string]any{
					"name": "Jane",
					"role": "admin",
				},
			},
		})
	}

	client := newTestClient(t, s)
	sub := client.Subscribe()
	defer sub.Unsubscribe()

	session, err := client.SignIn(context.Background(), "jane@example.com", "secret1234")
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, "jane@example.com", session.Email)
	assert.Equal(t, "access-abc", session.AccessToken)
	assert.Equal(t, "Jane", session.Data["name"])
	assert.Equal(t, "refresh-xyz", session.Data["refresh_token"])
	require.NotNil(t, session.ExpiresAt)
	assert.True(t, session.ExpiresAt.After(time.Now()))

	require.Len(t, s.requests, 1)
	assert.Equal(t, "grant_type=password", s.requests[0].Query)
	assert.Equal(t, "anon-key", s.requests[0].APIKey)

	evt := <-sub.Events()
	assert.Equal(t, portal.EventSignedIn, evt.Type)

	cached, err := client.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session, cached)
}

func TestSignInInvalidCredentials(t *testing.T) {
	s := newAuthServer(t)
	s.mux["/token"] = func(w http.ResponseWriter, body map[string]any) {
		s.respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "Invalid login credentials",
		})
	}

	client := newTestClient(t, s)

	_, err := client.SignIn(context.Background(), "jane@example.com", "wrong")
	require.Error(t, err)
	assert.Equal(t, portal.TextCodeInvalidCredentials, textCode(t, err))
}

func TestSignUpWithConfirmationPending(t *testing.T) {
	s := newAuthServer(t)
	s.mux["/signup"] = func(w http.ResponseWriter, body map[string]any) {
		data, _ := body["data"].(map[string]any)
		assert.Equal(t, "Jane", data["name"])
		assert.Equal(t, "student", data["role"])
		// No access_token: email confirmation is required.
		s.respondJSON(w, http.StatusOK, map[string]any{
			"user": map[string]any{
				"id":    "user-1",
				"email": "jane@example.com",
			},
		})
	}

	client := newTestClient(t, s)

	session, err := client.SignUp(context.Background(), portal.SignUpInput{
		Email:    "jane@example.com",
		Password: "secret1234",
		Name:     "Jane",
	})
	require.NoError(t, err)
	assert.Nil(t, session)

	cached, err := client.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestSignUpWithImmediateSession(t *testing.T) {
	s := newAuthServer(t)
	s.mux["/signup"] = func(w http.ResponseWriter, body map[string]any) {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"access_token": "access-abc",
			"expires_in":   3600,
			"user": map[string]any{
				"id":    "user-1",
				"email": "jane@example.com",
			},
		})
	}

	client := newTestClient(t, s)
	sub := client.Subscribe()
	defer sub.Unsubscribe()

	session, err := client.SignUp(context.Background(), portal.SignUpInput{
		Email:    "jane@example.com",
		Password: "secret1234",
	})
	require.NoError(t, err)
	require.NotNil(t, session)

	evt := <-sub.Events()
	assert.Equal(t, portal.EventSignedIn, evt.Type)
}

func TestSignUpDuplicateEmail(t *testing.T) {
	s := newAuthServer(t)
	s.mux["/signup"] = func(w http.ResponseWriter, body map[string]any) {
		s.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"msg": "User already registered",
		})
	}

	client := newTestClient(t, s)

	_, err := client.SignUp(context.Background(), portal.SignUpInput{
		Email:    "jane@example.com",
		Password: "secret1234",
	})
	require.Error(t, err)
	assert.Equal(t, portal.TextCodeAlreadyRegistered, textCode(t, err))
}

func TestSignOutRevokesAndAlwaysClears(t *testing.T) {
	s := newAuthServer(t)
	s.mux["/token"] = func(w http.ResponseWriter, body map[string]any) {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"access_token": "access-abc",
			"expires_in":   3600,
			"user":         map[string]any{"id": "user-1", "email": "jane@example.com"},
		})
	}
	s.mux["/logout"] = func(w http.ResponseWriter, body map[string]any) {
		w.WriteHeader(http.StatusNoContent)
	}

	client := newTestClient(t, s)

	_, err := client.SignIn(context.Background(), "jane@example.com", "secret1234")
	require.NoError(t, err)

	sub := client.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, client.SignOut(context.Background()))

	logout := s.requests[len(s.requests)-1]
	assert.Equal(t, "/logout", logout.Path)
	assert.Equal(t, "Bearer access-abc", logout.Bearer)

	evt := <-sub.Events()
	assert.Equal(t, portal.EventSignedOut, evt.Type)

	cached, err := client.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestSignOutWithoutSessionSkipsRequest(t *testing.T) {
	s := newAuthServer(t)
	client := newTestClient(t, s)

	require.NoError(t, client.SignOut(context.Background()))
	assert.Empty(t, s.requests)
}

func TestRefreshEmitsTokenRefreshed(t *testing.T) {
	s := newAuthServer(t)
	s.mux["/token"] = func(w http.ResponseWriter, body map[string]any) {
		assert.Equal(t, "refresh-xyz", body["refresh_token"])
		s.respondJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-next",
			"refresh_token": "refresh-next",
			"expires_in":    3600,
			"user":          map[string]any{"id": "user-1", "email": "jane@example.com"},
		})
	}

	client := newTestClient(t, s)
	sub := client.Subscribe()
	defer sub.Unsubscribe()

	session, err := client.Refresh(context.Background(), "refresh-xyz")
	require.NoError(t, err)
	assert.Equal(t, "access-next", session.AccessToken)
	assert.Equal(t, "grant_type=refresh_token", s.requests[0].Query)

	evt := <-sub.Events()
	assert.Equal(t, portal.EventTokenRefreshed, evt.Type)
}

func TestNetworkFailureClassified(t *testing.T) {
	s := newAuthServer(t)
	url := s.server.URL
	s.server.Close()

	cfg := gotrue.DefaultConfig(url, "anon-key")
	client, err := gotrue.NewClient(cfg)
	require.NoError(t, err)

	_, err = client.SignIn(context.Background(), "jane@example.com", "secret1234")
	require.Error(t, err)
	assert.True(t, portal.IsNetworkError(err))
}
