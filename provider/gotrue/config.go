package gotrue

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Config holds connection details for a GoTrue-compatible auth service.
type Config struct {
	// BaseURL is the auth service root (e.g. "https://project.example.co/auth/v1").
	BaseURL string

	// APIKey is the public (anon) API key sent with every request.
	APIKey string

	// JWKSURL overrides the default JWKS endpoint (optional).
	// Default: "{BaseURL}/.well-known/jwks.json".
	JWKSURL string

	// Audience is the expected token audience (optional).
	Audience string

	// HTTPClient overrides the default HTTP client (optional).
	HTTPClient *http.Client

	// Timeout bounds individual requests when HTTPClient is nil.
	// Default: 10 seconds.
	Timeout time.Duration

	// RefreshInterval is how often JWKS keys are refreshed.
	// Default: 5 minutes.
	RefreshInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:         baseURL,
		APIKey:          apiKey,
		Timeout:         10 * time.Second,
		RefreshInterval: 5 * time.Minute,
	}
}

func (c Config) baseURL() string {
	return strings.TrimSuffix(strings.TrimSpace(c.BaseURL), "/")
}

func (c Config) jwksURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	base := c.baseURL()
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/.well-known/jwks.json", base)
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c Config) validate() error {
	if c.baseURL() == "" {
		return fmt.Errorf("gotrue: base URL is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("gotrue: API key is required")
	}
	return nil
}
