package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ErrNoCredential is returned when the credential service holds no connected
// account for the user and provider.
var ErrNoCredential = errors.New("auth: no credential on file")

// ProviderFor maps a stored account provider name onto the credential
// service's identifier.
func ProviderFor(name string) (Provider, bool) {
	switch strings.ToUpper(name) {
	case "GOOGLE":
		return ProviderGoogle, true
	case "MICROSOFT":
		return ProviderMicrosoft, true
	}
	return "", false
}

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenClient fetches per-user OAuth tokens from the credential service,
// which owns storage and refresh.
type TokenClient struct {
	baseURL string
	client  *http.Client
}

// NewTokenClient creates a client against the credential service.
func NewTokenClient(baseURL string) *TokenClient {
	return &TokenClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// HasCredential reports whether the credential service holds a connected
// account for the user, without surfacing the token.
func (c *TokenClient) HasCredential(ctx context.Context, userID string, provider Provider) (bool, error) {
	_, err := c.GetToken(ctx, userID, provider)
	if errors.Is(err, ErrNoCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetToken fetches a fresh OAuth token for the user's connected account.
func (c *TokenClient) GetToken(ctx context.Context, userID string, provider Provider) (*Token, error) {
	url := fmt.Sprintf("%s/api/users/%s/accounts/%s/token", c.baseURL, userID, provider)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, fmt.Errorf("%w: user %s provider %s", ErrNoCredential, userID, provider)
	}

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
