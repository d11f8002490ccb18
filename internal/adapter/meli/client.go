package meli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/domain"
)

// TokenGrant models the marketplace token endpoint response for both the
// authorization-code and refresh-token grants.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	UserID       int64  `json:"user_id"`
}

// User is the authenticated identity returned by /users/me. Used as the
// live connectivity check after OAuth completes.
type User struct {
	ID        int64  `json:"id"`
	Nickname  string `json:"nickname"`
	Email     string `json:"email"`
	SiteID    string `json:"site_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// APIResponse carries the status and raw body of a marketplace API call.
// Non-2xx responses are returned here, not as errors, so callers can act
// on the status code.
type APIResponse struct {
	Status int
	Body   json.RawMessage
}

// Client encapsulates outbound HTTP calls to the marketplace.
type Client interface {
	ExchangeAuthorizationCode(ctx context.Context, clientID, clientSecret, redirectURI, code string) (*TokenGrant, error)
	RefreshAccessToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenGrant, error)
	FetchUser(ctx context.Context, accessToken string) (*User, error)
	Get(ctx context.Context, rawURL, accessToken string) (*APIResponse, error)
}

// HTTPClient is the default HTTP implementation.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default marketplace client.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

// ExchangeAuthorizationCode performs the authorization-code grant. The
// code is single-use, so there is no retry here.
func (c *HTTPClient) ExchangeAuthorizationCode(ctx context.Context, clientID, clientSecret, redirectURI, code string) (*TokenGrant, error) {
	if clientID == "" || clientSecret == "" || redirectURI == "" || code == "" {
		return nil, fmt.Errorf("authorization code grant: %w", domain.ErrMissingInput)
	}
	params := url.Values{}
	params.Set("grant_type", "authorization_code")
	params.Set("client_id", clientID)
	params.Set("client_secret", clientSecret)
	params.Set("code", code)
	params.Set("redirect_uri", redirectURI)
	return c.tokenRequest(ctx, params)
}

// RefreshAccessToken performs the refresh-token grant. Retry policy lives
// in the caller.
func (c *HTTPClient) RefreshAccessToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenGrant, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, fmt.Errorf("refresh token grant: %w", domain.ErrMissingInput)
	}
	params := url.Values{}
	params.Set("grant_type", "refresh_token")
	params.Set("client_id", clientID)
	params.Set("client_secret", clientSecret)
	params.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, params)
}

// The marketplace token endpoint takes its parameters on the query string.
func (c *HTTPClient) tokenRequest(ctx context.Context, params url.Values) (*TokenGrant, error) {
	endpoint := c.baseURL + "/oauth/token?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.ExchangeError{Status: resp.StatusCode, Body: string(body)}
	}

	var grant TokenGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		return nil, &domain.ExchangeError{Status: resp.StatusCode, Body: string(body)}
	}
	return &grant, nil
}

// FetchUser loads the authenticated identity profile.
func (c *HTTPClient) FetchUser(ctx context.Context, accessToken string) (*User, error) {
	resp, err := c.Get(ctx, c.baseURL+"/users/me", accessToken)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &domain.APIError{Status: resp.Status, Body: string(resp.Body)}
	}
	var user User
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &user, nil
}

// Get issues a bearer-authenticated GET against the marketplace API and
// returns the response regardless of status.
func (c *HTTPClient) Get(ctx context.Context, rawURL, accessToken string) (*APIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &APIResponse{Status: resp.StatusCode, Body: body}, nil
}

// BaseURL exposes the configured API root for callers building search URLs.
func (c *HTTPClient) BaseURL() string { return c.baseURL }
