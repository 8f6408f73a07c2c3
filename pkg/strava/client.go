// Package strava wraps the Strava OAuth endpoints and the v3 data API:
// authorize URL construction, code exchange, token refresh, activities and
// athlete lookups. It performs no persistence; callers own the token records.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultOAuthBase is Strava's OAuth endpoint base URL.
	DefaultOAuthBase = "https://www.strava.com/oauth"
	// DefaultAPIBase is Strava's v3 API base URL.
	DefaultAPIBase = "https://www.strava.com/api/v3"

	requestTimeout = 30 * time.Second
)

// APIError reports a non-2xx response from Strava. The body is preserved
// for diagnostics, never for silent retry.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("strava: request failed with status %d: %s", e.StatusCode, e.Body)
}

// ClientConfig configures a Client. OAuthBase, APIBase, and HTTPClient are
// optional; zero values select the production Strava endpoints and a client
// with a bounded timeout.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	// RedirectURI is this service's own callback. Strava requires the exact
	// same value on the authorize and exchange legs.
	RedirectURI string
	Scope       string

	OAuthBase  string
	APIBase    string
	HTTPClient *http.Client
}

// Client talks to Strava. It makes outbound network calls only.
type Client struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	tokenURL   string
	apiBase    string
}

// NewClient creates a Strava client from the provided configuration.
func NewClient(cfg ClientConfig) *Client {
	oauthBase := cfg.OAuthBase
	if oauthBase == "" {
		oauthBase = DefaultOAuthBase
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{cfg.Scope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  oauthBase + "/authorize",
				TokenURL: oauthBase + "/token",
			},
		},
		httpClient: httpClient,
		tokenURL:   oauthBase + "/token",
		apiBase:    apiBase,
	}
}

// AuthorizeURL builds the Strava authorize URL with the given opaque state.
// Construction is deterministic: client id, fixed redirect URI, scope, and
// approval_prompt=auto.
func (c *Client) AuthorizeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto"))
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":     {c.oauth.ClientID},
		"client_secret": {c.oauth.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {c.oauth.RedirectURL},
	}
	return c.postToken(ctx, form)
}

// Refresh trades a refresh token for a fresh access token. Strava may
// rotate the refresh token; callers must persist the returned one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":     {c.oauth.ClientID},
		"client_secret": {c.oauth.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.postToken(ctx, form)
}

func (c *Client) postToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("strava token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token response: %w", err)
	}
	return &token, nil
}

// Activities lists the athlete's activities after the given epoch-seconds
// timestamp, one page at a time.
func (c *Client) Activities(ctx context.Context, accessToken string, after int64, page, perPage int) ([]Activity, error) {
	query := url.Values{
		"after":    {strconv.FormatInt(after, 10)},
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}

	var activities []Activity
	if err := c.getJSON(ctx, accessToken, "/athlete/activities?"+query.Encode(), &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// Activity fetches a single activity by id.
func (c *Client) Activity(ctx context.Context, accessToken string, id int64) (*Activity, error) {
	var activity Activity
	if err := c.getJSON(ctx, accessToken, "/activities/"+strconv.FormatInt(id, 10), &activity); err != nil {
		return nil, err
	}
	return &activity, nil
}

// Athlete fetches the authenticated athlete's profile.
func (c *Client) Athlete(ctx context.Context, accessToken string) (*Athlete, error) {
	var athlete Athlete
	if err := c.getJSON(ctx, accessToken, "/athlete", &athlete); err != nil {
		return nil, err
	}
	return &athlete, nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("strava api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
