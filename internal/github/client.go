package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v55/github"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

const (
	defaultAPIBaseURL = "https://api.github.com"

	// tokens are refreshed this long before they expire so that requests
	// in flight never race the expiration
	tokenRefreshWindow = 5 * time.Minute
)

// ClientProvider builds and caches authenticated GitHub API clients, one
// per app installation. Each client authenticates as the GitHub App via an
// installation access token that is minted lazily and refreshed before it
// expires.
type ClientProvider struct {
	apiBaseURL string
	appID      int64
	privateKey []byte

	mu      sync.Mutex
	clients map[int64]*github.Client
}

// NewClientProvider creates a provider for the GitHub App credentials
// provided. An empty apiBaseURL means the public GitHub API.
func NewClientProvider(apiBaseURL string, appID int64, privateKey []byte) *ClientProvider {
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}
	return &ClientProvider{
		apiBaseURL: apiBaseURL,
		appID:      appID,
		privateKey: privateKey,
		clients:    map[int64]*github.Client{},
	}
}

// Client returns the API client for the installation provided, creating it
// on first use.
func (p *ClientProvider) Client(installationID int64) (*github.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[installationID]; ok {
		return client, nil
	}

	transport := &AuthorizedTransport{
		apiBaseURL:     p.apiBaseURL,
		appID:          p.appID,
		privateKey:     p.privateKey,
		installationID: installationID,
		base:           github_ratelimit.New(http.DefaultTransport),
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}

	client, err := newClient(retryClient.StandardClient(), p.apiBaseURL)
	if err != nil {
		return nil, err
	}
	p.clients[installationID] = client
	return client, nil
}

// NewTokenClient returns a client authenticated with a personal access
// token. Used by the CLI, where no app credentials are available.
func NewTokenClient(ctx context.Context, token string) *github.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

func newClient(httpClient *http.Client, apiBaseURL string) (*github.Client, error) {
	client := github.NewClient(httpClient)
	if apiBaseURL != defaultAPIBaseURL {
		return client.WithEnterpriseURLs(apiBaseURL, apiBaseURL)
	}
	return client, nil
}

// AuthorizedTransport injects the installation access token into every
// request, minting a fresh token when the current one is missing or close
// to expiring.
type AuthorizedTransport struct {
	apiBaseURL     string
	appID          int64
	privateKey     []byte
	installationID int64
	base           http.RoundTripper

	mu              sync.Mutex
	accessToken     string
	tokenExpiration time.Time
}

func (t *AuthorizedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()

	// Refresh the access token if necessary
	if t.accessToken == "" || time.Until(t.tokenExpiration) < tokenRefreshWindow {
		token, err := t.createJWT()
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}

		accessToken, expiresAt, err := t.getAccessTokenForInstallation(req.Context(), token)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.accessToken = accessToken
		t.tokenExpiration = expiresAt
	}
	accessToken := t.accessToken
	t.mu.Unlock()

	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	return t.base.RoundTrip(req)
}

func (t *AuthorizedTransport) createJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(t.privateKey)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iat": int32(time.Now().Unix()),
		"exp": int32(time.Now().Add(10 * time.Minute).Unix()),
		"iss": t.appID,
	})

	signedToken, err := token.SignedString(key)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *AuthorizedTransport) getAccessTokenForInstallation(ctx context.Context, jwt string) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", t.apiBaseURL, t.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}

	req.Header.Add("Authorization", "Bearer "+jwt)
	req.Header.Add("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, fmt.Errorf("unexpected status minting installation token: %s", resp.Status)
	}

	var tokenResp accessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, err
	}
	expiresAt := tokenResp.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(1 * time.Hour)
	}

	return tokenResp.Token, expiresAt, nil
}
