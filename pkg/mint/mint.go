// Package mint is Mirror's bearer-token client: it exchanges a configured
// realm/service/username/password credential flow for short-lived bearer
// tokens, caching each by scope until it is close to expiry.
package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/clusterreg/registry/pkg/log"
	"github.com/rs/zerolog"
)

// Credentials configures the external token server a Minter authenticates
// against, per SPEC_FULL.md §6's "mirroring" and "token_server" knobs.
type Credentials struct {
	Realm    string
	Service  string
	Username string
	Password string
}

// cachedToken is one scope's currently-held token and when it stops being
// safe to reuse.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Minter fetches and caches bearer tokens for repository pull scopes.
type Minter struct {
	creds  Credentials
	client *http.Client
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedToken
}

// New constructs a Minter for the given credential flow.
func New(creds Credentials) *Minter {
	return &Minter{
		creds:  creds,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithComponent("mint"),
		cache:  make(map[string]cachedToken),
	}
}

// tokenResponse is the Docker token-auth response shape; servers may use
// either field name for the bearer token.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a valid bearer token scoped to "repository:<repo>:pull",
// fetching a fresh one if the cached one is missing or within 30s of
// expiry.
func (m *Minter) Token(ctx context.Context, repository string) (string, error) {
	scope := fmt.Sprintf("repository:%s:pull", repository)

	m.mu.Lock()
	cached, ok := m.cache[scope]
	m.mu.Unlock()
	if ok && time.Now().Add(30*time.Second).Before(cached.expiresAt) {
		return cached.token, nil
	}

	token, expiresAt, err := m.fetch(ctx, scope)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[scope] = cachedToken{token: token, expiresAt: expiresAt}
	m.mu.Unlock()
	return token, nil
}

func (m *Minter) fetch(ctx context.Context, scope string) (string, time.Time, error) {
	q := url.Values{}
	q.Set("service", m.creds.Service)
	q.Set("scope", scope)

	reqURL := m.creds.Realm + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint: build request: %w", err)
	}
	req.SetBasicAuth(m.creds.Username, m.creds.Password)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint: request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("mint: token server returned %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("mint: decode token response: %w", err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", time.Time{}, fmt.Errorf("mint: token response carried no token")
	}

	ttl := 60 * time.Second
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	return token, time.Now().Add(ttl), nil
}
