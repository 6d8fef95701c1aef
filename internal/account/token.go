package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kiro2api/kiro-gateway/internal/kiro"
)

// refreshThreshold is how far ahead of expiry a token is considered stale
// and worth refreshing eagerly.
const refreshThreshold = 5 * time.Minute

// TokenManager owns one account's live access token and coordinates its
// refresh. A single in-flight refresh is shared by every concurrent caller
// via singleflight, so a burst of requests against a newly-selected account
// triggers exactly one upstream refresh call.
type TokenManager struct {
	mu     sync.Mutex
	creds  Credentials
	region string

	client *kiro.Client
	sf     singleflight.Group
}

// NewTokenManager creates a manager for one account's credentials.
func NewTokenManager(creds Credentials, region string, client *kiro.Client) *TokenManager {
	return &TokenManager{creds: creds, region: region, client: client}
}

func (m *TokenManager) isFresh() bool {
	if m.creds.AccessToken == "" {
		return false
	}
	if m.creds.ExpiresAt == "" {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339, m.creds.ExpiresAt)
	if err != nil {
		return false
	}
	return time.Until(expiresAt) > refreshThreshold
}

// EnsureValidToken returns a usable bearer token, refreshing it first if
// it is missing or within refreshThreshold of expiry. Concurrent callers
// for the same account collapse onto a single upstream refresh.
func (m *TokenManager) EnsureValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.isFresh() {
		token := m.creds.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	v, err, _ := m.sf.Do("refresh", func() (interface{}, error) {
		m.mu.Lock()
		if m.isFresh() {
			token := m.creds.AccessToken
			m.mu.Unlock()
			return token, nil
		}
		creds := m.creds
		m.mu.Unlock()

		result, err := m.client.RefreshToken(ctx, kiro.RefreshParams{
			Region:       m.region,
			RefreshToken: creds.RefreshToken,
			AuthMethod:   creds.AuthMethod,
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("account: refresh token: %w", err)
		}

		m.mu.Lock()
		m.creds.AccessToken = result.AccessToken
		if result.RefreshToken != "" {
			m.creds.RefreshToken = result.RefreshToken
		}
		if result.ProfileARN != "" {
			m.creds.ProfileARN = result.ProfileARN
		}
		expiresAt := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second).UTC()
		m.creds.ExpiresAt = expiresAt.Format(time.RFC3339)
		m.mu.Unlock()

		return result.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Credentials returns a copy of the manager's current in-memory
// credentials, including whatever access token the last refresh produced.
// The access token and expiry are never written back to persisted storage;
// the stored account record keeps the refresh token and the other
// credential fields only.
func (m *TokenManager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// ProfileARN returns the profile ARN learned from the last refresh, if any.
func (m *TokenManager) ProfileARN() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.ProfileARN
}

// Region returns the Kiro region this account's requests and refreshes
// should target.
func (m *TokenManager) Region() string {
	return m.region
}
