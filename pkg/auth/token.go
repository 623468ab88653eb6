// Package auth manages the Login-with-Amazon OAuth2 access token used to sign
// Selling Partner API requests.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenURL is the Login-with-Amazon token endpoint.
const DefaultTokenURL = "https://api.amazon.com/auth/o2/token"

// refreshTimeout bounds a shared refresh, which runs detached from any single caller.
const refreshTimeout = 30 * time.Second

var (
	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spapi_token_refreshes_total",
		Help: "Total OAuth token refresh calls by result",
	}, []string{"result"})
)

// AccessToken is a short-lived bearer token and the instant it stops being valid.
type AccessToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token can still be used at t, keeping margin in reserve.
func (t AccessToken) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-margin))
}

// Config holds the credentials used to exchange the refresh token.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// TokenURL overrides DefaultTokenURL (tests, sandboxes).
	TokenURL string

	// RefreshMargin renews the token this long before it actually expires.
	RefreshMargin time.Duration

	HTTPClient *http.Client

	// Store optionally shares the token between processes.
	Store TokenStore
}

// TokenManager owns the cached access token and refreshes it lazily.
// Concurrent callers needing a refresh share a single in-flight exchange.
type TokenManager struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	token AccessToken

	group singleflight.Group
}

// NewTokenManager validates cfg and returns a manager with an empty cache.
func NewTokenManager(cfg Config, logger zerolog.Logger) (*TokenManager, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.RefreshMargin < 0 {
		cfg.RefreshMargin = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &TokenManager{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "token-manager").Logger(),
		now:    time.Now,
	}, nil
}

// Token returns a valid access token, refreshing it when the cached one has expired.
func (m *TokenManager) Token(ctx context.Context) (AccessToken, error) {
	m.mu.RLock()
	cached := m.token
	m.mu.RUnlock()
	if cached.ValidAt(m.now(), m.cfg.RefreshMargin) {
		return cached, nil
	}

	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx)
	})

	select {
	case <-ctx.Done():
		// The refresh keeps running for the other callers.
		return AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		if res.Shared {
			m.logger.Debug().Msg("Joined in-flight token refresh")
		}
		return res.Val.(AccessToken), nil
	}
}

// Invalidate drops the cached token so the next call refreshes.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = AccessToken{}
	m.mu.Unlock()
}

func (m *TokenManager) refresh(ctx context.Context) (AccessToken, error) {
	// A caller that lost the race may find the winner's token already cached.
	m.mu.RLock()
	cached := m.token
	m.mu.RUnlock()
	if cached.ValidAt(m.now(), m.cfg.RefreshMargin) {
		return cached, nil
	}

	if m.cfg.Store != nil {
		stored, err := m.cfg.Store.Load(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Token store load failed")
		} else if stored != nil && stored.ValidAt(m.now(), m.cfg.RefreshMargin) {
			m.set(*stored)
			m.logger.Debug().Time("expires_at", stored.ExpiresAt).Msg("Using token from shared store")
			return *stored, nil
		}
	}

	token, err := m.exchange(ctx)
	if err != nil {
		tokenRefreshesTotal.WithLabelValues("error").Inc()
		m.logger.Error().Err(err).Msg("Failed to obtain access token")
		return AccessToken{}, err
	}
	tokenRefreshesTotal.WithLabelValues("ok").Inc()
	m.set(token)

	if m.cfg.Store != nil {
		if err := m.cfg.Store.Save(ctx, token); err != nil {
			m.logger.Warn().Err(err).Msg("Token store save failed")
		}
	}

	m.logger.Info().Time("expires_at", token.ExpiresAt).Msg("Obtained new access token")
	return token, nil
}

func (m *TokenManager) set(token AccessToken) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (m *TokenManager) exchange(ctx context.Context) (AccessToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", m.cfg.RefreshToken)
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, &Error{Err: fmt.Errorf("create token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := m.now()
	resp, err := m.client.Do(req)
	if err != nil {
		return AccessToken{}, &Error{Err: fmt.Errorf("token request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AccessToken{}, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("read token response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return AccessToken{}, &Error{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return AccessToken{}, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return AccessToken{}, &Error{StatusCode: resp.StatusCode, Body: string(body), Err: ErrMalformedToken}
	}

	return AccessToken{
		Value:     tr.AccessToken,
		ExpiresAt: issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
