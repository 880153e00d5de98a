package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/peak1031/ppsync/internal/db/models"
)

// ExpirySkew treats a token as expiring this long before its stated expiry,
// to avoid racing the provider's clock.
const ExpirySkew = 5 * time.Minute

var (
	// ErrAuthRequired means no usable token exists and no refresh path is
	// available. Manual re-authorization through the OAuth flow is required.
	ErrAuthRequired = errors.New("practicepanther authorization required")

	// ErrRefreshFailed means the provider rejected the refresh-token grant.
	// The old token is left in place for inspection.
	ErrRefreshFailed = errors.New("practicepanther token refresh failed")
)

// Manager owns the OAuth token lifecycle: persistence, expiry detection,
// refresh, and authorization-code exchange. The in-memory cached token is
// process-local; the token rows are the cross-process source of truth and are
// re-read whenever the cache is empty or stale.
type Manager struct {
	db          *gorm.DB
	oauthConfig func(redirectURL string) *oauth2.Config
	provider    string

	mu     sync.Mutex
	cached *cachedToken
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// NewManager creates a token manager. oauthConfig builds the provider OAuth2
// config for a given redirect URL (empty for refresh grants).
func NewManager(db *gorm.DB, provider string, oauthConfig func(redirectURL string) *oauth2.Config) *Manager {
	return &Manager{
		db:          db,
		oauthConfig: oauthConfig,
		provider:    provider,
	}
}

// GetValidToken returns a usable access token, refreshing via OAuth if the
// stored one is expired and a refresh token exists. Returns ErrAuthRequired
// when no token row exists or the expired token has no refresh path.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && fresh(m.cached.expiresAt) {
		return m.cached.accessToken, nil
	}
	m.cached = nil

	// Always re-read the durable store before treating a token as exhausted:
	// another process may have refreshed it already.
	row, err := m.latestActiveRow()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrAuthRequired
		}
		return "", fmt.Errorf("load token: %w", err)
	}

	if fresh(row.ExpiresAt) {
		m.cached = &cachedToken{accessToken: row.AccessToken, expiresAt: row.ExpiresAt}
		return row.AccessToken, nil
	}

	if row.RefreshToken == "" {
		log.Printf("⚠️ Token for %s expired with no refresh token, re-authorization required", m.provider)
		return "", ErrAuthRequired
	}

	newRow, err := m.refresh(ctx, row.RefreshToken)
	if err != nil {
		return "", err
	}
	m.cached = &cachedToken{accessToken: newRow.AccessToken, expiresAt: newRow.ExpiresAt}
	return newRow.AccessToken, nil
}

// Refresh exchanges a refresh token for a new token pair and persists it as a
// new row. On provider error the old token rows are left untouched.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*models.OAuthToken, error) {
	return m.refresh(ctx, refreshToken)
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (*models.OAuthToken, error) {
	config := m.oauthConfig("")
	src := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	newToken, err := src.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			log.Printf("❌ Refresh token rejected for %s (permanent): %v", m.provider, err)
		} else {
			log.Printf("⏳ Transient refresh failure for %s: %v", m.provider, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	// RFC 6749: provider may rotate the refresh token; keep the old one when
	// the response omits it.
	if newToken.RefreshToken == "" {
		newToken.RefreshToken = refreshToken
	}

	row, err := m.persist(newToken)
	if err != nil {
		return nil, err
	}
	log.Printf("✅ Refreshed %s token (expires: %s)", m.provider, row.ExpiresAt.Format(time.RFC3339))
	return row, nil
}

// ExchangeAuthorizationCode performs the one-time OAuth2 authorization-code
// exchange used during initial setup, persisting the resulting token.
func (m *Manager) ExchangeAuthorizationCode(ctx context.Context, code, redirectURL string) (*models.OAuthToken, error) {
	config := m.oauthConfig(redirectURL)
	tok, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}

	row, err := m.persist(tok)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cached = &cachedToken{accessToken: row.AccessToken, expiresAt: row.ExpiresAt}
	m.mu.Unlock()

	log.Printf("✅ Authorized %s (token expires: %s)", m.provider, row.ExpiresAt.Format(time.RFC3339))
	return row, nil
}

// InvalidateCache drops the in-memory token so the next call re-resolves from
// the durable store. Called by the HTTP layer on a 401 response.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// LatestToken returns the most recent active token row, for status reporting.
func (m *Manager) LatestToken() (*models.OAuthToken, error) {
	return m.latestActiveRow()
}

func (m *Manager) latestActiveRow() (*models.OAuthToken, error) {
	var row models.OAuthToken
	err := m.db.Where("provider = ? AND is_active = ?", m.provider, true).
		Order("created_at DESC").First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// persist inserts a new token row and deactivates the previous active ones.
// Old rows are kept (inactive) so a token history is retained for auditing.
func (m *Manager) persist(tok *oauth2.Token) (*models.OAuthToken, error) {
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	scope, _ := tok.Extra("scope").(string)

	row := &models.OAuthToken{
		ID:           uuid.New().String(),
		Provider:     m.provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tokenType,
		Scope:        scope,
		ExpiresAt:    tok.Expiry,
		IsActive:     true,
	}

	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.OAuthToken{}).
			Where("provider = ? AND is_active = ?", m.provider, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return row, nil
}

func fresh(expiresAt time.Time) bool {
	return time.Until(expiresAt) > ExpirySkew
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
