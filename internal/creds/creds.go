// Package creds supplies and refreshes the playlist-mutation access tokens
// of chat administrators. Tokens are persisted per administrator in the
// key-value store.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"crowdqueue/internal/store"
)

const partition = "credentials"

// expirySlack refreshes tokens slightly before their stated expiry so a
// request in flight does not race the deadline.
const expirySlack = 30 * time.Second

// Common errors.
var (
	// ErrNoToken is returned when an administrator never authorized the
	// application.
	ErrNoToken = errors.New("administrator has no stored token")

	// ErrInvalidRefreshToken is returned when the refresh token was
	// revoked or expired; the administrator must re-authenticate.
	ErrInvalidRefreshToken = errors.New("refresh token no longer valid")
)

// Provider stores, supplies, and refreshes administrator tokens.
type Provider struct {
	auth  *spotifyauth.Authenticator
	cfg   *oauth2.Config
	store store.Store
}

// Option configures a Provider.
type Option func(*Provider)

// WithEndpoint overrides the OAuth token endpoint. Used by tests.
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(p *Provider) {
		p.cfg.Endpoint = endpoint
	}
}

// New creates a Provider for the given application credentials.
func New(clientID, clientSecret, redirectURL string, s store.Store, opts ...Option) *Provider {
	auth := spotifyauth.New(
		spotifyauth.WithClientID(clientID),
		spotifyauth.WithClientSecret(clientSecret),
		spotifyauth.WithRedirectURL(redirectURL),
		spotifyauth.WithScopes(
			spotifyauth.ScopePlaylistModifyPublic,
			spotifyauth.ScopePlaylistModifyPrivate,
		),
	)

	p := &Provider{
		auth: auth,
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  spotifyauth.AuthURL,
				TokenURL: spotifyauth.TokenURL,
			},
		},
		store: s,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AuthURL returns the authorization URL an administrator visits to grant
// playlist scopes.
func (p *Provider) AuthURL(state string) string {
	return p.auth.AuthURL(state)
}

// HandleCallback exchanges the authorization code carried by the callback
// request and stores the resulting token for the administrator.
func (p *Provider) HandleCallback(ctx context.Context, state string, r *http.Request, adminID string) error {
	token, err := p.auth.Token(ctx, state, r)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	return p.SaveToken(ctx, adminID, token)
}

// AccessToken returns a valid access token for the administrator,
// refreshing transparently when the stored one has expired.
func (p *Provider) AccessToken(ctx context.Context, adminID string) (string, error) {
	token, err := p.loadToken(ctx, adminID)
	if err != nil {
		return "", err
	}
	if token.AccessToken != "" && time.Until(token.Expiry) > expirySlack {
		return token.AccessToken, nil
	}
	return p.Refresh(ctx, adminID)
}

// Refresh exchanges the administrator's refresh token for a new access
// token and persists it. Returns ErrInvalidRefreshToken when the grant was
// revoked, so callers can prompt for re-authorization.
func (p *Provider) Refresh(ctx context.Context, adminID string) (string, error) {
	token, err := p.loadToken(ctx, adminID)
	if err != nil {
		return "", err
	}
	if token.RefreshToken == "" {
		return "", ErrInvalidRefreshToken
	}

	source := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken})
	fresh, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response.StatusCode < 500 {
			return "", fmt.Errorf("%w: %v", ErrInvalidRefreshToken, retrieveErr.ErrorCode)
		}
		return "", fmt.Errorf("refreshing token: %w", err)
	}

	// Spotify does not always rotate refresh tokens; keep the old one when
	// the response omits it.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	if err := p.SaveToken(ctx, adminID, fresh); err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// SaveToken persists a token for the administrator. Last write wins.
func (p *Provider) SaveToken(ctx context.Context, adminID string, token *oauth2.Token) error {
	if token == nil {
		return errors.New("cannot save nil token")
	}
	value, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	_, err = store.UpdateWithRetry(ctx, p.store, partition, adminID, func([]byte) ([]byte, error) {
		return value, nil
	})
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

// loadToken reads the administrator's stored token.
func (p *Provider) loadToken(ctx context.Context, adminID string) (*oauth2.Token, error) {
	item, err := p.store.Get(ctx, partition, adminID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(item.Value, &token); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return &token, nil
}
