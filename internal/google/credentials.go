package google

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	googleoauth2 "golang.org/x/oauth2/google"

	"github.com/calnotify/calnotify/internal/model"
	"github.com/calnotify/calnotify/internal/store"
)

// Read-only calendar access is all the engine needs.
var oauthScopes = []string{
	"https://www.googleapis.com/auth/calendar.readonly",
}

// googleoauth2Endpoint is the Google OAuth2 endpoint; overridden in tests.
var googleoauth2Endpoint = googleoauth2.Endpoint

// OAuthConfig builds the oauth2.Config shared by the auth flow and the
// credential provider. The out-of-band redirect is used because the user
// pastes the authorization code back into the Telegram chat.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     googleoauth2Endpoint,
		Scopes:       oauthScopes,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
	}
}

// NewAuthState generates a random state value for a consent URL.
func NewAuthState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ConsentURL returns the Google consent screen URL for the given state.
func ConsentURL(cfg *oauth2.Config, state string) string {
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token.
func Exchange(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code for token: %w", err)
	}
	return token, nil
}

// EncodeToken serializes a token for the token store.
func EncodeToken(token *oauth2.Token) (string, error) {
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	return string(data), nil
}

// CredentialProvider yields an authorized HTTP client per user. Tokens are
// auto-refreshed through oauth2 and rotated refresh tokens are written back
// to the store so they survive restarts.
type CredentialProvider struct {
	cfg    *oauth2.Config
	tokens *store.TokenStore
	logger zerolog.Logger
}

func NewCredentialProvider(cfg *oauth2.Config, tokens *store.TokenStore, logger zerolog.Logger) *CredentialProvider {
	return &CredentialProvider{
		cfg:    cfg,
		tokens: tokens,
		logger: logger.With().Str("component", "credentials").Logger(),
	}
}

// Client returns an HTTP client that attaches a valid access token to each
// request. A missing stored token is an auth failure for the caller.
func (p *CredentialProvider) Client(ctx context.Context, userID int64) (*http.Client, error) {
	raw, err := p.tokens.Get(userID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, model.AuthErr(fmt.Errorf("no stored credential for user %d", userID))
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, model.AuthErr(fmt.Errorf("parse stored token: %w", err))
	}

	source := &savingTokenSource{
		userID:    userID,
		source:    p.cfg.TokenSource(ctx, &token),
		tokens:    p.tokens,
		lastToken: &token,
		logger:    p.logger,
	}
	return oauth2.NewClient(ctx, source), nil
}

// savingTokenSource persists refreshed tokens back to the store.
// Thread-safe; oauth2.NewClient may call Token from concurrent requests.
type savingTokenSource struct {
	mu        sync.Mutex
	userID    int64
	source    oauth2.TokenSource
	tokens    *store.TokenStore
	lastToken *oauth2.Token
	logger    zerolog.Logger
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.source.Token()
	if err != nil {
		return nil, err
	}

	if token.AccessToken != s.lastToken.AccessToken {
		if raw, err := EncodeToken(token); err == nil {
			if saveErr := s.tokens.Save(s.userID, raw); saveErr != nil {
				// The token is still valid in memory; the next refresh retries the save.
				s.logger.Error().Err(saveErr).Int64("user_id", s.userID).Msg("persist refreshed token failed")
			}
		}
		s.lastToken = token
	}

	return token, nil
}

// IsRefreshDenied reports whether err is the OAuth server refusing a
// refresh (revoked consent, expired refresh token).
func IsRefreshDenied(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	code := retrieveErr.Response.StatusCode
	return code == http.StatusBadRequest || code == http.StatusUnauthorized
}
