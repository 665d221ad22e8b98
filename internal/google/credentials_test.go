package google

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/calnotify/calnotify/internal/model"
	"github.com/calnotify/calnotify/internal/store"
)

func setupTokenStore(t *testing.T) *store.TokenStore {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.NewUserStore(db).Upsert(1, "a", time.Minute); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	return store.NewTokenStore(db)
}

type staticTokenSource struct {
	token *oauth2.Token
	calls int
}

func (s *staticTokenSource) Token() (*oauth2.Token, error) {
	s.calls++
	return s.token, nil
}

func TestSavingTokenSourcePersistsRotation(t *testing.T) {
	tokens := setupTokenStore(t)

	old := &oauth2.Token{AccessToken: "old", RefreshToken: "r1"}
	raw, _ := EncodeToken(old)
	tokens.Save(1, raw)

	rotated := &oauth2.Token{AccessToken: "new", RefreshToken: "r2", Expiry: time.Now().Add(time.Hour)}
	src := &savingTokenSource{
		userID:    1,
		source:    &staticTokenSource{token: rotated},
		tokens:    tokens,
		lastToken: old,
		logger:    zerolog.Nop(),
	}

	got, err := src.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got.AccessToken != "new" {
		t.Errorf("access token = %q, want new", got.AccessToken)
	}

	stored, _ := tokens.Get(1)
	var persisted oauth2.Token
	if err := json.Unmarshal([]byte(stored), &persisted); err != nil {
		t.Fatalf("parse persisted token: %v", err)
	}
	if persisted.RefreshToken != "r2" {
		t.Errorf("persisted refresh token = %q, want r2", persisted.RefreshToken)
	}
}

func TestSavingTokenSourceSkipsUnchanged(t *testing.T) {
	tokens := setupTokenStore(t)

	tok := &oauth2.Token{AccessToken: "same"}
	src := &savingTokenSource{
		userID:    1,
		source:    &staticTokenSource{token: tok},
		tokens:    tokens,
		lastToken: tok,
		logger:    zerolog.Nop(),
	}

	if _, err := src.Token(); err != nil {
		t.Fatalf("token: %v", err)
	}

	stored, _ := tokens.Get(1)
	if stored != "" {
		t.Error("unchanged token must not be written back")
	}
}

func TestClientWithoutStoredToken(t *testing.T) {
	tokens := setupTokenStore(t)
	provider := NewCredentialProvider(OAuthConfig("id", "secret"), tokens, zerolog.Nop())

	_, err := provider.Client(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error for missing credential")
	}
	if !model.IsAuth(err) {
		t.Errorf("missing credential should be an auth error, got %v", err)
	}
}

func TestConsentURLCarriesState(t *testing.T) {
	cfg := OAuthConfig("client-id", "secret")
	url := ConsentURL(cfg, "state-xyz")

	if !strings.Contains(url, "state=state-xyz") {
		t.Errorf("consent url missing state: %s", url)
	}
	if !strings.Contains(url, "access_type=offline") {
		t.Errorf("consent url must request offline access: %s", url)
	}
}

func TestNewAuthStateUnique(t *testing.T) {
	a, err := NewAuthState()
	if err != nil {
		t.Fatalf("new auth state: %v", err)
	}
	b, _ := NewAuthState()
	if a == b {
		t.Error("states must be random")
	}
	if len(a) != 32 {
		t.Errorf("state length = %d, want 32 hex chars", len(a))
	}
}
