package store

import (
	"testing"
	"time"
)

func TestTokenSaveAndGet(t *testing.T) {
	db := setupTestDB(t)
	users := NewUserStore(db)
	tokens := NewTokenStore(db)

	users.Upsert(1, "a", time.Minute)

	if err := tokens.Save(1, `{"access_token":"abc"}`); err != nil {
		t.Fatalf("save token: %v", err)
	}

	got, err := tokens.Get(1)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got != `{"access_token":"abc"}` {
		t.Errorf("token = %q", got)
	}
}

func TestTokenGetMissing(t *testing.T) {
	tokens := NewTokenStore(setupTestDB(t))

	got, err := tokens.Get(999)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got != "" {
		t.Errorf("token = %q, want empty", got)
	}
}

func TestTokenSaveOverwrites(t *testing.T) {
	db := setupTestDB(t)
	users := NewUserStore(db)
	tokens := NewTokenStore(db)

	users.Upsert(1, "a", time.Minute)
	tokens.Save(1, `{"access_token":"old"}`)

	// A refresh rotates the token; the stored row must follow.
	if err := tokens.Save(1, `{"access_token":"new"}`); err != nil {
		t.Fatalf("overwrite token: %v", err)
	}

	got, _ := tokens.Get(1)
	if got != `{"access_token":"new"}` {
		t.Errorf("token = %q, want rotated token", got)
	}
}

func TestAuthStateRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	users := NewUserStore(db)
	tokens := NewTokenStore(db)

	users.Upsert(1, "a", time.Minute)

	if err := tokens.SaveAuthState(1, "state-abc"); err != nil {
		t.Fatalf("save auth state: %v", err)
	}

	state, err := tokens.GetAuthState(1)
	if err != nil {
		t.Fatalf("get auth state: %v", err)
	}
	if state != "state-abc" {
		t.Errorf("state = %q, want state-abc", state)
	}

	if err := tokens.DeleteAuthState(1); err != nil {
		t.Fatalf("delete auth state: %v", err)
	}
	state, _ = tokens.GetAuthState(1)
	if state != "" {
		t.Errorf("state = %q after delete, want empty", state)
	}
}
