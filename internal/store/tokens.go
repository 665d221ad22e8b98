package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TokenStore persists per-user OAuth tokens as the JSON produced by
// encoding an oauth2.Token. Refreshed tokens overwrite the stored row so
// a restart picks up the latest refresh token.
type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) Save(userID int64, tokenJSON string) error {
	_, err := s.db.Exec(
		`INSERT INTO tokens (user_id, token_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET token_json = excluded.token_json, updated_at = excluded.updated_at`,
		userID, tokenJSON, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Get returns the stored token JSON, or "" if the user has none.
func (s *TokenStore) Get(userID int64) (string, error) {
	var tokenJSON string
	err := s.db.QueryRow(`SELECT token_json FROM tokens WHERE user_id = ?`, userID).Scan(&tokenJSON)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	return tokenJSON, nil
}

func (s *TokenStore) Delete(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// SaveAuthState records the OAuth state for an in-progress /auth flow so a
// later /code can be matched to it.
func (s *TokenStore) SaveAuthState(userID int64, state string) error {
	_, err := s.db.Exec(
		`INSERT INTO auth_states (user_id, state, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET state = excluded.state, created_at = excluded.created_at`,
		userID, state, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save auth state: %w", err)
	}
	return nil
}

// GetAuthState returns the pending OAuth state, or "" if none.
func (s *TokenStore) GetAuthState(userID int64) (string, error) {
	var state string
	err := s.db.QueryRow(`SELECT state FROM auth_states WHERE user_id = ?`, userID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get auth state: %w", err)
	}
	return state, nil
}

func (s *TokenStore) DeleteAuthState(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM auth_states WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete auth state: %w", err)
	}
	return nil
}
