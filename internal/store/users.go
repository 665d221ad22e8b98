package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/calnotify/calnotify/internal/model"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userCols = `id, full_name, lead_seconds, active, auth_fails, created_at`

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var lead, created int64
	if err := scanner.Scan(&u.ID, &u.FullName, &lead, &u.Active, &u.AuthFails, &created); err != nil {
		return nil, err
	}
	u.LeadTime = time.Duration(lead) * time.Second
	u.CreatedAt = time.Unix(created, 0).UTC()
	return &u, nil
}

// Upsert registers a user, keeping existing settings on repeat /start.
func (s *UserStore) Upsert(id int64, fullName string, defaultLead time.Duration) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, full_name, lead_seconds, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET full_name = excluded.full_name`,
		id, fullName, int64(defaultLead.Seconds()), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *UserStore) Get(id int64) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListActive returns users with a stored credential that have not been
// deactivated. Only these are reconciled each cycle.
func (s *UserStore) ListActive() ([]*model.User, error) {
	rows, err := s.db.Query(
		`SELECT ` + userCols + ` FROM users
		 WHERE active = 1 AND id IN (SELECT user_id FROM tokens)
		 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Activate marks the user active and clears the auth failure counter.
// Called when a credential is successfully linked.
func (s *UserStore) Activate(id int64) error {
	_, err := s.db.Exec(`UPDATE users SET active = 1, auth_fails = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("activate user: %w", err)
	}
	return nil
}

// SetLeadTime updates the user's notification lead time.
func (s *UserStore) SetLeadTime(id int64, lead time.Duration) error {
	_, err := s.db.Exec(`UPDATE users SET lead_seconds = ? WHERE id = ?`, int64(lead.Seconds()), id)
	if err != nil {
		return fmt.Errorf("set lead time: %w", err)
	}
	return nil
}

// RecordAuthFailure increments the consecutive auth failure counter and
// deactivates the user once it reaches threshold. Returns true when the
// user was deactivated by this call.
func (s *UserStore) RecordAuthFailure(id int64, threshold int) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE users SET auth_fails = auth_fails + 1,
		        active = CASE WHEN auth_fails + 1 >= ? THEN 0 ELSE active END
		 WHERE id = ? AND active = 1`,
		threshold, id,
	)
	if err != nil {
		return false, fmt.Errorf("record auth failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	var active bool
	if err := s.db.QueryRow(`SELECT active FROM users WHERE id = ?`, id).Scan(&active); err != nil {
		return false, fmt.Errorf("read active flag: %w", err)
	}
	return !active, nil
}

// ResetAuthFailures clears the counter after a successful fetch.
func (s *UserStore) ResetAuthFailures(id int64) error {
	_, err := s.db.Exec(`UPDATE users SET auth_fails = 0 WHERE id = ? AND auth_fails != 0`, id)
	if err != nil {
		return fmt.Errorf("reset auth failures: %w", err)
	}
	return nil
}
