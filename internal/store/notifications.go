package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/calnotify/calnotify/internal/model"
)

// NotificationStore is the durable ledger of reserved and delivered
// notifications. The reservation insert is the single coordination point
// between concurrent cycles and concurrent process instances.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// Reserve claims the right to notify for key. Returns true when this call
// created the reservation, false when a record (pending, sent, or
// permanently failed) already exists.
func (s *NotificationStore) Reserve(key model.NotificationKey, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO notifications (user_id, event_id, occurrence_start, lead_seconds, status, reserved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, event_id, occurrence_start, lead_seconds) DO NOTHING`,
		key.UserID, key.EventID, key.Start.UTC().Unix(), int64(key.Lead.Seconds()),
		model.StatusPending, now.UTC().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("reserve notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve rows affected: %w", err)
	}
	return n == 1, nil
}

// Finalize transitions a reservation to sent or failed_permanent.
func (s *NotificationStore) Finalize(key model.NotificationKey, status model.NotificationStatus, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE notifications SET status = ?, sent_at = ?
		 WHERE user_id = ? AND event_id = ? AND occurrence_start = ? AND lead_seconds = ?`,
		status, at.UTC().Unix(),
		key.UserID, key.EventID, key.Start.UTC().Unix(), int64(key.Lead.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("finalize notification: %w", err)
	}
	return nil
}

// Get returns the record for key, or nil if none exists.
func (s *NotificationStore) Get(key model.NotificationKey) (*model.NotificationRecord, error) {
	row := s.db.QueryRow(
		`SELECT user_id, event_id, occurrence_start, lead_seconds, status, reserved_at, sent_at
		 FROM notifications
		 WHERE user_id = ? AND event_id = ? AND occurrence_start = ? AND lead_seconds = ?`,
		key.UserID, key.EventID, key.Start.UTC().Unix(), int64(key.Lead.Seconds()),
	)
	rec, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return rec, nil
}

// ListPending returns reservations whose delivery never completed, e.g.
// because the process crashed between reserve and send. The next cycle
// re-drives these through the same record.
func (s *NotificationStore) ListPending(userID int64) ([]*model.NotificationRecord, error) {
	rows, err := s.db.Query(
		`SELECT user_id, event_id, occurrence_start, lead_seconds, status, reserved_at, sent_at
		 FROM notifications WHERE user_id = ? AND status = ?`,
		userID, model.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}
	defer rows.Close()

	var recs []*model.NotificationRecord
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PruneBefore deletes records for occurrences that started before t.
// Correctness never needs them again once the due window is long closed.
func (s *NotificationStore) PruneBefore(t time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM notifications WHERE occurrence_start < ?`, t.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func scanNotification(scanner interface{ Scan(...any) error }) (*model.NotificationRecord, error) {
	var rec model.NotificationRecord
	var start, lead, reserved int64
	var sent sql.NullInt64
	err := scanner.Scan(&rec.Key.UserID, &rec.Key.EventID, &start, &lead, &rec.Status, &reserved, &sent)
	if err != nil {
		return nil, err
	}
	rec.Key.Start = time.Unix(start, 0).UTC()
	rec.Key.Lead = time.Duration(lead) * time.Second
	rec.ReservedAt = time.Unix(reserved, 0).UTC()
	if sent.Valid {
		rec.SentAt = time.Unix(sent.Int64, 0).UTC()
	}
	return &rec, nil
}
