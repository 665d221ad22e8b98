package model

import (
	"fmt"
	"time"
)

// User is a Telegram chat linked to a Google Calendar account.
// Active flips to false after repeated credential failures; the row is
// never deleted so a re-link keeps the user's settings.
type User struct {
	ID        int64 // Telegram chat ID
	FullName  string
	LeadTime  time.Duration
	Active    bool
	AuthFails int
	CreatedAt time.Time
}

// Occurrence is one concrete instance of a calendar event after recurrence
// expansion. Start and End are UTC instants; Timezone is the event's own
// zone, kept for display only.
type Occurrence struct {
	EventID  string
	Title    string
	Start    time.Time
	End      time.Time
	Timezone string
	MeetLink string
}

// Key returns the stable identity of this occurrence for a given user and
// lead time. A recurring event yields one key per expanded instance; editing
// an event's start produces a new key, so the moved occurrence is treated
// as fresh.
func (o Occurrence) Key(userID int64, lead time.Duration) NotificationKey {
	return NotificationKey{
		UserID:  userID,
		EventID: o.EventID,
		Start:   o.Start.UTC(),
		Lead:    lead,
	}
}

// NotificationKey identifies at most one sent notification.
type NotificationKey struct {
	UserID  int64
	EventID string
	Start   time.Time
	Lead    time.Duration
}

func (k NotificationKey) String() string {
	return fmt.Sprintf("%d/%s@%s+%s", k.UserID, k.EventID, k.Start.UTC().Format(time.RFC3339), k.Lead)
}

// NotificationStatus is the lifecycle of a ledger row.
type NotificationStatus string

const (
	// StatusPending is set when the reservation is taken, before delivery.
	StatusPending NotificationStatus = "pending"
	// StatusSent means the message was delivered.
	StatusSent NotificationStatus = "sent"
	// StatusFailedPermanent means delivery failed in a way that must not be
	// retried (e.g. the user blocked the bot).
	StatusFailedPermanent NotificationStatus = "failed_permanent"
)

// NotificationRecord is the durable fact that a notification for Key was
// reserved and, eventually, delivered or permanently failed.
type NotificationRecord struct {
	Key        NotificationKey
	Status     NotificationStatus
	ReservedAt time.Time
	SentAt     time.Time
}
