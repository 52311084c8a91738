package models

import (
	"time"

	"gorm.io/datatypes"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceInCall  PresenceStatus = "in_call"
)

// PresenceStaleAfter is how long a presence row may go without a heartbeat
// before its stored status stops being trusted.
const PresenceStaleAfter = 90 * time.Second

type UserPresence struct {
	UserID string `json:"user_id" gorm:"primaryKey"`

	Status     PresenceStatus    `json:"status"`
	LastSeenAt time.Time         `json:"last_seen_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Metadata   datatypes.JSONMap `json:"metadata"`
}

// Effective applies the staleness rule: a peer that died without publishing
// offline still reads as offline once its heartbeats stop arriving.
func (p UserPresence) Effective(now time.Time) PresenceStatus {
	if now.Sub(p.LastSeenAt) > PresenceStaleAfter {
		return PresenceOffline
	}
	return p.Status
}

// Fresher reports whether p carries a strictly newer update than other.
// Equal timestamps lose, so replayed deliveries stay idempotent.
func (p UserPresence) Fresher(other UserPresence) bool {
	return p.UpdatedAt.After(other.UpdatedAt)
}
