package models

import (
	"time"

	"gorm.io/gorm"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// CallSession is the durable record of a media session behind an accepted
// invitation. Created exactly once per acceptance, ended exactly once, from
// either party or the server-side sweep.
type CallSession struct {
	ID           string `json:"id" gorm:"primaryKey"`
	InvitationID string `json:"invitation_id" gorm:"uniqueIndex"`

	CallerID string `json:"caller_id" gorm:"index"`
	CalleeID string `json:"callee_id" gorm:"index"`
	RoomName string `json:"room_name"`

	Status SessionStatus `json:"status" gorm:"index"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	EndedAt   *time.Time     `json:"ended_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// OtherParty returns the peer of the given participant in this session.
func (s CallSession) OtherParty(userID string) string {
	if s.CallerID == userID {
		return s.CalleeID
	}
	return s.CallerID
}
