package models

import (
	"time"

	"gorm.io/gorm"
)

type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationRejected  InvitationStatus = "rejected"
	InvitationCancelled InvitationStatus = "cancelled"
	InvitationMissed    InvitationStatus = "missed"
	InvitationEnded     InvitationStatus = "ended"
)

// Allowed transitions; everything absent from this table is rejected.
// Once an invitation leaves pending it is resolved for signaling purposes,
// the accepted branch only continues into the session lifecycle.
var invitationTransitions = map[InvitationStatus][]InvitationStatus{
	InvitationPending:  {InvitationAccepted, InvitationRejected, InvitationCancelled, InvitationMissed},
	InvitationAccepted: {InvitationEnded, InvitationCancelled},
}

func (s InvitationStatus) CanTransition(to InvitationStatus) bool {
	for _, next := range invitationTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Resolved reports whether the invitation no longer rings anywhere.
func (s InvitationStatus) Resolved() bool {
	return s != InvitationPending
}

type CallInvitation struct {
	ID string `json:"id" gorm:"primaryKey"`

	CallerID string `json:"caller_id" gorm:"index"`
	CalleeID string `json:"callee_id" gorm:"index"`
	RoomName string `json:"room_name"`

	Status InvitationStatus `json:"status" gorm:"index"`

	CallerCredential string `json:"caller_credential"`
	CalleeCredential string `json:"callee_credential"`

	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	AcceptedAt *time.Time     `json:"accepted_at"`
	EndedAt    *time.Time     `json:"ended_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	DeletedAt  gorm.DeletedAt `json:"-" gorm:"index"`
}

// Expired reports whether the invitation outlived its ring window while
// nobody resolved it.
func (c CallInvitation) Expired(now time.Time) bool {
	return c.Status == InvitationPending && now.After(c.ExpiresAt)
}

// EffectiveStatus applies the expiry rule every observer must agree on:
// a pending invitation past expires_at reads as missed, no matter whether
// the server-side sweep got to it yet.
func (c CallInvitation) EffectiveStatus(now time.Time) InvitationStatus {
	if c.Expired(now) {
		return InvitationMissed
	}
	return c.Status
}
