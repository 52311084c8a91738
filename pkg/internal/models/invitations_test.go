package models

import (
	"testing"
	"time"
)

func TestInvitationTransitions(t *testing.T) {
	allowed := []struct {
		from, to InvitationStatus
	}{
		{InvitationPending, InvitationAccepted},
		{InvitationPending, InvitationRejected},
		{InvitationPending, InvitationCancelled},
		{InvitationPending, InvitationMissed},
		{InvitationAccepted, InvitationEnded},
		{InvitationAccepted, InvitationCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from, to InvitationStatus
	}{
		{InvitationPending, InvitationEnded},
		{InvitationAccepted, InvitationRejected},
		{InvitationAccepted, InvitationMissed},
		{InvitationRejected, InvitationAccepted},
		{InvitationMissed, InvitationAccepted},
		{InvitationEnded, InvitationPending},
		{InvitationCancelled, InvitationAccepted},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestInvitationResolved(t *testing.T) {
	if InvitationPending.Resolved() {
		t.Error("pending must not read as resolved")
	}
	for _, s := range []InvitationStatus{InvitationAccepted, InvitationRejected, InvitationCancelled, InvitationMissed, InvitationEnded} {
		if !s.Resolved() {
			t.Errorf("%s must read as resolved", s)
		}
	}
}

func TestInvitationEffectiveStatus(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	inv := CallInvitation{
		Status:    InvitationPending,
		ExpiresAt: base.Add(30 * time.Second),
	}

	if got := inv.EffectiveStatus(base); got != InvitationPending {
		t.Errorf("inside the ring window: got %s, want pending", got)
	}
	if got := inv.EffectiveStatus(base.Add(30 * time.Second)); got != InvitationPending {
		t.Errorf("exactly at expires_at: got %s, want pending", got)
	}
	// Two observers at t=31s must agree it lapsed, whether or not the
	// server-side sweep ran.
	if got := inv.EffectiveStatus(base.Add(31 * time.Second)); got != InvitationMissed {
		t.Errorf("past the ring window: got %s, want missed", got)
	}

	inv.Status = InvitationAccepted
	if got := inv.EffectiveStatus(base.Add(31 * time.Second)); got != InvitationAccepted {
		t.Errorf("expiry must only rewrite pending, got %s", got)
	}
}

func TestInvitationExpired(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	inv := CallInvitation{Status: InvitationPending, ExpiresAt: base}

	if inv.Expired(base) {
		t.Error("expires_at itself is still inside the window")
	}
	if !inv.Expired(base.Add(time.Millisecond)) {
		t.Error("past expires_at must read as expired")
	}

	inv.Status = InvitationRejected
	if inv.Expired(base.Add(time.Hour)) {
		t.Error("resolved invitations never expire")
	}
}
