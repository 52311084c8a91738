package services

import (
	"context"
	"testing"
	"time"

	"github.com/vollawetscher/ringlink/pkg/internal/models"
)

func TestSweepExpiredInvitations(t *testing.T) {
	s := newFakeStore("user-a", "user-b")
	lapsed := pendingInvitation("user-a", "user-b", -time.Second)
	ringing := pendingInvitation("user-a", "user-b", time.Minute)
	s.CreateInvitation(context.Background(), lapsed)
	s.CreateInvitation(context.Background(), ringing)

	SweepExpiredInvitations(s)

	if inv, _ := s.GetInvitation(context.Background(), lapsed.ID); inv.Status != models.InvitationMissed {
		t.Errorf("lapsed invitation: got %s, want missed", inv.Status)
	}
	if inv, _ := s.GetInvitation(context.Background(), ringing.ID); inv.Status != models.InvitationPending {
		t.Errorf("ringing invitation: got %s, want pending", inv.Status)
	}
}

func TestSweepStalePresence(t *testing.T) {
	s := newFakeStore()
	now := time.Now()
	s.UpsertPresence(context.Background(), models.UserPresence{
		UserID: "stale", Status: models.PresenceOnline,
		LastSeenAt: now.Add(-2 * time.Minute), UpdatedAt: now.Add(-2 * time.Minute),
	})
	s.UpsertPresence(context.Background(), models.UserPresence{
		UserID: "fresh", Status: models.PresenceOnline,
		LastSeenAt: now, UpdatedAt: now,
	})

	SweepStalePresence(s)

	if p, _ := s.GetPresence(context.Background(), "stale"); p.Status != models.PresenceOffline {
		t.Errorf("stale row: got %s, want offline", p.Status)
	}
	if p, _ := s.GetPresence(context.Background(), "fresh"); p.Status != models.PresenceOnline {
		t.Errorf("fresh row: got %s, want online", p.Status)
	}
}
