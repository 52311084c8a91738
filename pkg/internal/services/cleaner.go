package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vollawetscher/ringlink/pkg/internal/database"
	"github.com/vollawetscher/ringlink/pkg/internal/models"
	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

// SweepExpiredInvitations converges pending invitations whose ring window
// has passed to missed. Clients enforce the same rule locally; this sweep
// keeps the rows of absent clients from ringing forever.
func SweepExpiredInvitations(s store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	lapsed, err := s.ExpiredPendingInvitations(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("An error occurred when listing expired invitations.")
		return
	}

	var count int
	for _, inv := range lapsed {
		if _, won, err := s.TransitionInvitation(ctx, inv.ID,
			[]models.InvitationStatus{models.InvitationPending}, models.InvitationMissed, now); err != nil {
			log.Error().Err(err).Str("invitation", inv.ID).Msg("An error occurred when expiring an invitation.")
		} else if won {
			count++
		}
	}
	if count > 0 {
		log.Debug().Int("affected", count).Msg("Expired stale invitations.")
	}
}

// SweepStalePresence forces rows whose heartbeats stopped past the staleness
// window to offline, covering peers that died without publishing it.
func SweepStalePresence(s store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	list, err := s.ListPresence(ctx)
	if err != nil {
		log.Error().Err(err).Msg("An error occurred when listing presence rows.")
		return
	}

	var count int
	for _, p := range list {
		if p.Status == models.PresenceOffline || p.Effective(now) != models.PresenceOffline {
			continue
		}
		p.Status = models.PresenceOffline
		p.UpdatedAt = now
		if err := s.UpsertPresence(ctx, p); err != nil {
			log.Error().Err(err).Str("user", p.UserID).Msg("An error occurred when marking presence offline.")
		} else {
			count++
		}
	}
	if count > 0 {
		log.Debug().Int("affected", count).Msg("Marked stale presence rows offline.")
	}
}

// DoAutoDatabaseCleanup hard-deletes soft-deleted rows past the retention
// window.
func DoAutoDatabaseCleanup() {
	deadline := time.Now().Add(-60 * time.Minute)
	log.Debug().Time("deadline", deadline).Msg("Now cleaning up entire database...")

	// Presence rows are never soft-deleted, only the call records are.
	var count int64
	for _, model := range []any{&models.CallInvitation{}, &models.CallSession{}} {
		tx := database.C.Unscoped().Delete(model, "deleted_at IS NOT NULL AND deleted_at <= ?", deadline)
		if tx.Error != nil {
			log.Error().Err(tx.Error).Msg("An error occurred when running database cleanup...")
		}
		count += tx.RowsAffected
	}

	log.Debug().Int64("affected", count).Msg("Clean up entire database accomplished.")
}
