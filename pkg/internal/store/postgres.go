package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vollawetscher/ringlink/pkg/internal/feed"
	"github.com/vollawetscher/ringlink/pkg/internal/models"
)

// Postgres backs the store contract with gorm and publishes a full-row
// snapshot onto the change feed after every committed write, so push
// subscribers and pollers observe the same server-held truth.
type Postgres struct {
	db   *gorm.DB
	feed *feed.Broker
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db, feed: feed.NewBroker()}
}

func (s *Postgres) Feed() *feed.Broker {
	return s.feed
}

func (s *Postgres) publishInvitation(inv models.CallInvitation) {
	s.feed.Publish(TableInvitations, inv, map[string]string{
		ColumnID:       inv.ID,
		ColumnCallerID: inv.CallerID,
		ColumnCalleeID: inv.CalleeID,
	})
}

func (s *Postgres) CreateInvitation(ctx context.Context, inv *models.CallInvitation) error {
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return err
	}
	s.publishInvitation(*inv)
	return nil
}

func (s *Postgres) GetInvitation(ctx context.Context, id string) (models.CallInvitation, error) {
	var inv models.CallInvitation
	if err := s.db.WithContext(ctx).
		Where(models.CallInvitation{ID: id}).
		First(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return inv, ErrNotFound
		}
		return inv, err
	}
	return inv, nil
}

func (s *Postgres) PendingInvitationsFor(ctx context.Context, userID string) ([]models.CallInvitation, error) {
	var invs []models.CallInvitation
	if err := s.db.WithContext(ctx).
		Where(models.CallInvitation{CalleeID: userID, Status: models.InvitationPending}).
		Order("created_at DESC").
		Find(&invs).Error; err != nil {
		return nil, err
	}
	return invs, nil
}

func (s *Postgres) ExpiredPendingInvitations(ctx context.Context, now time.Time) ([]models.CallInvitation, error) {
	var invs []models.CallInvitation
	if err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.InvitationPending, now).
		Find(&invs).Error; err != nil {
		return nil, err
	}
	return invs, nil
}

func (s *Postgres) TransitionInvitation(ctx context.Context, id string, from []models.InvitationStatus, to models.InvitationStatus, at time.Time) (models.CallInvitation, bool, error) {
	updates := map[string]any{"status": to, "updated_at": at}
	switch to {
	case models.InvitationAccepted:
		updates["accepted_at"] = at
	case models.InvitationRejected, models.InvitationCancelled, models.InvitationMissed, models.InvitationEnded:
		updates["ended_at"] = at
	}

	tx := s.db.WithContext(ctx).
		Model(&models.CallInvitation{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if tx.Error != nil {
		return models.CallInvitation{}, false, tx.Error
	}

	inv, err := s.GetInvitation(ctx, id)
	if err != nil {
		return inv, false, err
	}
	if tx.RowsAffected == 0 {
		// Lost the race: somebody else resolved it first.
		return inv, false, nil
	}
	s.publishInvitation(inv)
	return inv, true, nil
}

func (s *Postgres) UpsertPresence(ctx context.Context, p models.UserPresence) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&p).Error; err != nil {
		return err
	}
	s.feed.Publish(TablePresence, p, map[string]string{"user_id": p.UserID})
	return nil
}

func (s *Postgres) GetPresence(ctx context.Context, userID string) (models.UserPresence, error) {
	var p models.UserPresence
	if err := s.db.WithContext(ctx).
		Where(models.UserPresence{UserID: userID}).
		First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return p, ErrNotFound
		}
		return p, err
	}
	return p, nil
}

func (s *Postgres) ListPresence(ctx context.Context) ([]models.UserPresence, error) {
	var list []models.UserPresence
	if err := s.db.WithContext(ctx).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Postgres) publishSession(session models.CallSession) {
	s.feed.Publish(TableSessions, session, map[string]string{
		ColumnID:       session.ID,
		ColumnCallerID: session.CallerID,
		ColumnCalleeID: session.CalleeID,
	})
}

func (s *Postgres) CreateSession(ctx context.Context, session *models.CallSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return err
	}
	s.publishSession(*session)
	return nil
}

func (s *Postgres) GetSession(ctx context.Context, id string) (models.CallSession, error) {
	var session models.CallSession
	if err := s.db.WithContext(ctx).
		Where(models.CallSession{ID: id}).
		First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, ErrNotFound
		}
		return session, err
	}
	return session, nil
}

func (s *Postgres) EndSession(ctx context.Context, id string, at time.Time) (models.CallSession, bool, error) {
	tx := s.db.WithContext(ctx).
		Model(&models.CallSession{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(map[string]any{"status": models.SessionEnded, "ended_at": at, "updated_at": at})
	if tx.Error != nil {
		return models.CallSession{}, false, tx.Error
	}

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return session, false, err
	}
	if tx.RowsAffected == 0 {
		return session, false, nil
	}
	s.publishSession(session)
	return session, true, nil
}

func (s *Postgres) UserExists(ctx context.Context, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.UserPresence{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
