// Package store defines the narrow contract the coordination core holds
// against the backend store: query, insert, conditional transition, and the
// change-feed subscription primitive. The core never assumes exclusive write
// access; every status mutation is a compare-and-set racing the other
// party's client.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vollawetscher/ringlink/pkg/internal/feed"
	"github.com/vollawetscher/ringlink/pkg/internal/models"
)

// Change-feed table names.
const (
	TableInvitations = "call_invitations"
	TablePresence    = "user_presence"
	TableSessions    = "call_sessions"
)

// Change-feed filter columns.
const (
	ColumnCallerID = "caller_id"
	ColumnCalleeID = "callee_id"
	ColumnID       = "id"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	CreateInvitation(ctx context.Context, inv *models.CallInvitation) error
	GetInvitation(ctx context.Context, id string) (models.CallInvitation, error)
	// PendingInvitationsFor lists invitations still ringing for the user as
	// callee. This is the polling fallback's query.
	PendingInvitationsFor(ctx context.Context, userID string) ([]models.CallInvitation, error)
	// ExpiredPendingInvitations lists pending invitations whose ring window
	// has passed, for the server-side sweep.
	ExpiredPendingInvitations(ctx context.Context, now time.Time) ([]models.CallInvitation, error)
	// TransitionInvitation conditionally moves the invitation to the given
	// status while its current status is one of from. Returns the fresh row
	// and false when the row exists but somebody else resolved it first.
	TransitionInvitation(ctx context.Context, id string, from []models.InvitationStatus, to models.InvitationStatus, at time.Time) (models.CallInvitation, bool, error)

	UpsertPresence(ctx context.Context, p models.UserPresence) error
	GetPresence(ctx context.Context, userID string) (models.UserPresence, error)
	ListPresence(ctx context.Context) ([]models.UserPresence, error)

	CreateSession(ctx context.Context, s *models.CallSession) error
	GetSession(ctx context.Context, id string) (models.CallSession, error)
	// EndSession conditionally moves an active session to ended. Returns
	// false when another signal already ended it.
	EndSession(ctx context.Context, id string, at time.Time) (models.CallSession, bool, error)

	UserExists(ctx context.Context, userID string) (bool, error)

	// Feed returns the change-feed broker delivering full-row snapshots of
	// committed writes.
	Feed() *feed.Broker
}
