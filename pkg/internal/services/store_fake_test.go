package services

import (
	"context"
	"sync"
	"time"

	"github.com/vollawetscher/ringlink/pkg/internal/feed"
	"github.com/vollawetscher/ringlink/pkg/internal/models"
	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

// fakeStore is an in-memory store.Store with the same conditional-update and
// change-feed semantics as the real backend.
type fakeStore struct {
	mu          sync.Mutex
	invitations map[string]models.CallInvitation
	presence    map[string]models.UserPresence
	sessions    map[string]models.CallSession
	users       map[string]struct{}
	broker      *feed.Broker

	pollErr error
}

func newFakeStore(users ...string) *fakeStore {
	s := &fakeStore{
		invitations: make(map[string]models.CallInvitation),
		presence:    make(map[string]models.UserPresence),
		sessions:    make(map[string]models.CallSession),
		users:       make(map[string]struct{}),
		broker:      feed.NewBroker(),
	}
	for _, u := range users {
		s.users[u] = struct{}{}
	}
	return s
}

func (s *fakeStore) publishInvitation(inv models.CallInvitation) {
	s.broker.Publish(store.TableInvitations, inv, map[string]string{
		store.ColumnID:       inv.ID,
		store.ColumnCallerID: inv.CallerID,
		store.ColumnCalleeID: inv.CalleeID,
	})
}

func (s *fakeStore) publishSession(session models.CallSession) {
	s.broker.Publish(store.TableSessions, session, map[string]string{
		store.ColumnID:       session.ID,
		store.ColumnCallerID: session.CallerID,
		store.ColumnCalleeID: session.CalleeID,
	})
}

func (s *fakeStore) CreateInvitation(ctx context.Context, inv *models.CallInvitation) error {
	s.mu.Lock()
	s.invitations[inv.ID] = *inv
	snapshot := *inv
	s.mu.Unlock()
	s.publishInvitation(snapshot)
	return nil
}

func (s *fakeStore) GetInvitation(ctx context.Context, id string) (models.CallInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok {
		return models.CallInvitation{}, store.ErrNotFound
	}
	return inv, nil
}

func (s *fakeStore) PendingInvitationsFor(ctx context.Context, userID string) ([]models.CallInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	var out []models.CallInvitation
	for _, inv := range s.invitations {
		if inv.CalleeID == userID && inv.Status == models.InvitationPending {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *fakeStore) ExpiredPendingInvitations(ctx context.Context, now time.Time) ([]models.CallInvitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CallInvitation
	for _, inv := range s.invitations {
		if inv.Expired(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *fakeStore) TransitionInvitation(ctx context.Context, id string, from []models.InvitationStatus, to models.InvitationStatus, at time.Time) (models.CallInvitation, bool, error) {
	s.mu.Lock()
	inv, ok := s.invitations[id]
	if !ok {
		s.mu.Unlock()
		return models.CallInvitation{}, false, store.ErrNotFound
	}
	eligible := false
	for _, f := range from {
		if inv.Status == f {
			eligible = true
			break
		}
	}
	if !eligible {
		s.mu.Unlock()
		return inv, false, nil
	}
	inv.Status = to
	inv.UpdatedAt = at
	switch to {
	case models.InvitationAccepted:
		inv.AcceptedAt = &at
	case models.InvitationRejected, models.InvitationCancelled, models.InvitationMissed, models.InvitationEnded:
		inv.EndedAt = &at
	}
	s.invitations[id] = inv
	s.mu.Unlock()
	s.publishInvitation(inv)
	return inv, true, nil
}

func (s *fakeStore) UpsertPresence(ctx context.Context, p models.UserPresence) error {
	s.mu.Lock()
	s.presence[p.UserID] = p
	s.mu.Unlock()
	s.broker.Publish(store.TablePresence, p, map[string]string{"user_id": p.UserID})
	return nil
}

func (s *fakeStore) GetPresence(ctx context.Context, userID string) (models.UserPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	if !ok {
		return models.UserPresence{}, store.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) ListPresence(ctx context.Context) ([]models.UserPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UserPresence, 0, len(s.presence))
	for _, p := range s.presence {
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeStore) CreateSession(ctx context.Context, session *models.CallSession) error {
	s.mu.Lock()
	s.sessions[session.ID] = *session
	snapshot := *session
	s.mu.Unlock()
	s.publishSession(snapshot)
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.CallSession{}, store.ErrNotFound
	}
	return session, nil
}

func (s *fakeStore) EndSession(ctx context.Context, id string, at time.Time) (models.CallSession, bool, error) {
	s.mu.Lock()
	session, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return models.CallSession{}, false, store.ErrNotFound
	}
	if session.Status != models.SessionActive {
		s.mu.Unlock()
		return session, false, nil
	}
	session.Status = models.SessionEnded
	session.UpdatedAt = at
	session.EndedAt = &at
	s.sessions[id] = session
	s.mu.Unlock()
	s.publishSession(session)
	return session, true, nil
}

func (s *fakeStore) UserExists(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok, nil
}

func (s *fakeStore) Feed() *feed.Broker { return s.broker }

// fakeIssuer mints unsigned-but-well-formed tokens and counts issuances.
type fakeIssuer struct {
	mu     sync.Mutex
	issued int
	ttl    time.Duration
	nowFn  func() time.Time
	err    error
}

func (f *fakeIssuer) Issue(ctx context.Context, roomName, identity, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.issued++
	now := time.Now()
	if f.nowFn != nil {
		now = f.nowFn()
	}
	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return testToken(now, now.Add(ttl)), nil
}

func (f *fakeIssuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued
}
