package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/vollawetscher/ringlink/pkg/internal/feed"
	"github.com/vollawetscher/ringlink/pkg/internal/models"
	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

// UserSession bundles the per-identity managers. One exists per connected
// user, shared by all of that user's device connections.
type UserSession struct {
	UserID      string
	DisplayName string
	Coordinator *Coordinator
	Presence    *PresenceManager
	Tokens      *TokenManager

	refs int
}

// Hub owns the per-user coordination cores and the server-side reconciler
// pool that watches every active call session for termination signals.
type Hub struct {
	store    store.Store
	issuer   TokenIssuer
	rooms    RoomProvider
	notifier Notifier
	monitor  *RoomMonitor

	mu          sync.Mutex
	users       map[string]*UserSession
	reconcilers map[string]*SessionReconciler
	sessionSub  *feed.Subscription
	stopped     bool
}

func NewHub(s store.Store, issuer TokenIssuer, rooms RoomProvider, notifier Notifier, monitor *RoomMonitor) *Hub {
	return &Hub{
		store:       s,
		issuer:      issuer,
		rooms:       rooms,
		notifier:    notifier,
		monitor:     monitor,
		users:       make(map[string]*UserSession),
		reconcilers: make(map[string]*SessionReconciler),
	}
}

// Start begins watching the session feed so every newly accepted call gets a
// reconciler, regardless of which node's user accepted it.
func (h *Hub) Start() {
	sub := h.store.Feed().Subscribe(store.TableSessions, feed.Filter{})
	h.mu.Lock()
	h.sessionSub = sub
	h.mu.Unlock()
	go h.consumeSessions(sub)
}

func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	sub := h.sessionSub
	users := make([]*UserSession, 0, len(h.users))
	for _, u := range h.users {
		users = append(users, u)
	}
	h.users = make(map[string]*UserSession)
	h.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	for _, u := range users {
		u.Coordinator.Stop()
		u.Presence.Stop()
	}
}

// Acquire returns the user's session, constructing and starting the managers
// on the first reference.
func (h *Hub) Acquire(userID, displayName string) *UserSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	if u, ok := h.users[userID]; ok {
		u.refs++
		return u
	}

	u := &UserSession{
		UserID:      userID,
		DisplayName: displayName,
		Coordinator: h.newCoordinator(userID, displayName),
		Presence: NewPresenceManager(h.store, userID),
		Tokens:   NewTokenManager(h.issuer, userID, displayName),
		refs:     1,
	}
	h.users[userID] = u

	u.Presence.Start()
	u.Coordinator.Start()
	log.Info().Str("user", userID).Msg("User session started.")
	return u
}

// Release drops one reference; the last one stops the managers.
func (h *Hub) Release(userID string) {
	h.mu.Lock()
	u, ok := h.users[userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	u.refs--
	if u.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.users, userID)
	h.mu.Unlock()

	u.Coordinator.Stop()
	u.Presence.Stop()
	log.Info().Str("user", userID).Msg("User session stopped.")
}

// CoordinatorFor returns the connected user's coordinator when one is
// running, otherwise a transient unstarted one for a single REST call. The
// transient coordinator shares the store so CAS transitions stay correct; it
// just has no feed or timers of its own.
func (h *Hub) CoordinatorFor(userID, displayName string) *Coordinator {
	h.mu.Lock()
	if u, ok := h.users[userID]; ok {
		h.mu.Unlock()
		return u.Coordinator
	}
	h.mu.Unlock()
	return h.newCoordinator(userID, displayName)
}

func (h *Hub) newCoordinator(userID, displayName string) *Coordinator {
	opts := []CoordinatorOption{WithRooms(h.rooms), WithNotifier(h.notifier)}
	if secs := viper.GetInt("calling.ring_timeout_duration"); secs > 0 {
		opts = append(opts, WithRingTimeout(time.Duration(secs)*time.Second))
	}
	return NewCoordinator(h.store, h.issuer, userID, displayName, opts...)
}

// TokensFor returns the connected user's token manager, or a transient one
// when the user only talks REST. The transient manager still caches nothing
// across requests, which is fine: the client keeps its own credential.
func (h *Hub) TokensFor(userID, name string) *TokenManager {
	h.mu.Lock()
	if u, ok := h.users[userID]; ok {
		h.mu.Unlock()
		return u.Tokens
	}
	h.mu.Unlock()
	return NewTokenManager(h.issuer, userID, name)
}

// Reconciler looks up the watcher for an active session, e.g. to route a
// local hangup into it.
func (h *Hub) Reconciler(sessionID string) (*SessionReconciler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.reconcilers[sessionID]
	return r, ok
}

func (h *Hub) consumeSessions(sub *feed.Subscription) {
	for ev := range sub.C {
		session, ok := ev.Row.(models.CallSession)
		if !ok {
			log.Warn().Str("table", ev.Table).Msg("Dropped a malformed change-feed payload.")
			continue
		}
		if session.Status != models.SessionActive {
			continue
		}

		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return
		}
		if _, tracked := h.reconcilers[session.ID]; tracked {
			h.mu.Unlock()
			continue
		}
		r := NewSessionReconciler(h.store, h.monitor, session, "")
		if h.rooms != nil {
			r.SetMediaConn(roomConn{rooms: h.rooms, name: session.RoomName})
		}
		r.OnEnded(func(s models.CallSession, reason string) {
			h.mu.Lock()
			delete(h.reconcilers, s.ID)
			h.mu.Unlock()
		})
		h.reconcilers[session.ID] = r
		h.mu.Unlock()

		r.Watch()
	}
}

// roomConn adapts room deletion to the MediaConn teardown slot: on the
// server, "disconnecting" a finished 1:1 call means closing its room.
type roomConn struct {
	rooms RoomProvider
	name  string
}

func (c roomConn) Disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rooms.Delete(ctx, c.name); err != nil {
		log.Warn().Err(err).Str("room", c.name).Msg("Unable to delete room at media service side.")
	}
}
