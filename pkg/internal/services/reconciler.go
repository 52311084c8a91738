package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vollawetscher/ringlink/pkg/internal/feed"
	"github.com/vollawetscher/ringlink/pkg/internal/models"
	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

// MediaConn is the slice of the media connection the reconciler tears down.
type MediaConn interface {
	Disconnect()
}

// SessionReconciler collapses local call state to "ended" exactly once, no
// matter which of three independent signals lands first: the session row
// turning terminal, the remote party dropping out of the media room, or a
// local hangup. The first signal wins; later ones are ignored.
type SessionReconciler struct {
	store   store.Store
	monitor *RoomMonitor
	session models.CallSession
	localID string

	conn    MediaConn
	tokens  *TokenManager
	onEnded func(models.CallSession, string)

	mu       sync.Mutex
	watching bool
	ended    bool
	sub      *feed.Subscription
	roomCh   <-chan RoomEvent
	roomStop func()
	done     chan struct{}
}

func NewSessionReconciler(s store.Store, monitor *RoomMonitor, session models.CallSession, localID string) *SessionReconciler {
	return &SessionReconciler{
		store:   s,
		monitor: monitor,
		session: session,
		localID: localID,
	}
}

// SetMediaConn attaches the media connection to tear down on end.
func (r *SessionReconciler) SetMediaConn(conn MediaConn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

// SetTokenManager attaches the credential cache to clear on teardown.
func (r *SessionReconciler) SetTokenManager(tm *TokenManager) {
	r.mu.Lock()
	r.tokens = tm
	r.mu.Unlock()
}

// OnEnded registers the single teardown observer (usually the hub evicting
// this reconciler). Invoked at most once, with the reason that won.
func (r *SessionReconciler) OnEnded(fn func(models.CallSession, string)) {
	r.mu.Lock()
	r.onEnded = fn
	r.mu.Unlock()
}

// Watch begins observing the session row and the media room.
func (r *SessionReconciler) Watch() {
	r.mu.Lock()
	if r.watching || r.ended {
		r.mu.Unlock()
		return
	}
	r.watching = true
	r.done = make(chan struct{})
	r.sub = r.store.Feed().Subscribe(store.TableSessions, feed.Filter{Column: store.ColumnID, Value: r.session.ID})
	if r.monitor != nil {
		r.roomCh, r.roomStop = r.monitor.Watch(r.session.RoomName)
	}
	r.mu.Unlock()

	go r.watchLoop()
}

func (r *SessionReconciler) watchLoop() {
	feedCh := r.sub.C
	roomCh := r.roomCh
	for feedCh != nil || roomCh != nil {
		select {
		case <-r.done:
			return
		case ev, ok := <-feedCh:
			if !ok {
				feedCh = nil
				continue
			}
			session, ok := ev.Row.(models.CallSession)
			if !ok {
				log.Warn().Str("table", ev.Table).Msg("Dropped a malformed change-feed payload.")
				continue
			}
			if session.Status == models.SessionEnded {
				r.EndCall("session-ended")
				return
			}
		case ev, ok := <-roomCh:
			if !ok {
				roomCh = nil
				continue
			}
			if r.isTerminal(ev) {
				r.EndCall(string(ev.Kind))
				return
			}
		}
	}
}

// isTerminal recognizes the room-side signals that end a 1:1 call: the room
// closing, or the remote human party leaving. SIP/bot participants never
// count. With an empty localID (the server-side pool watches on behalf of
// both parties) any human leaving ends the call.
func (r *SessionReconciler) isTerminal(ev RoomEvent) bool {
	switch ev.Kind {
	case RoomEventFinished:
		return true
	case RoomEventParticipantLeft:
		if !IsHumanParticipant(ev.Identity) {
			return false
		}
		return r.localID == "" || ev.Identity == r.session.OtherParty(r.localID)
	}
	return false
}

// Hangup is the local-user path into the convergent teardown.
func (r *SessionReconciler) Hangup() {
	r.EndCall("local-hangup")
}

// EndCall runs the teardown side-effect sequence exactly once: disconnect
// media, unsubscribe the per-session feed, converge the session and
// invitation rows, clear the cached credential. Safe to call from any
// signal path, any number of times, concurrently.
func (r *SessionReconciler) EndCall(reason string) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	conn := r.conn
	tokens := r.tokens
	sub := r.sub
	roomStop := r.roomStop
	onEnded := r.onEnded
	if r.done != nil {
		close(r.done)
	}
	r.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	if sub != nil {
		sub.Close()
	}
	if roomStop != nil {
		roomStop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now()
	session, won, err := r.store.EndSession(ctx, r.session.ID, now)
	if err != nil {
		log.Warn().Err(err).Str("session", r.session.ID).Msg("An error occurred when ending the call session.")
		session = r.session
	} else if won {
		if _, _, err := r.store.TransitionInvitation(ctx, r.session.InvitationID,
			[]models.InvitationStatus{models.InvitationAccepted}, models.InvitationEnded, now); err != nil {
			log.Warn().Err(err).Str("invitation", r.session.InvitationID).Msg("An error occurred when converging the invitation.")
		}
	}

	if tokens != nil {
		tokens.ClearToken()
	}

	log.Info().Str("session", r.session.ID).Str("reason", reason).Msg("Call torn down.")
	if onEnded != nil {
		onEnded(session, reason)
	}
}
