package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/vollawetscher/ringlink/pkg/internal/feed"
	"github.com/vollawetscher/ringlink/pkg/internal/models"
	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

type PresenceCallback func(models.UserPresence)

type PresenceOption func(*PresenceManager)

func WithHeartbeatInterval(d time.Duration) PresenceOption {
	return func(m *PresenceManager) { m.heartbeatInterval = d }
}

func WithPresenceHealthInterval(d time.Duration) PresenceOption {
	return func(m *PresenceManager) { m.healthInterval = d }
}

func WithAwayDebounce(d time.Duration) PresenceOption {
	return func(m *PresenceManager) { m.awayDebounce = d }
}

func WithPresenceClock(now func() time.Time) PresenceOption {
	return func(m *PresenceManager) { m.nowFn = now }
}

// PresenceManager publishes this user's liveness over a heartbeat and keeps
// a query-ready cache of everyone else's presence, reconciled by timestamp
// so the dual delivery paths can never regress a fresher state.
type PresenceManager struct {
	store  store.Store
	userID string

	heartbeatInterval time.Duration
	healthInterval    time.Duration
	awayDebounce      time.Duration
	nowFn             func() time.Time

	mu           sync.Mutex
	cache        map[string]models.UserPresence
	subscribers  map[uint64]PresenceCallback
	nextSub      uint64
	inCall       bool
	backgrounded bool
	awayTimer    *time.Timer
	sub          *feed.Subscription
	started      bool
	stopped      bool
	done         chan struct{}
}

func NewPresenceManager(s store.Store, userID string, opts ...PresenceOption) *PresenceManager {
	m := &PresenceManager{
		store:             s,
		userID:            userID,
		heartbeatInterval: 30 * time.Second,
		healthInterval:    15 * time.Second,
		awayDebounce:      60 * time.Second,
		nowFn:             time.Now,
		cache:             make(map[string]models.UserPresence),
		subscribers:       make(map[uint64]PresenceCallback),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start publishes online immediately, begins the heartbeat, primes the cache
// and subscribes to the presence change feed.
func (m *PresenceManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.publish(m.currentStatus())
	m.prime()
	m.openFeed()
	go m.heartbeatLoop()
	go m.healthLoop()
}

// Stop cancels the heartbeat and the away debounce, unsubscribes, then
// publishes offline fire-and-forget. Strictly in that order, so no tick
// fires against a torn-down channel.
func (m *PresenceManager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.awayTimer != nil {
		m.awayTimer.Stop()
		m.awayTimer = nil
	}
	sub := m.sub
	m.sub = nil
	close(m.done)
	m.mu.Unlock()

	if sub != nil {
		sub.Close()
	}

	now := m.nowFn()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpsertPresence(ctx, models.UserPresence{
		UserID:     m.userID,
		Status:     models.PresenceOffline,
		LastSeenAt: now,
		UpdatedAt:  now,
	}); err != nil {
		log.Debug().Err(err).Str("user", m.userID).Msg("Final offline publish was lost, the staleness rule will cover it.")
	}
}

// SetInCall layers a manual in_call override on top of the heartbeat: the
// next tick republishes whichever state was last set, not unconditionally
// online.
func (m *PresenceManager) SetInCall(inCall bool) {
	m.mu.Lock()
	m.inCall = inCall
	m.mu.Unlock()
	m.publish(m.currentStatus())
}

// SetVisibility feeds foreground/background transitions in. Going to
// background arms the away debounce; coming back cancels it and republishes
// the live state immediately.
func (m *PresenceManager) SetVisibility(foreground bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if foreground {
		m.backgrounded = false
		if m.awayTimer != nil {
			m.awayTimer.Stop()
			m.awayTimer = nil
		}
		m.mu.Unlock()
		m.publish(m.currentStatus())
		return
	}
	if m.awayTimer == nil {
		m.awayTimer = time.AfterFunc(m.awayDebounce, m.awayTick)
	}
	m.mu.Unlock()
}

func (m *PresenceManager) awayTick() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.backgrounded = true
	m.awayTimer = nil
	m.mu.Unlock()
	m.publish(m.currentStatus())
}

// OnUpdate registers a listener for every accepted (non-stale) remote
// presence change.
func (m *PresenceManager) OnUpdate(fn PresenceCallback) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Effective returns a user's presence after the staleness rule.
func (m *PresenceManager) Effective(userID string) (models.PresenceStatus, bool) {
	m.mu.Lock()
	p, ok := m.cache[userID]
	m.mu.Unlock()
	if !ok {
		return models.PresenceOffline, false
	}
	return p.Effective(m.nowFn()), true
}

// Snapshot lists every cached presence row.
func (m *PresenceManager) Snapshot() []models.UserPresence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Values(m.cache)
}

func (m *PresenceManager) currentStatus() models.PresenceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.inCall:
		return models.PresenceInCall
	case m.backgrounded:
		return models.PresenceAway
	default:
		return models.PresenceOnline
	}
}

func (m *PresenceManager) publish(status models.PresenceStatus) {
	now := m.nowFn()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpsertPresence(ctx, models.UserPresence{
		UserID:     m.userID,
		Status:     status,
		LastSeenAt: now,
		UpdatedAt:  now,
	}); err != nil {
		// The heartbeat retries by its nature; do not let one miss crash it.
		log.Warn().Err(err).Str("user", m.userID).Msg("An error occurred when publishing presence.")
	}
}

func (m *PresenceManager) prime() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := m.store.ListPresence(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("An error occurred when priming the presence cache.")
		return
	}
	for _, p := range list {
		m.ingest(p)
	}
}

func (m *PresenceManager) openFeed() {
	sub := m.store.Feed().Subscribe(store.TablePresence, feed.Filter{})

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		sub.Close()
		return
	}
	m.sub = sub
	m.mu.Unlock()

	go m.consume(sub)
}

func (m *PresenceManager) consume(sub *feed.Subscription) {
	for ev := range sub.C {
		p, ok := ev.Row.(models.UserPresence)
		if !ok {
			log.Warn().Str("table", ev.Table).Msg("Dropped a malformed change-feed payload.")
			continue
		}
		m.ingest(p)
	}
}

// reconcilePresence applies the monotonic acceptance rule: an update lands
// only if strictly newer than what is cached, so reordered deliveries from
// the dual channels never regress a fresher state.
func reconcilePresence(cached models.UserPresence, ok bool, incoming models.UserPresence) (models.UserPresence, bool) {
	if ok && !incoming.Fresher(cached) {
		return cached, false
	}
	return incoming, true
}

func (m *PresenceManager) ingest(p models.UserPresence) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	cached, ok := m.cache[p.UserID]
	merged, accepted := reconcilePresence(cached, ok, p)
	m.cache[p.UserID] = merged

	var listeners []PresenceCallback
	if accepted && p.UserID != m.userID {
		listeners = lo.Values(m.subscribers)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(merged)
	}
}

func (m *PresenceManager) heartbeatLoop() {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			stopped := m.stopped
			m.mu.Unlock()
			if stopped {
				return
			}
			m.publish(m.currentStatus())
		}
	}
}

func (m *PresenceManager) healthLoop() {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.checkChannel()
		}
	}
}

func (m *PresenceManager) checkChannel() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	sub := m.sub
	m.mu.Unlock()

	if sub != nil && sub.State() != feed.StateClosed {
		return
	}
	log.Info().Str("user", m.userID).Msg("Presence channel closed, resubscribing.")
	m.openFeed()
}
