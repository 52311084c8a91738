package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/vollawetscher/ringlink/pkg/internal/feed"
	"github.com/vollawetscher/ringlink/pkg/internal/models"
	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

var (
	ErrSelfCall         = errors.New("cannot call yourself")
	ErrPeerUnavailable  = errors.New("callee does not exist")
	ErrAlreadyProcessed = errors.New("invitation was already resolved by another actor")
	ErrExpired          = errors.New("invitation expired")
	ErrNotFound         = errors.New("invitation not found")
)

// RejectReason names why an invitation is being resolved negatively and maps
// onto the terminal status it produces.
type RejectReason string

const (
	ReasonRejected  RejectReason = "rejected"
	ReasonCancelled RejectReason = "cancelled"
	ReasonMissed    RejectReason = "missed"
)

func (r RejectReason) status() (models.InvitationStatus, bool) {
	switch r {
	case ReasonRejected:
		return models.InvitationRejected, true
	case ReasonCancelled:
		return models.InvitationCancelled, true
	case ReasonMissed:
		return models.InvitationMissed, true
	}
	return "", false
}

// AcceptResult is what a successful accept hands back: everything the caller
// needs to join the media room.
type AcceptResult struct {
	Invitation models.CallInvitation  `json:"invitation"`
	SessionID  string                 `json:"session_id"`
	RoomName   string                 `json:"room_name"`
	Credential models.MediaCredential `json:"credential"`
}

type InvitationCallback func(models.CallInvitation)

type CoordinatorOption func(*Coordinator)

func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.pollInterval = d }
}

func WithHealthInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.healthInterval = d }
}

func WithReconnectBackoff(min, max time.Duration, attempts int) CoordinatorOption {
	return func(c *Coordinator) {
		c.backoffMin, c.backoffMax, c.maxReconnects = min, max, attempts
	}
}

func WithRingTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.ringTimeout = d }
}

func WithRooms(rooms RoomProvider) CoordinatorOption {
	return func(c *Coordinator) { c.rooms = rooms }
}

func WithNotifier(n Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.nowFn = now }
}

func withSubscribeFn(fn func(table string, f feed.Filter) *feed.Subscription) CoordinatorOption {
	return func(c *Coordinator) { c.subscribeFn = fn }
}

// Coordinator owns the local view of every call invitation relevant to one
// user identity. It merges two independently-unreliable delivery paths (the
// push change feed and a fixed-interval poll) into exactly-once-effective
// notifications, and drives the outbound invitation operations.
type Coordinator struct {
	store    store.Store
	issuer   TokenIssuer
	rooms    RoomProvider
	notifier Notifier

	userID      string
	displayName string

	pollInterval   time.Duration
	healthInterval time.Duration
	backoffMin     time.Duration
	backoffMax     time.Duration
	maxReconnects  int
	ringTimeout    time.Duration

	nowFn       func() time.Time
	subscribeFn func(table string, f feed.Filter) *feed.Subscription

	mu           sync.Mutex
	cache        map[string]models.CallInvitation
	delivered    map[string]struct{}
	subscribers  map[uint64]InvitationCallback
	nextSub      uint64
	feedSubs     []*feed.Subscription
	expiry       *time.Timer
	started      bool
	stopped      bool
	reconnecting bool
	pushDown     bool
	done         chan struct{}
}

func NewCoordinator(s store.Store, issuer TokenIssuer, userID, displayName string, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:          s,
		issuer:         issuer,
		userID:         userID,
		displayName:    displayName,
		pollInterval:   3 * time.Second,
		healthInterval: 10 * time.Second,
		backoffMin:     time.Second,
		backoffMax:     30 * time.Second,
		maxReconnects:  10,
		ringTimeout:    30 * time.Second,
		nowFn:          time.Now,
		cache:          make(map[string]models.CallInvitation),
		delivered:      make(map[string]struct{}),
		subscribers:    make(map[uint64]InvitationCallback),
	}
	c.subscribeFn = func(table string, f feed.Filter) *feed.Subscription {
		return s.Feed().Subscribe(table, f)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens both push subscriptions and begins the poll and health loops.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.openFeeds()
	go c.pollLoop()
	go c.healthLoop()
}

// Stop synchronously cancels every owned timer, then severs the push
// subscriptions. No poll or expiry tick fires after Stop returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	subs := c.feedSubs
	c.feedSubs = nil
	close(c.done)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Subscribe registers a listener invoked once per observed status change,
// regardless of which delivery path carried it. The returned handle removes
// the listener.
func (c *Coordinator) Subscribe(fn InvitationCallback) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// Initiate creates a pending invitation towards calleeId with a fresh room
// and one credential per party. Nothing is persisted when the media room or
// either credential cannot be provisioned.
func (c *Coordinator) Initiate(ctx context.Context, calleeID string) (models.CallInvitation, error) {
	if calleeID == c.userID {
		return models.CallInvitation{}, ErrSelfCall
	}
	if exists, err := c.store.UserExists(ctx, calleeID); err != nil {
		return models.CallInvitation{}, err
	} else if !exists {
		return models.CallInvitation{}, ErrPeerUnavailable
	}

	roomName := "call-" + uuid.NewString()
	if c.rooms != nil {
		if err := c.rooms.Create(ctx, roomName); err != nil {
			return models.CallInvitation{}, fmt.Errorf("remote media service error: %v", err)
		}
	}
	rollback := func() {
		if c.rooms != nil {
			_ = c.rooms.Delete(ctx, roomName)
		}
	}

	callerToken, err := c.issuer.Issue(ctx, roomName, c.userID, c.displayName)
	if err != nil {
		rollback()
		return models.CallInvitation{}, fmt.Errorf("unable to issue caller credential: %v", err)
	}
	calleeToken, err := c.issuer.Issue(ctx, roomName, calleeID, calleeID)
	if err != nil {
		rollback()
		return models.CallInvitation{}, fmt.Errorf("unable to issue callee credential: %v", err)
	}

	now := c.nowFn()
	inv := &models.CallInvitation{
		ID:               uuid.NewString(),
		CallerID:         c.userID,
		CalleeID:         calleeID,
		RoomName:         roomName,
		Status:           models.InvitationPending,
		CallerCredential: callerToken,
		CalleeCredential: calleeToken,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(c.ringTimeout),
	}
	if err := c.store.CreateInvitation(ctx, inv); err != nil {
		rollback()
		return models.CallInvitation{}, err
	}

	c.notifyUnreachableCallee(ctx, *inv)

	return *inv, nil
}

// notifyUnreachableCallee fires the push-notification dispatch when the
// callee cannot be ringing over the live channels. Strictly best-effort.
func (c *Coordinator) notifyUnreachableCallee(ctx context.Context, inv models.CallInvitation) {
	if c.notifier == nil {
		return
	}
	p, err := c.store.GetPresence(ctx, inv.CalleeID)
	if err == nil && p.Effective(c.nowFn()) == models.PresenceOnline {
		return
	}
	if err := c.notifier.Dispatch(ctx, CallNotification{
		Type:              "call_invitation",
		InvitationID:      inv.ID,
		CallerID:          inv.CallerID,
		CallerDisplayName: c.displayName,
	}); err != nil {
		log.Warn().Err(err).Str("invitation", inv.ID).Msg("An error occurred when dispatching the call notification.")
	}
}

// Accept performs the conditional pending->accepted transition and creates
// the call session. Exactly one actor ever wins this; everyone else observes
// ErrAlreadyProcessed (or ErrExpired past the ring window).
func (c *Coordinator) Accept(ctx context.Context, invitationID string) (AcceptResult, error) {
	inv, err := c.store.GetInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AcceptResult{}, ErrNotFound
		}
		return AcceptResult{}, err
	}

	now := c.nowFn()
	if inv.Status.Resolved() {
		return AcceptResult{}, ErrAlreadyProcessed
	}
	if inv.Expired(now) {
		// Converge the row while we are here; the server sweep may not have
		// caught it yet.
		if _, _, err := c.store.TransitionInvitation(ctx, invitationID,
			[]models.InvitationStatus{models.InvitationPending}, models.InvitationMissed, now); err != nil {
			log.Warn().Err(err).Str("invitation", invitationID).Msg("An error occurred when expiring the invitation.")
		}
		return AcceptResult{}, ErrExpired
	}

	fresh, won, err := c.store.TransitionInvitation(ctx, invitationID,
		[]models.InvitationStatus{models.InvitationPending}, models.InvitationAccepted, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AcceptResult{}, ErrNotFound
		}
		return AcceptResult{}, err
	}
	if !won {
		return AcceptResult{}, ErrAlreadyProcessed
	}

	session := &models.CallSession{
		ID:           uuid.NewString(),
		InvitationID: fresh.ID,
		CallerID:     fresh.CallerID,
		CalleeID:     fresh.CalleeID,
		RoomName:     fresh.RoomName,
		Status:       models.SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		// Roll the invitation back so the call does not dangle half-built.
		_, _, _ = c.store.TransitionInvitation(ctx, invitationID,
			[]models.InvitationStatus{models.InvitationAccepted}, models.InvitationCancelled, c.nowFn())
		return AcceptResult{}, fmt.Errorf("unable to create call session: %v", err)
	}

	token := fresh.CalleeCredential
	if c.userID == fresh.CallerID {
		token = fresh.CallerCredential
	}
	cred, err := models.DecodeCredential(token, fresh.RoomName)
	if err != nil {
		log.Warn().Err(err).Str("invitation", fresh.ID).Msg("An error occurred when decoding the call credential.")
		cred = models.MediaCredential{Token: token, RoomName: fresh.RoomName}
	}

	return AcceptResult{
		Invitation: fresh,
		SessionID:  session.ID,
		RoomName:   fresh.RoomName,
		Credential: cred,
	}, nil
}

// Reject resolves the invitation negatively per the supplied reason. It is a
// no-op when the invitation is already terminal, and never retried: losing
// the conditional update means somebody else's intent already landed.
func (c *Coordinator) Reject(ctx context.Context, invitationID string, reason RejectReason) error {
	to, ok := reason.status()
	if !ok {
		return fmt.Errorf("unknown reject reason %q", reason)
	}

	inv, err := c.store.GetInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !inv.Status.CanTransition(to) {
		return nil
	}

	from := []models.InvitationStatus{models.InvitationPending}
	if to == models.InvitationCancelled {
		from = append(from, models.InvitationAccepted)
	}
	_, _, err = c.store.TransitionInvitation(ctx, invitationID, from, to, c.nowFn())
	return err
}

// PendingFor returns the locally cached, still-ringing invitations addressed
// to this user.
func (c *Coordinator) PendingFor() []models.CallInvitation {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.CallInvitation
	for _, inv := range c.cache {
		if inv.CalleeID == c.userID && inv.EffectiveStatus(now) == models.InvitationPending {
			out = append(out, inv)
		}
	}
	return out
}

// reconcileInvitation folds one incoming snapshot into the cached state and
// reports whether subscribers should hear about it. Last write wins by
// updated_at; the server's conditional updates already guarantee monotonic
// transitions, so no vector clock is needed. Replays and reordered
// deliveries collapse to no-ops.
func reconcileInvitation(cached models.CallInvitation, ok bool, incoming models.CallInvitation) (models.CallInvitation, bool) {
	if !ok {
		return incoming, true
	}
	if incoming.UpdatedAt.Before(cached.UpdatedAt) {
		return cached, false
	}
	if incoming.Status == cached.Status {
		return incoming, false
	}
	return incoming, true
}

// observe routes one full-row snapshot from either delivery path through
// reconciliation, updates the poll dedupe set, re-arms the expiry timer and
// fans the change out.
func (c *Coordinator) observe(inv models.CallInvitation) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	cached, ok := c.cache[inv.ID]
	merged, deliver := reconcileInvitation(cached, ok, inv)
	c.cache[inv.ID] = merged

	if merged.CalleeID == c.userID && merged.Status == models.InvitationPending {
		c.delivered[merged.ID] = struct{}{}
	} else {
		delete(c.delivered, merged.ID)
	}

	c.rearmExpiryLocked()

	var listeners []InvitationCallback
	if deliver {
		listeners = lo.Values(c.subscribers)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(merged)
	}
}

func (c *Coordinator) openFeeds() {
	callerSub := c.subscribeFn(store.TableInvitations, feed.Filter{Column: store.ColumnCallerID, Value: c.userID})
	calleeSub := c.subscribeFn(store.TableInvitations, feed.Filter{Column: store.ColumnCalleeID, Value: c.userID})

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		callerSub.Close()
		calleeSub.Close()
		return
	}
	c.feedSubs = []*feed.Subscription{callerSub, calleeSub}
	c.mu.Unlock()

	go c.consume(callerSub)
	go c.consume(calleeSub)
}

func (c *Coordinator) consume(sub *feed.Subscription) {
	for ev := range sub.C {
		inv, ok := ev.Row.(models.CallInvitation)
		if !ok {
			// One bad event must never take the loop down with it.
			log.Warn().Str("table", ev.Table).Msg("Dropped a malformed change-feed payload.")
			continue
		}
		c.observe(inv)
	}
}

func (c *Coordinator) pollLoop() {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

// pollOnce is the safety net under the push channels: anything pending that
// the push path missed gets delivered here, deduplicated against the
// already-delivered set. Invitations resolved between two ticks are left to
// the push path by design.
func (c *Coordinator) pollOnce() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.pollInterval)
	defer cancel()

	pending, err := c.store.PendingInvitationsFor(ctx, c.userID)
	if err != nil {
		log.Debug().Err(err).Msg("Invitation poll failed, waiting for the next tick.")
		return
	}

	stillPending := make(map[string]struct{}, len(pending))
	var fresh []models.CallInvitation
	c.mu.Lock()
	for _, inv := range pending {
		stillPending[inv.ID] = struct{}{}
		if _, seen := c.delivered[inv.ID]; !seen {
			fresh = append(fresh, inv)
		}
	}
	for id := range c.delivered {
		if _, ok := stillPending[id]; !ok {
			delete(c.delivered, id)
		}
	}
	c.mu.Unlock()

	for _, inv := range fresh {
		c.observe(inv)
	}
}

func (c *Coordinator) healthLoop() {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.checkChannels()
		}
	}
}

func (c *Coordinator) checkChannels() {
	c.mu.Lock()
	if c.stopped || c.pushDown || c.reconnecting {
		c.mu.Unlock()
		return
	}
	closed := false
	for _, sub := range c.feedSubs {
		if sub.State() == feed.StateClosed {
			closed = true
			break
		}
	}
	if !closed {
		c.mu.Unlock()
		return
	}
	// A health check firing mid-reconnect must not spawn a second one.
	c.reconnecting = true
	c.mu.Unlock()

	go c.reconnect()
}

// reconnect tears both subscriptions down and re-establishes them with
// exponential backoff. After the attempt budget is spent the push path is
// abandoned and polling carries the component until it is restarted.
func (c *Coordinator) reconnect() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	backoff := c.backoffMin
	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		c.mu.Lock()
		stale := c.feedSubs
		c.feedSubs = nil
		c.mu.Unlock()
		for _, sub := range stale {
			sub.Close()
		}

		c.openFeeds()

		c.mu.Lock()
		healthy := len(c.feedSubs) > 0
		for _, sub := range c.feedSubs {
			if sub.State() == feed.StateClosed {
				healthy = false
			}
		}
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		if healthy {
			log.Info().Int("attempt", attempt).Str("user", c.userID).Msg("Push channels re-established.")
			return
		}

		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}

	c.mu.Lock()
	c.pushDown = true
	c.mu.Unlock()
	log.Warn().Str("user", c.userID).Msg("Push channels gave up reconnecting, polling is now the only delivery path.")
}

// rearmExpiryLocked recomputes the local countdown to the next pending
// invitation's expiry. Caller holds c.mu.
func (c *Coordinator) rearmExpiryLocked() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	if c.stopped {
		return
	}

	var next time.Time
	for _, inv := range c.cache {
		if inv.Status != models.InvitationPending {
			continue
		}
		if next.IsZero() || inv.ExpiresAt.Before(next) {
			next = inv.ExpiresAt
		}
	}
	if next.IsZero() {
		return
	}

	wait := next.Sub(c.nowFn())
	if wait < 0 {
		wait = 0
	}
	c.expiry = time.AfterFunc(wait, c.expireTick)
}

// expireTick fires when a locally observed pending invitation crosses its
// expires_at: the countdown must not hang on a server notification that may
// never arrive. The server row is converged best-effort afterwards.
func (c *Coordinator) expireTick() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	now := c.nowFn()
	var lapsed []models.CallInvitation
	for id, inv := range c.cache {
		if !inv.Expired(now) {
			continue
		}
		inv.Status = models.InvitationMissed
		inv.EndedAt = lo.ToPtr(now)
		// UpdatedAt stays put so a racing server-side accept still wins
		// reconciliation.
		c.cache[id] = inv
		delete(c.delivered, id)
		lapsed = append(lapsed, inv)
	}
	c.rearmExpiryLocked()
	listeners := lo.Values(c.subscribers)
	c.mu.Unlock()

	for _, inv := range lapsed {
		for _, fn := range listeners {
			fn(inv)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, _, err := c.store.TransitionInvitation(ctx, inv.ID,
			[]models.InvitationStatus{models.InvitationPending}, models.InvitationMissed, now); err != nil {
			log.Warn().Err(err).Str("invitation", inv.ID).Msg("An error occurred when converging an expired invitation.")
		}
		cancel()
	}
}
