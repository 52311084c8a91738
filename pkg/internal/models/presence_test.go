package models

import (
	"testing"
	"time"
)

func TestPresenceEffective(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := UserPresence{Status: PresenceOnline, LastSeenAt: base}

	if got := p.Effective(base.Add(89 * time.Second)); got != PresenceOnline {
		t.Errorf("fresh heartbeat: got %s, want online", got)
	}
	if got := p.Effective(base.Add(90 * time.Second)); got != PresenceOnline {
		t.Errorf("exactly at the staleness bound: got %s, want online", got)
	}
	if got := p.Effective(base.Add(91 * time.Second)); got != PresenceOffline {
		t.Errorf("stale heartbeat: got %s, want offline", got)
	}

	p.Status = PresenceInCall
	if got := p.Effective(base.Add(2 * time.Minute)); got != PresenceOffline {
		t.Errorf("staleness overrides any stored status, got %s", got)
	}
}

func TestPresenceFresher(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	away := UserPresence{Status: PresenceAway, UpdatedAt: base.Add(time.Second)}
	online := UserPresence{Status: PresenceOnline, UpdatedAt: base}

	// A reordered delivery of the older online update must not beat the
	// newer away state.
	if online.Fresher(away) {
		t.Error("older update must not read as fresher")
	}
	if !away.Fresher(online) {
		t.Error("newer update must read as fresher")
	}

	// Equal timestamps lose, so replays are idempotent.
	replay := away
	if replay.Fresher(away) {
		t.Error("equal timestamps must not read as fresher")
	}
}
