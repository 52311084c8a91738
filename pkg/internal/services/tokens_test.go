package services

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testToken(issuedAt, expiresAt time.Time) string {
	tk := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-a",
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	raw, _ := tk.SignedString([]byte("test-secret"))
	return raw
}

func TestTokenManagerCachesWithinBuffer(t *testing.T) {
	issuer := &fakeIssuer{ttl: time.Hour}
	m := NewTokenManager(issuer, "user-a", "Alice")

	first, err := m.GetToken(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	second, err := m.GetToken(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if first.Token != second.Token {
		t.Error("expected the cached credential back")
	}
	if issuer.count() != 1 {
		t.Errorf("issuer was asked %d times, want 1", issuer.count())
	}
}

func TestTokenManagerRefreshesInsideBuffer(t *testing.T) {
	// Four minutes of validity left against the five-minute session buffer:
	// the token is live but must be refreshed proactively.
	issuer := &fakeIssuer{ttl: 4 * time.Minute}
	m := NewTokenManager(issuer, "user-a", "Alice")

	if _, err := m.GetToken(context.Background(), "call-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := m.GetToken(context.Background(), "call-1"); err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if issuer.count() != 2 {
		t.Errorf("issuer was asked %d times, want 2", issuer.count())
	}

	// The same expiry clears a smaller buffer and caches.
	issuer2 := &fakeIssuer{ttl: 4 * time.Minute}
	m2 := NewTokenManager(issuer2, "user-a", "Alice").WithBuffer(time.Minute)
	m2.GetToken(context.Background(), "call-1")
	m2.GetToken(context.Background(), "call-1")
	if issuer2.count() != 1 {
		t.Errorf("issuer was asked %d times with a 1m buffer, want 1", issuer2.count())
	}
}

func TestTokenManagerRoomChangeForcesFresh(t *testing.T) {
	issuer := &fakeIssuer{ttl: time.Hour}
	m := NewTokenManager(issuer, "user-a", "Alice")

	m.GetToken(context.Background(), "call-1")
	cred, err := m.GetToken(context.Background(), "call-2")
	if err != nil {
		t.Fatalf("request for the second room failed: %v", err)
	}
	if cred.RoomName != "call-2" {
		t.Errorf("got a credential for %s, want call-2", cred.RoomName)
	}
	if issuer.count() != 2 {
		t.Errorf("issuer was asked %d times, want 2", issuer.count())
	}
}

func TestTokenManagerClearToken(t *testing.T) {
	issuer := &fakeIssuer{ttl: time.Hour}
	m := NewTokenManager(issuer, "user-a", "Alice")

	m.GetToken(context.Background(), "call-1")
	m.ClearToken()
	m.GetToken(context.Background(), "call-1")
	if issuer.count() != 2 {
		t.Errorf("issuer was asked %d times after a clear, want 2", issuer.count())
	}
}
