package models

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MediaCredential is a short-lived signed token scoping one identity to one
// media room. Its expiry lives inside the token itself; we recover it by
// decoding the payload segment without verifying the signature, since the
// media service is the party that verifies.
type MediaCredential struct {
	Token    string    `json:"token"`
	RoomName string    `json:"room_name"`
	IssuedAt time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DecodeCredential derives IssuedAt/ExpiresAt from the token's registered
// claims.
func DecodeCredential(token, roomName string) (MediaCredential, error) {
	cred := MediaCredential{Token: token, RoomName: roomName}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return cred, fmt.Errorf("unable to decode media credential: %v", err)
	}
	if claims.ExpiresAt == nil {
		return cred, fmt.Errorf("media credential bears no expiry claim")
	}

	cred.ExpiresAt = claims.ExpiresAt.Time
	if claims.IssuedAt != nil {
		cred.IssuedAt = claims.IssuedAt.Time
	} else {
		cred.IssuedAt = time.Now()
	}
	return cred, nil
}

// Usable reports whether the credential still clears the buffer window ahead
// of its expiry.
func (c MediaCredential) Usable(now time.Time, buffer time.Duration) bool {
	return c.Token != "" && c.ExpiresAt.Sub(now) > buffer
}
