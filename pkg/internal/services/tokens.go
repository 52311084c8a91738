package services

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/livekit/protocol/auth"
	"github.com/spf13/viper"

	"github.com/vollawetscher/ringlink/pkg/internal/models"
)

// TokenIssuer mints a media credential scoping one identity to one room.
type TokenIssuer interface {
	Issue(ctx context.Context, roomName, identity, name string) (string, error)
}

// LiveKitIssuer signs credentials locally with the LiveKit API key pair.
type LiveKitIssuer struct{}

func (LiveKitIssuer) Issue(ctx context.Context, roomName, identity, name string) (string, error) {
	grant := &auth.VideoGrant{
		Room:     roomName,
		RoomJoin: true,
	}

	duration := time.Second * time.Duration(viper.GetInt("calling.token_duration"))
	tk := auth.NewAccessToken(viper.GetString("calling.api_key"), viper.GetString("calling.api_secret"))
	tk.AddGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(duration)

	return tk.ToJWT()
}

// RemoteIssuer consumes a credential issuance endpoint:
// {roomName, participantIdentity, participantName} -> {token}.
type RemoteIssuer struct {
	Endpoint string
	Client   *http.Client
}

func (r RemoteIssuer) Issue(ctx context.Context, roomName, identity, name string) (string, error) {
	payload, _ := jsoniter.Marshal(map[string]string{
		"roomName":            roomName,
		"participantIdentity": identity,
		"participantName":     name,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("credential endpoint answered %d", res.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Token == "" {
		return "", fmt.Errorf("credential endpoint answered without a token")
	}
	return body.Token, nil
}

// SessionTokenBuffer is the trailing safety window for call-scoped
// credentials; DeviceTokenBuffer suits long-lived device tokens.
const (
	SessionTokenBuffer = 5 * time.Minute
	DeviceTokenBuffer  = 72 * time.Hour
)

// TokenManager caches one media credential per room for one identity,
// refreshing proactively inside the buffer window. A manager instance is
// owned by exactly one device session; credentials never transfer across
// rooms.
type TokenManager struct {
	issuer   TokenIssuer
	identity string
	name     string
	buffer   time.Duration

	mu     sync.Mutex
	cached models.MediaCredential

	nowFn func() time.Time
}

func NewTokenManager(issuer TokenIssuer, identity, name string) *TokenManager {
	return &TokenManager{
		issuer:   issuer,
		identity: identity,
		name:     name,
		buffer:   SessionTokenBuffer,
		nowFn:    time.Now,
	}
}

// WithBuffer overrides the refresh window, e.g. DeviceTokenBuffer for
// device-scoped managers.
func (m *TokenManager) WithBuffer(buffer time.Duration) *TokenManager {
	m.buffer = buffer
	return m
}

// GetToken returns the cached credential while it stays clear of the buffer
// window; otherwise it requests a fresh one. Asking for a different room
// always forces a fresh request.
func (m *TokenManager) GetToken(ctx context.Context, roomName string) (models.MediaCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached.RoomName == roomName && m.cached.Usable(m.nowFn(), m.buffer) {
		return m.cached, nil
	}

	token, err := m.issuer.Issue(ctx, roomName, m.identity, m.name)
	if err != nil {
		return models.MediaCredential{}, err
	}
	cred, err := models.DecodeCredential(token, roomName)
	if err != nil {
		return models.MediaCredential{}, err
	}

	m.cached = cred
	return cred, nil
}

// ClearToken drops the cache unconditionally. Called on logout and on call
// teardown so a stale room is never reused.
func (m *TokenManager) ClearToken() {
	m.mu.Lock()
	m.cached = models.MediaCredential{}
	m.mu.Unlock()
}
