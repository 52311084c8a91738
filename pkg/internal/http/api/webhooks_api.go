package api

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/livekit/protocol/auth"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/vollawetscher/ringlink/pkg/internal/services"
)

type livekitWebhookPayload struct {
	Event string `json:"event"`
	Room  struct {
		Name string `json:"name"`
	} `json:"room"`
	Participant struct {
		Identity string `json:"identity"`
	} `json:"participant"`
}

var livekitEventKinds = map[string]services.RoomEventKind{
	"room_finished":      services.RoomEventFinished,
	"participant_joined": services.RoomEventParticipantJoined,
	"participant_left":   services.RoomEventParticipantLeft,
	"track_published":    services.RoomEventTrackPublished,
}

// verifyWebhookSignature checks the media service's signed digest: the
// Authorization header carries an API token whose sha256 claim must match the
// request body.
func verifyWebhookSignature(c *fiber.Ctx) error {
	verifier, err := auth.ParseAPIToken(c.Get(fiber.HeaderAuthorization))
	if err != nil || verifier.APIKey() != viper.GetString("calling.api_key") {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid webhook token")
	}
	claims, err := verifier.Verify(viper.GetString("calling.api_secret"))
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid webhook token")
	}

	sum := sha256.Sum256(c.Body())
	if claims.Sha256 != base64.StdEncoding.EncodeToString(sum[:]) {
		return fiber.NewError(fiber.StatusUnauthorized, "webhook body digest mismatch")
	}
	return nil
}

func livekitWebhook(c *fiber.Ctx) error {
	if err := verifyWebhookSignature(c); err != nil {
		return err
	}

	var payload livekitWebhookPayload
	if err := jsoniter.Unmarshal(c.Body(), &payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	kind, ok := livekitEventKinds[payload.Event]
	if !ok {
		// The media service sends more event types than the reconciler cares
		// about; acknowledge so it does not retry.
		return c.SendStatus(fiber.StatusOK)
	}

	log.Debug().
		Str("event", payload.Event).
		Str("room", payload.Room.Name).
		Str("identity", payload.Participant.Identity).
		Msg("Received a room event from the media service.")

	deps.Monitor.Publish(services.RoomEvent{
		Kind:     kind,
		Room:     payload.Room.Name,
		Identity: payload.Participant.Identity,
	})
	return c.SendStatus(fiber.StatusOK)
}
