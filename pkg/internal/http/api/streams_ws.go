package api

import (
	"fmt"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/vollawetscher/ringlink/pkg/internal/models"
)

func upgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func streamGateway() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		user := c.Locals("user").(Principal)

		// Push connection
		session := deps.Hub.Acquire(user.ID, user.Name)
		defer deps.Hub.Release(user.ID)

		// Writes are fanned in from the invitation and presence callbacks plus
		// the read loop's error replies; the conn itself is not write-safe.
		var writeLock sync.Mutex
		write := func(pkt models.UnifiedCommand) {
			writeLock.Lock()
			defer writeLock.Unlock()
			_ = c.WriteMessage(websocket.TextMessage, pkt.Marshal())
		}

		unsubCalls := session.Coordinator.Subscribe(func(inv models.CallInvitation) {
			write(models.UnifiedCommand{Action: "calls.update", Payload: inv})
		})
		defer unsubCalls()

		unsubPresence := session.Presence.OnUpdate(func(p models.UserPresence) {
			write(models.UnifiedCommand{Action: "presence.update", Payload: p})
		})
		defer unsubPresence()

		// Ringing calls that predate this connection still have to ring.
		for _, inv := range session.Coordinator.PendingFor() {
			write(models.UnifiedCommand{Action: "calls.update", Payload: inv})
		}

		// Event loop
		var task models.UnifiedCommand
		for {
			_, packet, err := c.ReadMessage()
			if err != nil {
				break
			}
			if err := jsoniter.Unmarshal(packet, &task); err != nil {
				write(models.UnifiedCommand{
					Action:  "error",
					Message: "unable to unmarshal your command, requires json request",
				})
				continue
			}

			switch task.Action {
			case "visibility.set":
				var data struct {
					Foreground bool `json:"foreground"`
				}
				models.FitStruct(task.Payload, &data)
				session.Presence.SetVisibility(data.Foreground)
			case "presence.in_call":
				var data struct {
					InCall bool `json:"in_call"`
				}
				models.FitStruct(task.Payload, &data)
				session.Presence.SetInCall(data.InCall)
			case "calls.hangup":
				var data struct {
					SessionID string `json:"session_id"`
				}
				models.FitStruct(task.Payload, &data)
				if r, ok := deps.Hub.Reconciler(data.SessionID); ok {
					r.Hangup()
				} else {
					log.Debug().Str("session", data.SessionID).Msg("Hangup for an unwatched session, ignoring.")
				}
			default:
				write(models.UnifiedCommandFromError(fmt.Errorf("unknown action %q", task.Action)))
			}
		}
	})
}
