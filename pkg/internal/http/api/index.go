package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vollawetscher/ringlink/pkg/internal/services"
	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

type Deps struct {
	Store   store.Store
	Hub     *services.Hub
	Monitor *services.RoomMonitor
}

var deps Deps

func MapAPIs(app *fiber.App, baseURL string, d Deps) {
	deps = d

	api := app.Group(baseURL).Name("API")
	{
		api.Get("/users/me", authMiddleware, getUserinfo)

		calls := api.Group("/calls").Name("Calls API")
		{
			calls.Get("/pending", authMiddleware, listPendingInvitations)
			calls.Post("/", authMiddleware, initiateCall)
			calls.Post("/token", authMiddleware, exchangeCallToken)
			calls.Get("/:invitationId", authMiddleware, getInvitation)
			calls.Post("/:invitationId/accept", authMiddleware, acceptCall)
			calls.Post("/:invitationId/reject", authMiddleware, rejectCall)

			calls.Get("/sessions/:sessionId/participants", authMiddleware, listSessionParticipants)
			calls.Delete("/sessions/:sessionId/participants/:identity", authMiddleware, kickSessionParticipant)
			calls.Delete("/sessions/:sessionId", authMiddleware, hangupCall)
		}

		presence := api.Group("/presence").Name("Presence API")
		{
			presence.Get("/", authMiddleware, listPresence)
			presence.Get("/:userId", authMiddleware, getPresence)
		}

		api.Post("/webhooks/livekit", livekitWebhook)

		api.Get("/ws", authMiddleware, upgradeMiddleware, streamGateway())
	}
}
