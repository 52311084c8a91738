package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"github.com/vollawetscher/ringlink/pkg/internal/http/exts"
	"github.com/vollawetscher/ringlink/pkg/internal/models"
	"github.com/vollawetscher/ringlink/pkg/internal/services"
	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

func initiateCall(c *fiber.Ctx) error {
	user := c.Locals("user").(Principal)

	var data struct {
		CalleeID string `json:"callee_id" validate:"required"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	coord := deps.Hub.CoordinatorFor(user.ID, user.Name)
	inv, err := coord.Initiate(c.Context(), data.CalleeID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSelfCall):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		case errors.Is(err, services.ErrPeerUnavailable):
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		default:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(inv)
}

func acceptCall(c *fiber.Ctx) error {
	user := c.Locals("user").(Principal)
	id := c.Params("invitationId")

	coord := deps.Hub.CoordinatorFor(user.ID, user.Name)
	result, err := coord.Accept(c.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		case errors.Is(err, services.ErrExpired):
			return fiber.NewError(fiber.StatusGone, err.Error())
		case errors.Is(err, services.ErrAlreadyProcessed):
			return fiber.NewError(fiber.StatusConflict, err.Error())
		default:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(result)
}

func rejectCall(c *fiber.Ctx) error {
	user := c.Locals("user").(Principal)
	id := c.Params("invitationId")

	var data struct {
		Reason string `json:"reason" validate:"required,oneof=rejected cancelled missed"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	coord := deps.Hub.CoordinatorFor(user.ID, user.Name)
	if err := coord.Reject(c.Context(), id, services.RejectReason(data.Reason)); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(fiber.StatusOK)
}

func getInvitation(c *fiber.Ctx) error {
	id := c.Params("invitationId")

	inv, err := deps.Store.GetInvitation(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	// Observers must agree on expiry regardless of the server sweep.
	inv.Status = inv.EffectiveStatus(time.Now())
	return c.JSON(inv)
}

func listPendingInvitations(c *fiber.Ctx) error {
	user := c.Locals("user").(Principal)

	pending, err := deps.Store.PendingInvitationsFor(c.Context(), user.ID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	now := time.Now()
	pending = lo.Filter(pending, func(inv models.CallInvitation, idx int) bool {
		return inv.EffectiveStatus(now) == models.InvitationPending
	})
	return c.JSON(pending)
}

func exchangeCallToken(c *fiber.Ctx) error {
	user := c.Locals("user").(Principal)

	var data struct {
		RoomName string `json:"room_name" validate:"required"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	cred, err := deps.Hub.TokensFor(user.ID, user.Name).GetToken(c.Context(), data.RoomName)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(cred)
}

func listSessionParticipants(c *fiber.Ctx) error {
	id := c.Params("sessionId")

	session, err := deps.Store.GetSession(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	participants, err := services.ListHumanParticipants(c.Context(), session.RoomName)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(participants)
}

func kickSessionParticipant(c *fiber.Ctx) error {
	user := c.Locals("user").(Principal)
	id := c.Params("sessionId")
	identity := c.Params("identity")

	session, err := deps.Store.GetSession(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if session.CallerID != user.ID && session.CalleeID != user.ID {
		return fiber.NewError(fiber.StatusForbidden, "you are not a party of this call")
	}

	if err := services.KickParticipant(c.Context(), session.RoomName, identity); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(fiber.StatusOK)
}

func hangupCall(c *fiber.Ctx) error {
	id := c.Params("sessionId")

	if r, ok := deps.Hub.Reconciler(id); ok {
		r.Hangup()
		return c.SendStatus(fiber.StatusOK)
	}

	// No local watcher (e.g. another node holds it): converge the row and
	// let the feed carry the signal.
	if _, _, err := deps.Store.EndSession(c.Context(), id, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(fiber.StatusOK)
}
