package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

func listPresence(c *fiber.Ctx) error {
	list, err := deps.Store.ListPresence(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	now := time.Now()
	for idx := range list {
		list[idx].Status = list[idx].Effective(now)
	}
	return c.JSON(list)
}

func getPresence(c *fiber.Ctx) error {
	userID := c.Params("userId")

	presence, err := deps.Store.GetPresence(c.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	presence.Status = presence.Effective(time.Now())
	return c.JSON(presence)
}
