package api

import (
	"github.com/gofiber/fiber/v2"
)

func getUserinfo(c *fiber.Ctx) error {
	user := c.Locals("user").(Principal)
	return c.JSON(user)
}
