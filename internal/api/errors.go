package api

import (
	"github.com/vibebetter/vibebetter-api/internal/models"

	"github.com/gofiber/fiber/v2"
)

// respondError maps a service error to its HTTP response, stripping internal
// details first.
func respondError(c *fiber.Ctx, err error) error {
	appErr := models.SanitizeError(err)
	return c.Status(appErr.GetStatusCode()).JSON(fiber.Map{
		"error": appErr.Message,
		"code":  appErr.Code,
	})
}
