package permission

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// RequirePermission returns Fiber middleware that checks whether the
// authenticated user has the given permission in the channel specified by
// the "channelID" route parameter. A missing channel or membership is
// reported as not found, never as forbidden, so resource existence does not
// leak through the error code.
func RequirePermission(engine *Engine, perm Bits) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := UserIDFromLocals(c)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
		}

		channelIDStr := c.Params("channelID")
		if channelIDStr == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Channel ID is required")
		}

		channelID, err := snowflake.Parse(channelIDStr)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid channel ID format")
		}

		allowed, err := engine.Has(c, userID, channelID, perm)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Channel not found")
			}
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "Failed to check permissions")
		}

		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You do not have the required permissions")
		}

		return c.Next()
	}
}

// RequireGuildPermission is the guild-scoped counterpart of
// RequirePermission: it checks the permission against the guild named by the
// "guildID" route parameter, ignoring channel overwrites.
func RequireGuildPermission(engine *Engine, perm Bits) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := UserIDFromLocals(c)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
		}

		guildID, err := snowflake.Parse(c.Params("guildID"))
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
		}

		allowed, err := engine.HasGuild(c, userID, guildID, perm)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Guild not found")
			}
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "Failed to check permissions")
		}

		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You do not have the required permissions")
		}

		return c.Next()
	}
}

// UserIDFromLocals extracts the authenticated user id placed in Locals by
// the auth middleware.
func UserIDFromLocals(c fiber.Ctx) (snowflake.ID, bool) {
	userID, ok := c.Locals("userID").(snowflake.ID)
	return userID, ok
}
