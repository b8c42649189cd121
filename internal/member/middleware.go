package member

import (
	"github.com/gofiber/fiber/v3"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// RequireMember returns Fiber middleware that blocks users who are not members of the guild named by the "guildID"
// route parameter. Non-members get a 404, not a 403, so guild existence does not leak. Must be placed after
// RequireAuth so that c.Locals("userID") is populated.
func RequireMember(members Repository) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := permission.UserIDFromLocals(c)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
		}

		guildID, err := snowflake.Parse(c.Params("guildID"))
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
		}

		isMember, err := members.IsMember(c, guildID, userID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
		}
		if !isMember {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Guild not found")
		}

		return c.Next()
	}
}
