package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/httputil"
)

// RequireAuth returns Fiber middleware that validates a JWT Bearer token from the Authorization header and stores the
// user snowflake in c.Locals("userID") and the session UUID in c.Locals("sessionID"). Session liveness is not checked
// here: access tokens are short-lived and revocation takes effect at the next refresh or gateway identify.
func RequireAuth(secret string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Missing authorization header")
		}

		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Invalid authorization format")
		}

		claims, err := ValidateAccessToken(tokenStr, secret)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.SessionExpired, "Token has expired")
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Invalid token")
		}

		userID, err := claims.UserID()
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Invalid token subject")
		}
		sessionID, err := claims.Session()
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Invalid token session")
		}

		c.Locals("userID", userID)
		c.Locals("sessionID", sessionID)
		return c.Next()
	}
}
