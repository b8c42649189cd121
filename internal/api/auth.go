package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/auth"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/snowflake"
	"github.com/accord-chat/accord-server/internal/user"
)

// AuthHandler serves registration, login, and session endpoints.
type AuthHandler struct {
	svc *auth.Service
	log zerolog.Logger
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(svc *auth.Service, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, log: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// sessionResponse pairs the user with their freshly minted tokens.
type sessionResponse struct {
	User   *user.User      `json:"user"`
	Tokens *auth.TokenPair `json:"tokens"`
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	u, tokens, err := h.svc.Register(c, body.Email, body.Username, body.Password)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, sessionResponse{User: u, Tokens: tokens})
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	u, tokens, err := h.svc.Login(c, body.Email, body.Password)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, sessionResponse{User: u, Tokens: tokens})
}

// Refresh handles POST /api/auth/refresh. It rotates the refresh token and
// mints a new access token in one step.
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().Body(&body); err != nil || body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Refresh token is required")
	}

	tokens, err := h.svc.Refresh(c, body.RefreshToken)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, tokens)
}

// Logout handles POST /api/auth/logout. It revokes the calling session.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	userID, sessionID, ok := identityFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}

	if err := h.svc.Logout(c, userID, sessionID); err != nil {
		return h.mapAuthError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LogoutAll handles POST /api/auth/logout-all. It revokes every session of
// the calling user.
func (h *AuthHandler) LogoutAll(c fiber.Ctx) error {
	userID, _, ok := identityFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}

	if err := h.svc.LogoutAll(c, userID); err != nil {
		return h.mapAuthError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AuthHandler) mapAuthError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrEmailFormat),
		errors.Is(err, user.ErrUsernameLength),
		errors.Is(err, user.ErrUsernameFormat),
		errors.Is(err, user.ErrPasswordLength):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, user.ErrEmailTaken):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.EmailTaken, "Email already registered")
	case errors.Is(err, user.ErrUsernameTaken):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.UsernameTaken, "Username already taken")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.InvalidCredentials, "Invalid email or password")
	case errors.Is(err, auth.ErrRefreshTokenInvalid):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Refresh token is invalid or expired")
	case errors.Is(err, auth.ErrSessionNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Session not found")
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}

// identityFromLocals extracts the user and session placed in Locals by the
// auth middleware.
func identityFromLocals(c fiber.Ctx) (snowflake.ID, uuid.UUID, bool) {
	userID, ok := c.Locals("userID").(snowflake.ID)
	if !ok {
		return 0, uuid.Nil, false
	}
	sessionID, ok := c.Locals("sessionID").(uuid.UUID)
	if !ok {
		return 0, uuid.Nil, false
	}
	return userID, sessionID, true
}
