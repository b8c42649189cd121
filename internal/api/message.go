package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/message"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// MessageHandler serves the message endpoints. Channel-level permission
// checks live in the message service, not in route middleware, because the
// required bit differs per operation.
type MessageHandler struct {
	svc *message.Service
	log zerolog.Logger
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(svc *message.Service, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{svc: svc, log: logger}
}

type createMessageRequest struct {
	Content string `json:"content"`
}

type updateMessageRequest struct {
	Content string `json:"content"`
}

// CreateMessage handles POST /api/channels/:channelID/messages.
func (h *MessageHandler) CreateMessage(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid channel ID format")
	}

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	msg, err := h.svc.Create(c, channelID, userID, body.Content)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, msg)
}

// ListMessages handles GET /api/channels/:channelID/messages. Pagination is
// keyset on message id via mutually exclusive "before" and "after" query
// parameters.
func (h *MessageHandler) ListMessages(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid channel ID format")
	}

	cursor := message.Cursor{Limit: message.ClampLimit(fiber.Query[int](c, "limit"))}
	if raw := c.Query("before"); raw != "" {
		id, err := snowflake.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidCursor, "Invalid before cursor")
		}
		cursor.Before = &id
	}
	if raw := c.Query("after"); raw != "" {
		id, err := snowflake.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidCursor, "Invalid after cursor")
		}
		cursor.After = &id
	}

	msgs, err := h.svc.List(c, channelID, userID, cursor)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, msgs)
}

// UpdateMessage handles PATCH /api/channels/:channelID/messages/:messageID.
func (h *MessageHandler) UpdateMessage(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	messageID, err := snowflake.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid message ID format")
	}

	var body updateMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	msg, err := h.svc.Update(c, messageID, userID, body.Content)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, msg)
}

// DeleteMessage handles DELETE /api/channels/:channelID/messages/:messageID.
func (h *MessageHandler) DeleteMessage(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	messageID, err := snowflake.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid message ID format")
	}

	if err := h.svc.Delete(c, messageID, userID); err != nil {
		return h.mapMessageError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *MessageHandler) mapMessageError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, message.ErrMissingPermission):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You do not have permission to do this")
	case errors.Is(err, message.ErrNotAuthor):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.NotMessageAuthor, "You can only edit your own messages")
	case errors.Is(err, message.ErrNotFound), errors.Is(err, message.ErrMessageDeleted):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Message not found")
	case errors.Is(err, message.ErrEmptyContent):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.EmptyMessage, err.Error())
	case errors.Is(err, message.ErrContentTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MessageTooLong, err.Error())
	case errors.Is(err, message.ErrInvalidCursor):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidCursor, err.Error())
	case errors.Is(err, message.ErrEditConflict):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, err.Error())
	case errors.Is(err, permission.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Channel not found")
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg("unhandled message service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
