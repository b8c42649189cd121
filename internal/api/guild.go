package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/guild"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// GuildHandler serves guild endpoints.
type GuildHandler struct {
	guilds    guild.Repository
	ids       *snowflake.Generator
	publisher bus.Publisher
	log       zerolog.Logger
}

// NewGuildHandler creates a guild handler.
func NewGuildHandler(guilds guild.Repository, ids *snowflake.Generator, publisher bus.Publisher, logger zerolog.Logger) *GuildHandler {
	return &GuildHandler{guilds: guilds, ids: ids, publisher: publisher, log: logger}
}

type createGuildRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

type updateGuildRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// guildDeletedPayload is the wire body of guild.deleted.
type guildDeletedPayload struct {
	ID snowflake.ID `json:"id"`
}

// ListGuilds handles GET /api/guilds. It returns every guild the caller is
// a member of.
func (h *GuildHandler) ListGuilds(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}

	guilds, err := h.guilds.ListForUser(c, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "guild").Msg("list guilds failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, guilds)
}

// CreateGuild handles POST /api/guilds. The creator becomes the owner and
// first member; the @everyone role is seeded with the default permissions.
func (h *GuildHandler) CreateGuild(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}

	var body createGuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	name, err := guild.ValidateNameRequired(body.Name)
	if err != nil {
		return h.mapGuildError(c, err)
	}

	id, err := h.ids.Generate()
	if err != nil {
		h.log.Error().Err(err).Str("handler", "guild").Msg("id generation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	g, err := h.guilds.Create(c, guild.CreateParams{
		ID:                  id,
		Name:                name,
		OwnerID:             userID,
		EveryonePermissions: permission.DefaultEveryonePermissions,
	})
	if err != nil {
		return h.mapGuildError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeGuildCreated, g.ID, g)
	return httputil.SuccessStatus(c, fiber.StatusCreated, g)
}

// GetGuild handles GET /api/guilds/:guildID. Membership is enforced by
// middleware.
func (h *GuildHandler) GetGuild(c fiber.Ctx) error {
	id, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	g, err := h.guilds.GetByID(c, id)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	return httputil.Success(c, g)
}

// UpdateGuild handles PATCH /api/guilds/:guildID. Requires MANAGE_GUILD,
// enforced by middleware.
func (h *GuildHandler) UpdateGuild(c fiber.Ctx) error {
	id, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	var body updateGuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	if err := guild.ValidateName(body.Name); err != nil {
		return h.mapGuildError(c, err)
	}

	params := guild.UpdateParams{Name: body.Name}

	// Interpret Description: nil = no change, "" = clear, anything else = set.
	if body.Description != nil {
		if *body.Description == "" {
			params.SetDescriptionNull = true
		} else {
			if err := guild.ValidateDescription(body.Description); err != nil {
				return h.mapGuildError(c, err)
			}
			params.Description = body.Description
		}
	}

	g, err := h.guilds.Update(c, id, params)
	if err != nil {
		return h.mapGuildError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeGuildUpdated, g.ID, g)
	return httputil.Success(c, g)
}

// DeleteGuild handles DELETE /api/guilds/:guildID. Only the owner may
// delete a guild.
func (h *GuildHandler) DeleteGuild(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}

	id, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	g, err := h.guilds.GetByID(c, id)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	if g.OwnerID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Only the owner can delete a guild")
	}

	if err := h.guilds.Delete(c, id); err != nil {
		return h.mapGuildError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeGuildDeleted, id, guildDeletedPayload{ID: id})
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *GuildHandler) mapGuildError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, guild.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Guild not found")
	case errors.Is(err, guild.ErrOwnerNotFound):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, guild.ErrNameLength), errors.Is(err, guild.ErrDescriptionLength):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "guild").Msg("unhandled guild repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
