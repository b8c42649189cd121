package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/guild"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/invite"
	"github.com/accord-chat/accord-server/internal/member"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// InviteHandler serves invite creation, listing, revocation, and the join
// flow.
type InviteHandler struct {
	invites   invite.Repository
	members   member.Repository
	guilds    guild.Repository
	engine    *permission.Engine
	publisher bus.Publisher
	log       zerolog.Logger
}

// NewInviteHandler creates an invite handler.
func NewInviteHandler(invites invite.Repository, members member.Repository, guilds guild.Repository, engine *permission.Engine, publisher bus.Publisher, logger zerolog.Logger) *InviteHandler {
	return &InviteHandler{invites: invites, members: members, guilds: guilds, engine: engine, publisher: publisher, log: logger}
}

type createInviteRequest struct {
	ChannelID     *snowflake.ID `json:"channel_id"`
	MaxUses       int           `json:"max_uses"`
	MaxAgeSeconds *int          `json:"max_age_seconds"`
}

// ListInvites handles GET /api/guilds/:guildID/invites. Membership is
// enforced by middleware.
func (h *InviteHandler) ListInvites(c fiber.Ctx) error {
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	invites, err := h.invites.ListByGuild(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "invite").Msg("list invites failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, invites)
}

// CreateInvite handles POST /api/guilds/:guildID/invites. Requires
// CREATE_INVITES, enforced by middleware.
func (h *InviteHandler) CreateInvite(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	var body createInviteRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
		}
	}
	if err := invite.ValidateMaxUses(body.MaxUses); err != nil {
		return h.mapInviteError(c, err)
	}
	if err := invite.ValidateMaxAge(body.MaxAgeSeconds); err != nil {
		return h.mapInviteError(c, err)
	}

	inv, err := h.invites.Create(c, invite.CreateParams{
		GuildID:       guildID,
		ChannelID:     body.ChannelID,
		CreatorID:     userID,
		MaxUses:       body.MaxUses,
		MaxAgeSeconds: body.MaxAgeSeconds,
	})
	if err != nil {
		return h.mapInviteError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, inv)
}

// DeleteInvite handles DELETE /api/invites/:code. Allowed for the invite's
// creator, or for anyone holding MANAGE_GUILD on the invite's guild.
func (h *InviteHandler) DeleteInvite(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	code := c.Params("code")

	inv, err := h.invites.GetByCode(c, code)
	if err != nil {
		return h.mapInviteError(c, err)
	}

	if inv.CreatorID != userID {
		allowed, err := h.engine.HasGuild(c, userID, inv.GuildID, permission.ManageGuild)
		if err != nil && !errors.Is(err, permission.ErrNotFound) {
			h.log.Error().Err(err).Str("handler", "invite").Msg("permission check failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You cannot delete this invite")
		}
	}

	if err := h.invites.Delete(c, code); err != nil {
		return h.mapInviteError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Join handles POST /api/invites/:code/join. Consuming a use and inserting
// the membership happen in that order; a banned user is rejected before the
// use is consumed.
func (h *InviteHandler) Join(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	code := c.Params("code")

	inv, err := h.invites.GetByCode(c, code)
	if err != nil {
		return h.mapInviteError(c, err)
	}

	banned, err := h.members.IsBanned(c, inv.GuildID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "invite").Msg("ban check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if banned {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.Banned, "You are banned from this guild")
	}

	already, err := h.members.IsMember(c, inv.GuildID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "invite").Msg("membership check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if already {
		return httputil.Fail(c, fiber.StatusConflict, apierrors.AlreadyMember, "You are already a member of this guild")
	}

	if _, err := h.invites.Use(c, code); err != nil {
		return h.mapInviteError(c, err)
	}

	m, err := h.members.Join(c, inv.GuildID, userID)
	if err != nil {
		if errors.Is(err, member.ErrAlreadyMember) {
			return httputil.Fail(c, fiber.StatusConflict, apierrors.AlreadyMember, "You are already a member of this guild")
		}
		h.log.Error().Err(err).Str("handler", "invite").Msg("join failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	publishEvent(c, h.log, h.publisher, bus.TypeMemberJoined, inv.GuildID, m)
	return httputil.SuccessStatus(c, fiber.StatusCreated, m)
}

func (h *InviteHandler) mapInviteError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, invite.ErrExpired):
		return httputil.Fail(c, fiber.StatusGone, apierrors.InviteExpired, "This invite has expired")
	case errors.Is(err, invite.ErrMaxUsesReached):
		return httputil.Fail(c, fiber.StatusGone, apierrors.InviteInvalid, "This invite is no longer valid")
	case errors.Is(err, invite.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.InviteInvalid, "Unknown invite")
	case errors.Is(err, invite.ErrChannelNotFound):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Channel does not belong to this guild")
	case errors.Is(err, invite.ErrInvalidMaxUses), errors.Is(err, invite.ErrInvalidMaxAge):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "invite").Msg("unhandled invite repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
