package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/guild"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/member"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// MemberHandler serves membership and ban endpoints.
type MemberHandler struct {
	members   member.Repository
	guilds    guild.Repository
	publisher bus.Publisher
	log       zerolog.Logger
}

// NewMemberHandler creates a member handler.
func NewMemberHandler(members member.Repository, guilds guild.Repository, publisher bus.Publisher, logger zerolog.Logger) *MemberHandler {
	return &MemberHandler{members: members, guilds: guilds, publisher: publisher, log: logger}
}

type updateNicknameRequest struct {
	Nickname *string `json:"nickname"`
}

type banRequest struct {
	Reason *string `json:"reason"`
}

// memberEventPayload is the wire body of member.left, member.removed, and
// member.unbanned.
type memberEventPayload struct {
	GuildID snowflake.ID `json:"guild_id"`
	UserID  snowflake.ID `json:"user_id"`
}

// memberBannedPayload is the wire body of member.banned.
type memberBannedPayload struct {
	GuildID snowflake.ID `json:"guild_id"`
	UserID  snowflake.ID `json:"user_id"`
	Reason  *string      `json:"reason"`
}

// ListMembers handles GET /api/guilds/:guildID/members. Membership is
// enforced by middleware. Pagination is keyset on user id via the "after"
// query parameter.
func (h *MemberHandler) ListMembers(c fiber.Ctx) error {
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	var after *snowflake.ID
	if raw := c.Query("after"); raw != "" {
		parsed, err := snowflake.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidCursor, "Invalid after cursor")
		}
		after = &parsed
	}
	limit := member.ClampLimit(fiber.Query[int](c, "limit"))

	members, err := h.members.List(c, guildID, after, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("list members failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, members)
}

// UpdateOwnNickname handles PATCH /api/guilds/:guildID/members/me.
func (h *MemberHandler) UpdateOwnNickname(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	var body updateNicknameRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if err := member.ValidateNickname(body.Nickname); err != nil {
		return h.mapMemberError(c, err)
	}

	m, err := h.members.UpdateNickname(c, guildID, userID, body.Nickname)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeMemberUpdated, guildID, m)
	return httputil.Success(c, m)
}

// KickMember handles DELETE /api/guilds/:guildID/members/:userID. Requires
// KICK_MEMBERS, enforced by middleware. The owner cannot be kicked.
func (h *MemberHandler) KickMember(c fiber.Ctx) error {
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}
	userID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid user ID format")
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		if errors.Is(err, guild.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Guild not found")
		}
		h.log.Error().Err(err).Str("handler", "member").Msg("get guild failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if g.OwnerID == userID {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CannotRemoveOwner, "The owner cannot be removed")
	}

	if err := h.members.Delete(c, guildID, userID); err != nil {
		return h.mapMemberError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeMemberRemoved, guildID,
		memberEventPayload{GuildID: guildID, UserID: userID})
	return c.SendStatus(fiber.StatusNoContent)
}

// Leave handles DELETE /api/guilds/:guildID/members/me. The owner cannot
// leave their own guild; they must delete it or transfer it first.
func (h *MemberHandler) Leave(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		if errors.Is(err, guild.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Guild not found")
		}
		h.log.Error().Err(err).Str("handler", "member").Msg("get guild failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if g.OwnerID == userID {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CannotRemoveOwner, "The owner cannot leave their own guild")
	}

	if err := h.members.Delete(c, guildID, userID); err != nil {
		return h.mapMemberError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeMemberLeft, guildID,
		memberEventPayload{GuildID: guildID, UserID: userID})
	return c.SendStatus(fiber.StatusNoContent)
}

// ListBans handles GET /api/guilds/:guildID/bans. Requires BAN_MEMBERS,
// enforced by middleware.
func (h *MemberHandler) ListBans(c fiber.Ctx) error {
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	bans, err := h.members.ListBans(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("list bans failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, bans)
}

// Ban handles PUT /api/guilds/:guildID/bans/:userID. Requires BAN_MEMBERS,
// enforced by middleware. Banning removes the membership in the same
// transaction; the ban row alone blocks rejoin.
func (h *MemberHandler) Ban(c fiber.Ctx) error {
	bannedBy, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}
	userID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid user ID format")
	}

	var body banRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
		}
	}
	if err := member.ValidateReason(body.Reason); err != nil {
		return h.mapMemberError(c, err)
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		if errors.Is(err, guild.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Guild not found")
		}
		h.log.Error().Err(err).Str("handler", "member").Msg("get guild failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	if g.OwnerID == userID {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.CannotRemoveOwner, "The owner cannot be banned")
	}

	if err := h.members.Ban(c, guildID, userID, bannedBy, body.Reason); err != nil {
		return h.mapMemberError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeMemberBanned, guildID,
		memberBannedPayload{GuildID: guildID, UserID: userID, Reason: body.Reason})
	return c.SendStatus(fiber.StatusNoContent)
}

// Unban handles DELETE /api/guilds/:guildID/bans/:userID. Requires
// BAN_MEMBERS, enforced by middleware.
func (h *MemberHandler) Unban(c fiber.Ctx) error {
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}
	userID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid user ID format")
	}

	if err := h.members.Unban(c, guildID, userID); err != nil {
		return h.mapMemberError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeMemberUnbanned, guildID,
		memberEventPayload{GuildID: guildID, UserID: userID})
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *MemberHandler) mapMemberError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, member.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Member not found")
	case errors.Is(err, member.ErrBanNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Ban not found")
	case errors.Is(err, member.ErrAlreadyBanned):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, err.Error())
	case errors.Is(err, member.ErrNicknameLength), errors.Is(err, member.ErrReasonLength):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "member").Msg("unhandled member repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
