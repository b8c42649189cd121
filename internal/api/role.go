package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/member"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/role"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// RoleHandler serves role endpoints, including member role assignment.
type RoleHandler struct {
	roles     role.Repository
	members   member.Repository
	ids       *snowflake.Generator
	publisher bus.Publisher
	log       zerolog.Logger
}

// NewRoleHandler creates a role handler.
func NewRoleHandler(roles role.Repository, members member.Repository, ids *snowflake.Generator, publisher bus.Publisher, logger zerolog.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, members: members, ids: ids, publisher: publisher, log: logger}
}

type createRoleRequest struct {
	Name        string           `json:"name"`
	Permissions *permission.Bits `json:"permissions"`
	Color       *int             `json:"color"`
}

type updateRoleRequest struct {
	Name        *string          `json:"name"`
	Permissions *permission.Bits `json:"permissions"`
	Color       *int             `json:"color"`
	Position    *int             `json:"position"`
}

// roleDeletedPayload is the wire body of role.deleted.
type roleDeletedPayload struct {
	ID      snowflake.ID `json:"id"`
	GuildID snowflake.ID `json:"guild_id"`
}

// memberRolesPayload is the wire body of member_roles.updated.
type memberRolesPayload struct {
	GuildID snowflake.ID   `json:"guild_id"`
	UserID  snowflake.ID   `json:"user_id"`
	RoleIDs []snowflake.ID `json:"role_ids"`
}

// ListRoles handles GET /api/guilds/:guildID/roles. Membership is enforced
// by middleware.
func (h *RoleHandler) ListRoles(c fiber.Ctx) error {
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	roles, err := h.roles.ListByGuild(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("list roles failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, roles)
}

// CreateRole handles POST /api/guilds/:guildID/roles. Requires
// MANAGE_ROLES, enforced by middleware.
func (h *RoleHandler) CreateRole(c fiber.Ctx) error {
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	var body createRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	name, err := role.ValidateNameRequired(body.Name)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	if err := role.ValidateColor(body.Color); err != nil {
		return h.mapRoleError(c, err)
	}

	var perms permission.Bits
	if body.Permissions != nil {
		perms = *body.Permissions
	}
	var color int
	if body.Color != nil {
		color = *body.Color
	}

	id, err := h.ids.Generate()
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("id generation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	r, err := h.roles.Create(c, role.CreateParams{
		ID:          id,
		GuildID:     guildID,
		Name:        name,
		Permissions: perms,
		Color:       color,
	})
	if err != nil {
		return h.mapRoleError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeRoleCreated, guildID, r)
	return httputil.SuccessStatus(c, fiber.StatusCreated, r)
}

// UpdateRole handles PATCH /api/guilds/:guildID/roles/:roleID. Requires
// MANAGE_ROLES, enforced by middleware. The @everyone role accepts
// permission, color, and position changes but never a rename.
func (h *RoleHandler) UpdateRole(c fiber.Ctx) error {
	guildID, roleID, err := h.parseRoleParams(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid ID format")
	}

	var body updateRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	if err := role.ValidateName(body.Name); err != nil {
		return h.mapRoleError(c, err)
	}
	if err := role.ValidateColor(body.Color); err != nil {
		return h.mapRoleError(c, err)
	}
	if err := role.ValidatePosition(body.Position); err != nil {
		return h.mapRoleError(c, err)
	}

	r, err := h.roles.Update(c, guildID, roleID, role.UpdateParams{
		Name:        body.Name,
		Permissions: body.Permissions,
		Color:       body.Color,
		Position:    body.Position,
	})
	if err != nil {
		return h.mapRoleError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeRoleUpdated, guildID, r)
	return httputil.Success(c, r)
}

// DeleteRole handles DELETE /api/guilds/:guildID/roles/:roleID. Requires
// MANAGE_ROLES, enforced by middleware.
func (h *RoleHandler) DeleteRole(c fiber.Ctx) error {
	guildID, roleID, err := h.parseRoleParams(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid ID format")
	}

	if err := h.roles.Delete(c, guildID, roleID); err != nil {
		return h.mapRoleError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeRoleDeleted, guildID,
		roleDeletedPayload{ID: roleID, GuildID: guildID})
	return c.SendStatus(fiber.StatusNoContent)
}

// AssignRole handles PUT /api/guilds/:guildID/members/:userID/roles/:roleID.
// Requires MANAGE_ROLES, enforced by middleware.
func (h *RoleHandler) AssignRole(c fiber.Ctx) error {
	return h.changeMemberRole(c, true)
}

// RemoveRole handles DELETE /api/guilds/:guildID/members/:userID/roles/:roleID.
// Requires MANAGE_ROLES, enforced by middleware.
func (h *RoleHandler) RemoveRole(c fiber.Ctx) error {
	return h.changeMemberRole(c, false)
}

func (h *RoleHandler) changeMemberRole(c fiber.Ctx, assign bool) error {
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}
	userID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid user ID format")
	}
	roleID, err := snowflake.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid role ID format")
	}

	if assign {
		err = h.members.AssignRole(c, guildID, userID, roleID)
	} else {
		err = h.members.RemoveRole(c, guildID, userID, roleID)
	}
	if err != nil {
		return h.mapMemberRoleError(c, err)
	}

	m, err := h.members.GetByUserID(c, guildID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("reload member after role change failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	publishEvent(c, h.log, h.publisher, bus.TypeMemberRolesUpdated, guildID,
		memberRolesPayload{GuildID: guildID, UserID: userID, RoleIDs: m.RoleIDs})
	return httputil.Success(c, m)
}

func (h *RoleHandler) parseRoleParams(c fiber.Ctx) (guildID, roleID snowflake.ID, err error) {
	guildID, err = snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return 0, 0, err
	}
	roleID, err = snowflake.Parse(c.Params("roleID"))
	if err != nil {
		return 0, 0, err
	}
	return guildID, roleID, nil
}

func (h *RoleHandler) mapRoleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Role not found")
	case errors.Is(err, role.ErrEveryoneImmutable):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.EveryoneImmutable, err.Error())
	case errors.Is(err, role.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, err.Error())
	case errors.Is(err, role.ErrNameLength),
		errors.Is(err, role.ErrInvalidColor),
		errors.Is(err, role.ErrInvalidPosition),
		errors.Is(err, role.ErrMaxRolesReached):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "role").Msg("unhandled role repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}

func (h *RoleHandler) mapMemberRoleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, member.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Member not found")
	case errors.Is(err, member.ErrRoleNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Role not found")
	case errors.Is(err, member.ErrEveryoneRole):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.EveryoneImmutable, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "role").Msg("unhandled member role error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
