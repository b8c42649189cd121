package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/channel"
	"github.com/accord-chat/accord-server/internal/httputil"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// ChannelHandler serves channel and channel-overwrite endpoints.
type ChannelHandler struct {
	channels   channel.Repository
	overwrites permission.OverwriteStore
	engine     *permission.Engine
	ids        *snowflake.Generator
	publisher  bus.Publisher
	log        zerolog.Logger
}

// NewChannelHandler creates a channel handler.
func NewChannelHandler(
	channels channel.Repository,
	overwrites permission.OverwriteStore,
	engine *permission.Engine,
	ids *snowflake.Generator,
	publisher bus.Publisher,
	logger zerolog.Logger,
) *ChannelHandler {
	return &ChannelHandler{
		channels:   channels,
		overwrites: overwrites,
		engine:     engine,
		ids:        ids,
		publisher:  publisher,
		log:        logger,
	}
}

type createChannelRequest struct {
	Name     string        `json:"name"`
	Type     *channel.Type `json:"type"`
	Topic    *string       `json:"topic"`
	ParentID *snowflake.ID `json:"parent_id"`
}

type updateChannelRequest struct {
	Name     *string `json:"name"`
	Topic    *string `json:"topic"`
	ParentID *string `json:"parent_id"`
	Position *int    `json:"position"`
}

type setOverwriteRequest struct {
	TargetType permission.TargetType `json:"target_type"`
	Allow      permission.Bits       `json:"allow"`
	Deny       permission.Bits       `json:"deny"`
}

// channelDeletedPayload is the wire body of channel.deleted.
type channelDeletedPayload struct {
	ID      snowflake.ID `json:"id"`
	GuildID snowflake.ID `json:"guild_id"`
}

// overwriteDeletedPayload is the wire body of channel_overwrite.deleted.
type overwriteDeletedPayload struct {
	ChannelID snowflake.ID `json:"channel_id"`
	TargetID  snowflake.ID `json:"target_id"`
	GuildID   snowflake.ID `json:"guild_id"`
}

// overwriteUpdatedPayload is the wire body of channel_overwrite.updated. The
// guild id rides alongside the row so consumers can scope the event without
// a channel lookup.
type overwriteUpdatedPayload struct {
	*permission.OverwriteRow
	GuildID snowflake.ID `json:"guild_id"`
}

// ListChannels handles GET /api/guilds/:guildID/channels. The result is
// filtered to channels the caller can view.
func (h *ChannelHandler) ListChannels(c fiber.Ctx) error {
	userID, ok := permission.UserIDFromLocals(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorized, "Authentication required")
	}

	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	all, err := h.channels.ListByGuild(c, guildID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("list channels failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	channelIDs := make([]snowflake.ID, len(all))
	for i := range all {
		channelIDs[i] = all[i].ID
	}

	permitted, err := h.engine.FilterHas(c, userID, guildID, channelIDs, permission.ViewChannel)
	if err != nil {
		if errors.Is(err, permission.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Guild not found")
		}
		h.log.Error().Err(err).Str("handler", "channel").Msg("permission filter failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	result := make([]channel.Channel, 0, len(all))
	for i := range all {
		if permitted[i] {
			result = append(result, all[i])
		}
	}
	return httputil.Success(c, result)
}

// CreateChannel handles POST /api/guilds/:guildID/channels. Requires
// MANAGE_CHANNELS, enforced by middleware.
func (h *ChannelHandler) CreateChannel(c fiber.Ctx) error {
	guildID, err := snowflake.Parse(c.Params("guildID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid guild ID format")
	}

	var body createChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	name, err := channel.ValidateNameRequired(body.Name)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	chType := channel.TypeText
	if body.Type != nil {
		chType = *body.Type
	}
	if err := channel.ValidateType(chType); err != nil {
		return h.mapChannelError(c, err)
	}
	if err := channel.SanitizeTopic(body.Topic); err != nil {
		return h.mapChannelError(c, err)
	}

	id, err := h.ids.Generate()
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("id generation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	ch, err := h.channels.Create(c, channel.CreateParams{
		ID:       id,
		GuildID:  guildID,
		Type:     chType,
		Name:     name,
		Topic:    body.Topic,
		ParentID: body.ParentID,
	})
	if err != nil {
		return h.mapChannelError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeChannelCreated, ch.GuildID, ch)
	return httputil.SuccessStatus(c, fiber.StatusCreated, ch)
}

// GetChannel handles GET /api/channels/:channelID. VIEW_CHANNEL is enforced
// by middleware.
func (h *ChannelHandler) GetChannel(c fiber.Ctx) error {
	id, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid channel ID format")
	}

	ch, err := h.channels.GetByID(c, id)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, ch)
}

// UpdateChannel handles PATCH /api/channels/:channelID. Requires
// MANAGE_CHANNELS, enforced by middleware.
func (h *ChannelHandler) UpdateChannel(c fiber.Ctx) error {
	id, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid channel ID format")
	}

	var body updateChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	if err := channel.ValidateName(body.Name); err != nil {
		return h.mapChannelError(c, err)
	}
	if err := channel.ValidatePosition(body.Position); err != nil {
		return h.mapChannelError(c, err)
	}

	params := channel.UpdateParams{
		Name:     body.Name,
		Position: body.Position,
	}

	// Interpret Topic: nil = no change, "" = clear, anything else = set.
	if body.Topic != nil {
		if *body.Topic == "" {
			params.SetTopicNull = true
		} else {
			if err := channel.SanitizeTopic(body.Topic); err != nil {
				return h.mapChannelError(c, err)
			}
			params.Topic = body.Topic
		}
	}

	// Interpret ParentID: nil = no change, "" = detach, valid id = re-parent.
	if body.ParentID != nil {
		if *body.ParentID == "" {
			params.SetParentNull = true
		} else {
			parsed, err := snowflake.Parse(*body.ParentID)
			if err != nil {
				return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid parent ID format")
			}
			params.ParentID = &parsed
		}
	}

	ch, err := h.channels.Update(c, id, params)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeChannelUpdated, ch.GuildID, ch)
	return httputil.Success(c, ch)
}

// DeleteChannel handles DELETE /api/channels/:channelID. Requires
// MANAGE_CHANNELS, enforced by middleware.
func (h *ChannelHandler) DeleteChannel(c fiber.Ctx) error {
	id, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid channel ID format")
	}

	ch, err := h.channels.GetByID(c, id)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	if err := h.channels.Delete(c, id); err != nil {
		return h.mapChannelError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeChannelDeleted, ch.GuildID,
		channelDeletedPayload{ID: id, GuildID: ch.GuildID})
	return c.SendStatus(fiber.StatusNoContent)
}

// SetOverwrite handles PUT /api/channels/:channelID/overwrites/:targetID.
// Requires MANAGE_ROLES, enforced by middleware.
func (h *ChannelHandler) SetOverwrite(c fiber.Ctx) error {
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid channel ID format")
	}
	targetID, err := snowflake.Parse(c.Params("targetID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid target ID format")
	}

	var body setOverwriteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if body.TargetType != permission.TargetRole && body.TargetType != permission.TargetMember {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "target_type must be role or member")
	}

	ch, err := h.channels.GetByID(c, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	row, err := h.overwrites.Set(c, channelID, targetID, body.TargetType, body.Allow, body.Deny)
	if err != nil {
		return h.mapOverwriteError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeOverwriteUpdated, ch.GuildID,
		overwriteUpdatedPayload{OverwriteRow: row, GuildID: ch.GuildID})
	return httputil.Success(c, row)
}

// DeleteOverwrite handles DELETE /api/channels/:channelID/overwrites/:targetID.
// Requires MANAGE_ROLES, enforced by middleware.
func (h *ChannelHandler) DeleteOverwrite(c fiber.Ctx) error {
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid channel ID format")
	}
	targetID, err := snowflake.Parse(c.Params("targetID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidID, "Invalid target ID format")
	}

	ch, err := h.channels.GetByID(c, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	if err := h.overwrites.Delete(c, channelID, targetID); err != nil {
		return h.mapOverwriteError(c, err)
	}

	publishEvent(c, h.log, h.publisher, bus.TypeOverwriteDeleted, ch.GuildID,
		overwriteDeletedPayload{ChannelID: channelID, TargetID: targetID, GuildID: ch.GuildID})
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ChannelHandler) mapChannelError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Channel not found")
	case errors.Is(err, channel.ErrNameLength),
		errors.Is(err, channel.ErrInvalidType),
		errors.Is(err, channel.ErrTopicLength),
		errors.Is(err, channel.ErrInvalidPosition),
		errors.Is(err, channel.ErrParentNotFound),
		errors.Is(err, channel.ErrParentNotCategory),
		errors.Is(err, channel.ErrCategoryNoParent):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "channel").Msg("unhandled channel repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}

func (h *ChannelHandler) mapOverwriteError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, permission.ErrConflictingBits):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, permission.ErrOverwriteNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Overwrite not found")
	case errors.Is(err, permission.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Channel not found")
	default:
		h.log.Error().Err(err).Str("handler", "channel").Msg("unhandled overwrite store error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
