package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/channel"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/role"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// PermissionChecker resolves a user's effective permissions in a channel.
// Satisfied by *permission.Engine.
type PermissionChecker interface {
	Has(ctx context.Context, userID, channelID snowflake.ID, bit permission.Bits) (bool, error)
}

// ChannelStore resolves channels to their guild. Satisfied by *channel.PGRepository.
type ChannelStore interface {
	GetByID(ctx context.Context, id snowflake.ID) (*channel.Channel, error)
}

// MemberStore answers membership queries for mention validation. Satisfied by *member.PGRepository.
type MemberStore interface {
	IsMember(ctx context.Context, guildID, userID snowflake.ID) (bool, error)
}

// RoleStore resolves guild roles for mention validation. Satisfied by *role.PGRepository.
type RoleStore interface {
	GetByID(ctx context.Context, guildID, id snowflake.ID) (*role.Role, error)
}

// Service implements the message pipeline: permission checks, content
// validation, mention resolution, storage, and event publication. Events are
// published after the storage write commits and a publish failure never rolls
// the write back; the bus consumer side tolerates the resulting gap.
type Service struct {
	repo      Repository
	channels  ChannelStore
	members   MemberStore
	roles     RoleStore
	perms     PermissionChecker
	publisher bus.Publisher
	ids       *snowflake.Generator
	maxLength int
	log       zerolog.Logger
}

// NewService assembles the message pipeline.
func NewService(
	repo Repository,
	channels ChannelStore,
	members MemberStore,
	roles RoleStore,
	perms PermissionChecker,
	publisher bus.Publisher,
	ids *snowflake.Generator,
	maxLength int,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		channels:  channels,
		members:   members,
		roles:     roles,
		perms:     perms,
		publisher: publisher,
		ids:       ids,
		maxLength: maxLength,
		log:       logger,
	}
}

// Create validates and stores a new message, then publishes message.created.
// A missing channel or membership surfaces as ErrNotFound, never as a
// permission error.
func (s *Service) Create(ctx context.Context, channelID, authorID snowflake.ID, content string) (*Message, error) {
	allowed, err := s.perms.Has(ctx, authorID, channelID, permission.SendMessages)
	if err != nil {
		if errors.Is(err, permission.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("check send permission: %w", err)
	}
	if !allowed {
		return nil, ErrMissingPermission
	}

	trimmed, err := ValidateContent(content, s.maxLength)
	if err != nil {
		return nil, err
	}

	ch, err := s.channels.GetByID(ctx, channelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve channel: %w", err)
	}
	if ch.Type == channel.TypeCategory {
		return nil, ErrNotFound
	}

	userIDs, roleIDs, err := s.resolveMentions(ctx, ch.GuildID, trimmed)
	if err != nil {
		return nil, err
	}

	id, err := s.ids.Generate()
	if err != nil {
		return nil, fmt.Errorf("allocate message id: %w", err)
	}

	msg, err := s.repo.Create(ctx, CreateParams{
		ID:             id,
		ChannelID:      channelID,
		AuthorID:       authorID,
		Content:        trimmed,
		MentionUserIDs: userIDs,
		MentionRoleIDs: roleIDs,
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, bus.TypeMessageCreated, msg.ChannelID, msg)
	return msg, nil
}

// List returns a page of channel history in ascending (created_at, id) order.
func (s *Service) List(ctx context.Context, channelID, userID snowflake.ID, cursor Cursor) ([]Message, error) {
	allowed, err := s.perms.Has(ctx, userID, channelID, permission.ReadMessageHistory)
	if err != nil {
		if errors.Is(err, permission.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("check history permission: %w", err)
	}
	if !allowed {
		return nil, ErrMissingPermission
	}

	if err := cursor.Validate(); err != nil {
		return nil, err
	}
	cursor.Limit = ClampLimit(cursor.Limit)

	return s.repo.List(ctx, channelID, cursor)
}

// Update edits a message's content. Only the author may edit; moderators can
// delete but never edit. Concurrent edits race on edited_at: the loser's
// change is discarded and the winning row returned.
func (s *Service) Update(ctx context.Context, messageID, userID snowflake.ID, content string) (*Message, error) {
	msg, err := s.repo.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrMessageDeleted
		}
		return nil, err
	}
	if msg.AuthorID != userID {
		return nil, ErrNotAuthor
	}

	trimmed, err := ValidateContent(content, s.maxLength)
	if err != nil {
		return nil, err
	}

	ch, err := s.channels.GetByID(ctx, msg.ChannelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return nil, ErrMessageDeleted
		}
		return nil, fmt.Errorf("resolve channel: %w", err)
	}

	userIDs, roleIDs, err := s.resolveMentions(ctx, ch.GuildID, trimmed)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateContent(ctx, messageID, trimmed, userIDs, roleIDs, msg.EditedAt)
	if err != nil {
		if errors.Is(err, ErrEditConflict) {
			current, reloadErr := s.repo.GetByID(ctx, messageID)
			if reloadErr != nil {
				if errors.Is(reloadErr, ErrNotFound) {
					return nil, ErrMessageDeleted
				}
				return nil, reloadErr
			}
			return current, nil
		}
		return nil, err
	}

	s.publish(ctx, bus.TypeMessageUpdated, updated.ChannelID, updated)
	return updated, nil
}

// deletedPayload is the wire body of message.deleted events.
type deletedPayload struct {
	ID        snowflake.ID `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
}

// Delete soft-deletes a message. The author may always delete their own;
// anyone else needs MANAGE_MESSAGES. Deleting an absent or already-deleted
// message succeeds without publishing an event.
func (s *Service) Delete(ctx context.Context, messageID, userID snowflake.ID) error {
	msg, err := s.repo.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if msg.AuthorID != userID {
		allowed, err := s.perms.Has(ctx, userID, msg.ChannelID, permission.ManageMessages)
		if err != nil {
			if errors.Is(err, permission.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("check manage permission: %w", err)
		}
		if !allowed {
			return ErrMissingPermission
		}
	}

	deleted, err := s.repo.SoftDelete(ctx, messageID)
	if err != nil {
		return err
	}
	if !deleted {
		// Lost a race with another delete; the winner published the event.
		return nil
	}

	s.publish(ctx, bus.TypeMessageDeleted, msg.ChannelID, deletedPayload{ID: msg.ID, ChannelID: msg.ChannelID})
	return nil
}

// resolveMentions parses mentions out of content and keeps only guild members and guild roles. Unknown ids are
// dropped silently so stale or cross-guild mentions degrade to plain text.
func (s *Service) resolveMentions(ctx context.Context, guildID snowflake.ID, content string) (userIDs, roleIDs []snowflake.ID, err error) {
	rawUsers, rawRoles := ParseMentions(content)

	for _, uid := range rawUsers {
		isMember, err := s.members.IsMember(ctx, guildID, uid)
		if err != nil {
			return nil, nil, fmt.Errorf("validate user mention: %w", err)
		}
		if isMember {
			userIDs = append(userIDs, uid)
		}
	}

	for _, rid := range rawRoles {
		if _, err := s.roles.GetByID(ctx, guildID, rid); err != nil {
			if errors.Is(err, role.ErrNotFound) {
				continue
			}
			return nil, nil, fmt.Errorf("validate role mention: %w", err)
		}
		roleIDs = append(roleIDs, rid)
	}

	return userIDs, roleIDs, nil
}

// publish ships a domain event after the storage write. Failures are logged
// and swallowed: the write is already durable and consumers reconcile via
// REST on gaps.
func (s *Service) publish(ctx context.Context, t bus.Type, entityID snowflake.ID, payload any) {
	if err := s.publisher.Publish(ctx, t, entityID, payload); err != nil {
		s.log.Warn().Err(err).Str("type", string(t)).Stringer("entity_id", entityID).
			Msg("event publish failed")
	}
}
