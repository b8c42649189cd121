package channel

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Type identifies the kind of channel.
type Type string

const (
	TypeText     Type = "TEXT"
	TypeCategory Type = "CATEGORY"
)

// validTypes is the set of types accepted from clients.
var validTypes = map[Type]bool{
	TypeText:     true,
	TypeCategory: true,
}

// Sentinel errors for the channel package.
var (
	ErrNotFound          = errors.New("channel not found")
	ErrNameLength        = errors.New("channel name must be between 1 and 100 characters")
	ErrInvalidType       = errors.New("invalid channel type")
	ErrTopicLength       = errors.New("topic must be 1024 characters or fewer")
	ErrInvalidPosition   = errors.New("position must be non-negative")
	ErrParentNotFound    = errors.New("parent category not found")
	ErrParentNotCategory = errors.New("parent channel is not a category")
	ErrCategoryNoParent  = errors.New("a category cannot have a parent")
)

// topicPolicy strips all HTML from topics. Topics are plain text on the wire; anything markup-shaped is hostile input.
var topicPolicy = bluemonday.StrictPolicy()

// Channel holds the fields read from the channels table.
type Channel struct {
	ID        snowflake.ID  `json:"id"`
	GuildID   snowflake.ID  `json:"guild_id"`
	ParentID  *snowflake.ID `json:"parent_id"`
	Type      Type          `json:"type"`
	Name      string        `json:"name"`
	Topic     *string       `json:"topic"`
	Position  int           `json:"position"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CreateParams groups the inputs for creating a channel. The ID is allocated by the caller.
type CreateParams struct {
	ID       snowflake.ID
	GuildID  snowflake.ID
	Type     Type
	Name     string
	Topic    *string
	ParentID *snowflake.ID
}

// UpdateParams groups the optional fields for updating a channel. SetParentNull detaches the channel from its
// category; SetTopicNull clears the topic. Each wins over the corresponding non-nil pointer.
type UpdateParams struct {
	Name          *string
	Topic         *string
	SetTopicNull  bool
	ParentID      *snowflake.ID
	SetParentNull bool
	Position      *int
}

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateName checks that a non-nil name is between 1 and 100 runes after trimming. A nil pointer means "no change."
// On success the pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateType checks that the type is one of the accepted channel types.
func ValidateType(t Type) error {
	if !validTypes[t] {
		return ErrInvalidType
	}
	return nil
}

// SanitizeTopic strips HTML from a non-nil topic, trims it, and validates the length. A nil pointer means "no change."
// On success the pointed-to value is replaced with the cleaned result.
func SanitizeTopic(topic *string) error {
	if topic == nil {
		return nil
	}
	cleaned := strings.TrimSpace(topicPolicy.Sanitize(*topic))
	if n := utf8.RuneCountInString(cleaned); n < 1 || n > 1024 {
		return ErrTopicLength
	}
	*topic = cleaned
	return nil
}

// ValidatePosition checks that a non-nil position is non-negative. A nil pointer means "no change."
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// Repository defines the data-access contract for channel operations.
type Repository interface {
	ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Channel, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Channel, error)
	Create(ctx context.Context, params CreateParams) (*Channel, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Channel, error)
	// Delete soft-deletes the channel. Subsequent reads treat it as absent.
	Delete(ctx context.Context, id snowflake.ID) error
}
