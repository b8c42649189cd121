package message

import (
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Sentinel errors for the message package.
var (
	ErrNotFound          = errors.New("message not found")
	ErrEmptyContent      = errors.New("message content must not be empty")
	ErrContentTooLong    = errors.New("message content exceeds the maximum length")
	ErrMessageDeleted    = errors.New("message has been deleted")
	ErrNotAuthor         = errors.New("you can only edit your own messages")
	ErrEditConflict      = errors.New("message was modified concurrently")
	ErrMissingPermission = errors.New("missing permission for this channel")
	ErrInvalidCursor     = errors.New("before and after cursors are mutually exclusive")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Message holds the fields read from the messages table. Deletion is a
// terminal state: a deleted message never reappears in reads and rejects
// further edits.
type Message struct {
	ID             snowflake.ID   `json:"id"`
	ChannelID      snowflake.ID   `json:"channel_id"`
	AuthorID       snowflake.ID   `json:"author_id"`
	Content        string         `json:"content"`
	MentionUserIDs []snowflake.ID `json:"mentions"`
	MentionRoleIDs []snowflake.ID `json:"mention_roles"`
	CreatedAt      time.Time      `json:"created_at"`
	EditedAt       *time.Time     `json:"edited_at"`
}

// Cursor selects a page of channel history. At most one of Before and After
// may be set; both nil means "the newest page."
type Cursor struct {
	Before *snowflake.ID
	After  *snowflake.ID
	Limit  int
}

// Validate rejects a cursor that sets both directions.
func (c Cursor) Validate() error {
	if c.Before != nil && c.After != nil {
		return ErrInvalidCursor
	}
	return nil
}

// ValidateContent checks that content is non-empty after trimming and does not exceed the given maximum rune count.
// It returns the trimmed result.
func ValidateContent(content string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when the input is zero or
// negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// mentionPattern matches user mentions <@123> and role mentions <@&456>.
var mentionPattern = regexp.MustCompile(`<@(&?)(\d{1,20})>`)

// ParseMentions extracts user and role mentions from content in first-occurrence order, dropping duplicates and
// unparseable ids. The ids are raw: callers validate them against membership and role tables before persisting.
func ParseMentions(content string) (userIDs, roleIDs []snowflake.ID) {
	seenUsers := make(map[snowflake.ID]bool)
	seenRoles := make(map[snowflake.ID]bool)

	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		id, err := snowflake.Parse(m[2])
		if err != nil {
			continue
		}
		if m[1] == "&" {
			if !seenRoles[id] {
				seenRoles[id] = true
				roleIDs = append(roleIDs, id)
			}
		} else {
			if !seenUsers[id] {
				seenUsers[id] = true
				userIDs = append(userIDs, id)
			}
		}
	}
	return userIDs, roleIDs
}
