package permission

import (
	"database/sql/driver"
	"fmt"
	"strconv"
)

// Bits is a permission bitset. The wire encoding is an unsigned decimal
// string because JSON numbers lose precision past 53 bits.
type Bits uint64

// Defined permission bits. Extension bits occupy higher positions.
const (
	ViewChannel        Bits = 1 << 0
	SendMessages       Bits = 1 << 1
	ReadMessageHistory Bits = 1 << 2
	ManageMessages     Bits = 1 << 3
	ManageChannels     Bits = 1 << 4
	ManageGuild        Bits = 1 << 5
	ManageRoles        Bits = 1 << 6
	KickMembers        Bits = 1 << 7
	BanMembers         Bits = 1 << 8
	CreateInvites      Bits = 1 << 9
	Administrator      Bits = 1 << 10
)

// AllBits is the full set granted to guild owners and administrators.
const AllBits = ^Bits(0)

// DefaultEveryonePermissions seeds the @everyone role of a new guild.
const DefaultEveryonePermissions = ViewChannel | SendMessages | ReadMessageHistory | CreateInvites

var bitNames = map[Bits]string{
	ViewChannel:        "VIEW_CHANNEL",
	SendMessages:       "SEND_MESSAGES",
	ReadMessageHistory: "READ_MESSAGE_HISTORY",
	ManageMessages:     "MANAGE_MESSAGES",
	ManageChannels:     "MANAGE_CHANNELS",
	ManageGuild:        "MANAGE_GUILD",
	ManageRoles:        "MANAGE_ROLES",
	KickMembers:        "KICK_MEMBERS",
	BanMembers:         "BAN_MEMBERS",
	CreateInvites:      "CREATE_INVITES",
	Administrator:      "ADMINISTRATOR",
}

// Name returns the wire name of a single defined bit, or its decimal value
// for extension bits.
func Name(bit Bits) string {
	if n, ok := bitNames[bit]; ok {
		return n
	}
	return bit.String()
}

// Has reports whether every bit of p is set in b.
func (b Bits) Has(p Bits) bool {
	return b&p == p
}

// String renders the bitset as an unsigned decimal string.
func (b Bits) String() string {
	return strconv.FormatUint(uint64(b), 10)
}

// ParseBits converts a decimal string into a bitset.
func ParseBits(s string) (Bits, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse permission bits %q: %w", s, err)
	}
	return Bits(n), nil
}

// MarshalJSON encodes the bitset as a decimal string.
func (b Bits) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, b.String()), nil
}

// UnmarshalJSON accepts a decimal string.
func (b *Bits) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("permission bits must be a decimal string: %w", err)
	}
	parsed, err := ParseBits(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Value stores the bitset as a signed bigint (two's complement cast).
func (b Bits) Value() (driver.Value, error) {
	return int64(b), nil
}

// Scan reads the bitset back from a bigint column.
func (b *Bits) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*b = Bits(v)
		return nil
	case uint64:
		*b = Bits(v)
		return nil
	case string:
		parsed, err := ParseBits(v)
		if err != nil {
			return err
		}
		*b = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into permission.Bits", src)
	}
}
