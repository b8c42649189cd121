// Package snowflake generates 64-bit time-sortable identifiers: 42 bits of
// milliseconds since 2024-01-01 UTC, 10 bits of worker id, 12 bits of
// sequence. IDs are serialized as decimal strings on every external boundary
// because JSON numbers lose precision past 53 bits.
package snowflake

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Epoch is the custom epoch (2024-01-01T00:00:00Z) in Unix milliseconds.
const Epoch int64 = 1704067200000

const (
	workerBits   = 10
	sequenceBits = 12

	// MaxWorker is the highest valid worker id.
	MaxWorker = 1<<workerBits - 1

	maxSequence    = 1<<sequenceBits - 1
	timestampShift = workerBits + sequenceBits
)

var (
	// ErrClockBackward is returned when the wall clock moved behind the last
	// generation instant. The generator refuses to emit rather than risk a
	// duplicate or out-of-order id.
	ErrClockBackward = errors.New("system clock moved backward")

	// ErrInvalidWorker is returned for worker ids outside [0, MaxWorker].
	ErrInvalidWorker = errors.New("worker id out of range")
)

// ID is a snowflake identifier.
type ID uint64

// String renders the id as an unsigned decimal string.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Timestamp returns the creation instant encoded in the id.
func (id ID) Timestamp() time.Time {
	ms := int64(id>>timestampShift) + Epoch
	return time.UnixMilli(ms).UTC()
}

// Worker returns the worker id encoded in the id.
func (id ID) Worker() uint64 {
	return uint64(id) >> sequenceBits & MaxWorker
}

// Sequence returns the per-millisecond sequence encoded in the id.
func (id ID) Sequence() uint64 {
	return uint64(id) & maxSequence
}

// MarshalJSON encodes the id as a decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, id.String()), nil
}

// UnmarshalJSON accepts a decimal string.
func (id *ID) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("snowflake id must be a decimal string: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value stores the id as a signed bigint. Values stay below 2^63 until the
// 2090s under the 2024 epoch, so the cast is lossless.
func (id ID) Value() (driver.Value, error) {
	return int64(id), nil
}

// Scan reads the id back from a bigint column.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*id = ID(v)
		return nil
	case uint64:
		*id = ID(v)
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into snowflake.ID", src)
	}
}

// Parse converts a decimal string into an ID.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse snowflake %q: %w", s, err)
	}
	return ID(n), nil
}

// Generator emits ids for a single worker. It is safe for concurrent use;
// ids from one Generator strictly increase.
type Generator struct {
	mu     sync.Mutex
	worker uint64
	last   int64 // ms since Epoch at the previous Generate
	seq    uint64
	now    func() time.Time
}

// NewGenerator returns a Generator for the given worker id. Worker ids must
// be unique per running process across the whole deployment.
func NewGenerator(worker uint64) (*Generator, error) {
	if worker > MaxWorker {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidWorker, worker, MaxWorker)
	}
	return &Generator{worker: worker, last: -1, now: time.Now}, nil
}

// Generate returns the next id. When the clock reads earlier than the
// previous call it returns ErrClockBackward and emits nothing; when the
// sequence overflows within one millisecond it spins until the clock
// advances.
func (g *Generator) Generate() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.millis()
	if t < g.last {
		return 0, fmt.Errorf("%w: %dms behind", ErrClockBackward, g.last-t)
	}
	if t == g.last {
		g.seq = (g.seq + 1) & maxSequence
		if g.seq == 0 {
			for t <= g.last {
				t = g.millis()
			}
		}
	} else {
		g.seq = 0
	}
	g.last = t

	return ID(uint64(t)<<timestampShift | g.worker<<sequenceBits | g.seq), nil
}

func (g *Generator) millis() int64 {
	return g.now().UnixMilli() - Epoch
}
