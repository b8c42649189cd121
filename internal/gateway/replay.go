package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Fetcher reads retained events from the bus for replay. Satisfied by
// *bus.Bus.
type Fetcher interface {
	Fetch(ctx context.Context, subject string, since time.Time, limit int) ([]bus.Event, error)
}

// Replayer reconstructs the events a client missed while disconnected. A
// scope is the set of subjects one subscription covers: a guild scope spans
// the guild, channel, member, and role topics for that guild; a channel
// scope spans the message topic for that channel.
//
// The client's last seen event id is the marker. Its own scope replays
// events strictly after the marker's position; every other scope replays
// events with a strictly greater timestamp. When any subject hits the fetch
// cap, or the marker cannot be found even though events were retained, the
// gap cannot be bounded and the client must resync over REST.
type Replayer struct {
	fetcher Fetcher
	window  time.Duration
	limit   int
}

// NewReplayer creates a replayer with the given lookback window and
// per-subject event cap.
func NewReplayer(fetcher Fetcher, window time.Duration, limit int) *Replayer {
	return &Replayer{fetcher: fetcher, window: window, limit: limit}
}

// GuildScope returns the subjects a guild subscription covers.
func GuildScope(guildID snowflake.ID) []string {
	id := guildID.String()
	return []string{
		bus.TopicGuild + ".*." + id,
		bus.TopicChannel + ".*." + id,
		bus.TopicMember + ".*." + id,
		bus.TopicRole + ".*." + id,
	}
}

// ChannelScope returns the subjects a channel subscription covers.
func ChannelScope(channelID snowflake.ID) []string {
	return []string{bus.TopicMessage + ".*." + channelID.String()}
}

// Replay fetches retained events for each scope and applies the marker
// protocol. It returns the events to deliver in timestamp order, or
// resync=true when the replay window cannot cover the client's gap.
func (r *Replayer) Replay(ctx context.Context, marker uuid.UUID, scopes [][]string) ([]bus.Event, bool, error) {
	since := time.Now().Add(-r.window)

	fetched := make([][]bus.Event, len(scopes))
	capped := false
	for i, subjects := range scopes {
		var events []bus.Event
		for _, subject := range subjects {
			batch, err := r.fetcher.Fetch(ctx, subject, since, r.limit)
			if err != nil {
				return nil, false, fmt.Errorf("fetch replay %s: %w", subject, err)
			}
			if len(batch) >= r.limit {
				capped = true
			}
			events = append(events, batch...)
		}
		sortEvents(events)
		fetched[i] = events
	}

	markerScope, markerIndex := -1, -1
	for i, events := range fetched {
		for j, evt := range events {
			if evt.ID == marker {
				markerScope, markerIndex = i, j
			}
		}
	}

	anyRetained := false
	for _, events := range fetched {
		if len(events) > 0 {
			anyRetained = true
		}
	}

	if capped || (markerScope < 0 && anyRetained) {
		return nil, true, nil
	}
	if markerScope < 0 {
		return nil, false, nil
	}

	markerTS := fetched[markerScope][markerIndex].TimestampMS
	var deliver []bus.Event
	for i, events := range fetched {
		if i == markerScope {
			deliver = append(deliver, events[markerIndex+1:]...)
			continue
		}
		for _, evt := range events {
			if evt.TimestampMS > markerTS {
				deliver = append(deliver, evt)
			}
		}
	}
	sortEvents(deliver)
	return deliver, false, nil
}

func sortEvents(events []bus.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TimestampMS < events[j].TimestampMS
	})
}
