// Package bus publishes and consumes domain events over NATS JetStream.
//
// Six file-backed streams partition the event space by topic. Publishing is
// fan-out: the REST layer writes to Postgres first, then publishes, so every
// consumer sees events only for committed state. Consumers are either durable
// queue groups (work is shared across instances, unacked events redeliver) or
// per-instance ephemeral subscriptions (each gateway instance sees every
// event).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

const (
	connectRetries = 5
	connectBackoff = 500 * time.Millisecond

	publishRetries = 3
	publishBackoff = 100 * time.Millisecond

	// handlerTimeout bounds a single consumer callback. Must stay below
	// ackWait or acked work can redeliver.
	handlerTimeout = 20 * time.Second
	ackWait        = 30 * time.Second
	maxDeliver     = 10

	// nakFloor is the minimum redelivery delay after a handler error.
	nakFloor = time.Second
	nakCeil  = 30 * time.Second

	// fetchIdle is how long Fetch waits for the next message before
	// treating the subject as exhausted.
	fetchIdle = 2 * time.Second
)

type streamDef struct {
	name    string
	subject string
}

var streamDefs = []streamDef{
	{"GUILD_EVENTS", TopicGuild + ".>"},
	{"CHANNEL_EVENTS", TopicChannel + ".>"},
	{"MESSAGE_EVENTS", TopicMessage + ".>"},
	{"MEMBER_EVENTS", TopicMember + ".>"},
	{"ROLE_EVENTS", TopicRole + ".>"},
	{"SESSION_EVENTS", TopicSession + ".>"},
}

// Publisher is the write side of the bus. Services hold this instead of the
// concrete Bus so tests can capture published events.
type Publisher interface {
	Publish(ctx context.Context, t Type, entityID snowflake.ID, payload any) error
}

// Handler processes one delivered event. Returning an error naks the event
// for redelivery with backoff; returning nil acks it.
type Handler func(ctx context.Context, evt Event) error

// Bus is a JetStream-backed event bus.
type Bus struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	log  zerolog.Logger
	subs []*nats.Subscription
}

// Connect dials the NATS servers and opens a JetStream context. Transient
// dial failures are retried with exponential backoff; once connected the
// client reconnects on its own indefinitely.
func Connect(ctx context.Context, servers string, logger zerolog.Logger) (*Bus, error) {
	log := logger.With().Str("component", "bus").Logger()

	var nc *nats.Conn
	backoff := retry.WithMaxRetries(connectRetries, retry.NewExponential(connectBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		nc, err = nats.Connect(servers,
			nats.Name("accord-server"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
			}),
			nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
				evt := log.Error().Err(err)
				if sub != nil {
					evt = evt.Str("subject", sub.Subject)
				}
				evt.Msg("nats async error")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("nats connect failed, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to nats")
	return &Bus{nc: nc, js: js, log: log}, nil
}

// EnsureStreams creates any missing event streams. Existing streams are left
// untouched so retention changes never apply retroactively from config.
func (b *Bus) EnsureStreams(maxAge time.Duration) error {
	for _, def := range streamDefs {
		_, err := b.js.StreamInfo(def.name)
		if err == nil {
			continue
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("inspect stream %s: %w", def.name, err)
		}

		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:      def.name,
			Subjects:  []string{def.subject},
			Retention: nats.LimitsPolicy,
			MaxAge:    maxAge,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", def.name, err)
		}
		b.log.Info().Str("stream", def.name).Str("subject", def.subject).Msg("created stream")
	}
	return nil
}

// Publish wraps payload in an envelope and publishes it on the subject
// derived from the event type and entity id. Transient failures are retried;
// an error means the event was not durably accepted and the caller should
// surface the write as degraded.
func (b *Bus) Publish(ctx context.Context, t Type, entityID snowflake.ID, payload any) error {
	evt, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	subject, err := Subject(t, entityID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}

	backoff := retry.WithMaxRetries(publishRetries, retry.NewExponential(publishBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", t, subject, err)
	}
	return nil
}

// Subscribe attaches a durable queue-group consumer to one subject filter.
// Instances sharing a group split the work; each event is delivered to one
// member and redelivered on nak or ack timeout. Only events published after
// the consumer first appears are delivered.
func (b *Bus) Subscribe(subject, group string, h Handler) error {
	sub, err := b.js.QueueSubscribe(subject, group, b.wrap(subject, h),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(maxDeliver),
		nats.DeliverNew(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s group %s: %w", subject, group, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// SubscribeAll attaches an ephemeral consumer to one subject filter. Every
// instance calling this receives every event; nothing is shared and nothing
// survives the connection.
func (b *Bus) SubscribeAll(subject string, h Handler) error {
	sub, err := b.js.Subscribe(subject, b.wrap(subject, h),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(maxDeliver),
		nats.DeliverNew(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *Bus) wrap(subject string, h Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		evt, err := ParseEvent(msg.Data)
		if err != nil {
			// Malformed payloads never become parseable; drop them.
			b.log.Error().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
			_ = msg.Ack()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		if err := h(ctx, evt); err != nil {
			delay := nakDelay(msg)
			b.log.Warn().
				Err(err).
				Str("event_id", evt.ID.String()).
				Str("type", string(evt.Type)).
				Dur("redeliver_in", delay).
				Msg("event handler failed")
			_ = msg.NakWithDelay(delay)
			return
		}
		_ = msg.Ack()
	}
}

// nakDelay grows exponentially with the delivery count so a struggling
// dependency is not hammered by redeliveries.
func nakDelay(msg *nats.Msg) time.Duration {
	meta, err := msg.Metadata()
	if err != nil {
		return nakFloor
	}
	delay := nakFloor << (meta.NumDelivered - 1)
	if delay > nakCeil || delay <= 0 {
		return nakCeil
	}
	return delay
}

// Fetch reads events on one subject published at or after since, oldest
// first, up to limit. It is used for gateway replay and reads through an
// ephemeral ordered consumer, so it sees exactly what the stream retained.
func (b *Bus) Fetch(ctx context.Context, subject string, since time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	sub, err := b.js.SubscribeSync(subject,
		nats.OrderedConsumer(),
		nats.StartTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("open replay consumer %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var events []Event
	for len(events) < limit {
		msg, err := nextMsg(ctx, sub)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("read replay %s: %w", subject, err)
		}

		evt, perr := ParseEvent(msg.Data)
		if perr != nil {
			b.log.Error().Err(perr).Str("subject", subject).Msg("skipping undecodable replay event")
		} else {
			events = append(events, evt)
		}

		meta, merr := msg.Metadata()
		if merr == nil && meta.NumPending == 0 {
			break
		}
	}
	return events, nil
}

func nextMsg(ctx context.Context, sub *nats.Subscription) (*nats.Msg, error) {
	waitCtx, cancel := context.WithTimeout(ctx, fetchIdle)
	defer cancel()
	return sub.NextMsgWithContext(waitCtx)
}

// HealthCheck reports whether the connection is up and JetStream answers.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return errors.New("nats connection down")
	}
	if _, err := b.js.AccountInfo(nats.Context(ctx)); err != nil {
		return fmt.Errorf("jetstream unavailable: %w", err)
	}
	return nil
}

// Close drains all subscriptions and the connection. In-flight handler
// callbacks finish before Close returns.
func (b *Bus) Close() {
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn().Err(err).Str("subject", sub.Subject).Msg("drain subscription")
		}
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("drain nats connection")
		b.nc.Close()
	}
}
