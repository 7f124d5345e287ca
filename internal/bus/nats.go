package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Header names carrying message metadata alongside the raw payload.
const (
	headerTopic       = "Kestrel-Topic"
	headerPublishedAt = "Kestrel-Published-At"
)

// NATSBus implements EventBus on core NATS. Payloads travel as the raw
// message body; the message ID, publish time and trace context travel as
// headers.
type NATSBus struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	queueGroup    string
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS, retrying the initial dial up to
// NATSMaxReconnects times. Later disconnects are handled by the client's
// own reconnect loop.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(cfg.NATSMaxReconnects-1), retry.NewConstant(wait))
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		attempt++
		c, err := nats.Connect(cfg.NATSUrl, opts...)
		if err != nil {
			slog.Warn("NATS connection attempt failed",
				"attempt", attempt,
				"max_attempts", cfg.NATSMaxReconnects,
				"error", err,
			)
			if errors.Is(err, nats.ErrAuthorization) {
				return err
			}
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempt, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
		queueGroup:    cfg.NATSQueueGroup,
	}, nil
}

// Publish sends payload on the subject named by topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := newMessage(ctx, topic, payload)

	out := nats.NewMsg(topic)
	out.Data = payload
	out.Header.Set(nats.MsgIdHdr, msg.ID)
	out.Header.Set(headerTopic, topic)
	out.Header.Set(headerPublishedAt, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		out.Header.Set(k, v)
	}

	if err := b.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a subject. With a queue group
// configured, each message goes to one member of the group.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		msg := fromNATS(m)
		if err := handler(consumerContext(ctx, msg), msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var natsSub *nats.Subscription
	var err error
	if b.queueGroup != "" {
		natsSub, err = b.conn.QueueSubscribe(topic, b.queueGroup, cb)
	} else {
		natsSub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
		bus:   b,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// fromNATS rebuilds a bus message from a NATS message. Messages published
// by other clients without headers still get an ID and timestamp.
func fromNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		ID:       m.Header.Get(nats.MsgIdHdr),
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string, len(m.Header)),
	}
	for k := range m.Header {
		switch k {
		case nats.MsgIdHdr, headerTopic, headerPublishedAt:
		default:
			msg.Metadata[k] = m.Header.Get(k)
		}
	}
	if ts, err := strconv.ParseInt(m.Header.Get(headerPublishedAt), 10, 64); err == nil {
		msg.Timestamp = ts
	} else {
		msg.Timestamp = time.Now().UnixNano()
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return msg
}

// Ping flushes a round trip to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions so in-flight handlers finish, then closes.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subscriptions = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
