// Package kafka relays realtime change events through a Kafka topic so
// every replica of the service observes every change, not just the one
// that performed the write. Stores publish into the Producer; the Consumer
// decodes events back into their domain types and feeds the local hub.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"propchat/internal/domain/chat"
	"propchat/internal/domain/presence"
	"propchat/internal/infra/realtime"
)

// envelope is the wire form of a change event. Payloads are decoded by
// collection name on the consuming side.
type envelope struct {
	Collection string          `json:"collection"`
	Type       string          `json:"type"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
}

// Producer publishes change events to a Kafka topic. It implements
// realtime.Publisher.
type Producer struct {
	sync  sarama.SyncProducer
	topic string
}

// NewProducer builds a synchronous, idempotent producer.
func NewProducer(brokers []string, topic string, cfg *sarama.Config) (*Producer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	sync, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{sync: sync, topic: topic}, nil
}

// Publish serializes the event and sends it keyed so that all changes of
// one conversation (or one user's presence) land on one partition,
// preserving their relative order.
func (p *Producer) Publish(_ context.Context, evt realtime.Event) error {
	env := envelope{Collection: evt.Collection, Type: string(evt.Type)}
	var err error
	if evt.New != nil {
		if env.New, err = json.Marshal(evt.New); err != nil {
			return fmt.Errorf("kafka: encode event payload: %w", err)
		}
	}
	if evt.Old != nil {
		if env.Old, err = json.Marshal(evt.Old); err != nil {
			return fmt.Errorf("kafka: encode event payload: %w", err)
		}
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka: encode envelope: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(partitionKey(evt)),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := p.sync.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka: send event: %w", err)
	}
	return nil
}

// Close releases the underlying producer.
func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}

func partitionKey(evt realtime.Event) string {
	switch rec := evt.New.(type) {
	case *chat.Message:
		return evt.Collection + "/" + rec.ConversationID
	case *chat.Conversation:
		return evt.Collection + "/" + rec.ID
	case *presence.Record:
		return evt.Collection + "/" + rec.UserID
	default:
		return evt.Collection
	}
}

// Consumer reads relayed change events and republishes them into the
// local hub.
type Consumer struct {
	group  sarama.ConsumerGroup
	hub    *realtime.Hub
	logger *slog.Logger
}

// NewConsumer builds a consumer-group reader feeding the hub.
func NewConsumer(brokers []string, groupID string, cfg *sarama.Config, hub *realtime.Hub, logger *slog.Logger) (*Consumer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Version = sarama.V2_5_0_0
	g, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: g, hub: hub, logger: logger}, nil
}

// Run consumes the topic until ctx is canceled.
func (c *Consumer) Run(ctx context.Context, topic string) error {
	for {
		if err := c.group.Consume(ctx, []string{topic}, relayHandler{hub: c.hub, logger: c.logger}); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close releases the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

type relayHandler struct {
	hub    *realtime.Hub
	logger *slog.Logger
}

func (relayHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (relayHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h relayHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		evt, err := decodeEvent(message.Value)
		if err != nil {
			// malformed events are dropped, not retried
			if h.logger != nil {
				h.logger.Warn("dropping malformed change event", "error", err)
			}
			sess.MarkMessage(message, "")
			continue
		}
		_ = h.hub.Publish(sess.Context(), evt)
		sess.MarkMessage(message, "")
	}
	return nil
}

func decodeEvent(raw []byte) (realtime.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return realtime.Event{}, fmt.Errorf("kafka: decode envelope: %w", err)
	}
	evt := realtime.Event{Collection: env.Collection, Type: realtime.EventType(env.Type)}
	decode := func(raw json.RawMessage) (any, error) {
		if len(raw) == 0 {
			return nil, nil
		}
		switch env.Collection {
		case chat.CollectionMessages:
			var msg chat.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				return nil, err
			}
			return &msg, nil
		case chat.CollectionConversations:
			var conv chat.Conversation
			if err := json.Unmarshal(raw, &conv); err != nil {
				return nil, err
			}
			return &conv, nil
		case presence.Collection:
			var rec presence.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, err
			}
			return &rec, nil
		default:
			return nil, fmt.Errorf("kafka: unknown collection %q", env.Collection)
		}
	}
	var err error
	if evt.New, err = decode(env.New); err != nil {
		return realtime.Event{}, fmt.Errorf("kafka: decode payload: %w", err)
	}
	if evt.Old, err = decode(env.Old); err != nil {
		return realtime.Event{}, fmt.Errorf("kafka: decode payload: %w", err)
	}
	return evt, nil
}

var _ realtime.Publisher = (*Producer)(nil)
