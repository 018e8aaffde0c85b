package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"chat-gateway/internal/gateway"

	kafkago "github.com/segmentio/kafka-go"
)

// Event is what REST services put on the events topic to reach connected
// clients: a DISPATCH named T carrying D, published to Topic.
type Event struct {
	Topic string          `json:"topic"`
	T     string          `json:"t"`
	D     json.RawMessage `json:"d"`
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Publisher interface {
	PublishToTopic(topic string, frame gateway.Frame) error
}

type EventConsumer struct {
	reader    MessageReader
	publisher Publisher
	log       *slog.Logger
}

func NewReader(brokers []string, topic, groupID string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func NewEventConsumer(reader MessageReader, publisher Publisher, log *slog.Logger) *EventConsumer {
	return &EventConsumer{
		reader:    reader,
		publisher: publisher,
		log:       log,
	}
}

func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.Topic == "" {
		return nil, errors.New("event without topic")
	}
	if ev.T == "" {
		return nil, errors.New("event without type")
	}
	return &ev, nil
}

// Run consumes until ctx is cancelled. Undecodable messages are committed and
// skipped so a single bad record cannot stall the partition.
func (c *EventConsumer) Run(ctx context.Context) error {
	c.log.Info("Event consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Event consumer stopped")
				return nil
			}
			return fmt.Errorf("failed to fetch event: %w", err)
		}

		c.handle(msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("Failed to commit event", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *EventConsumer) handle(msg kafkago.Message) {
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		c.log.Warn("Skipping event", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return
	}

	var d any
	if len(ev.D) > 0 && string(ev.D) != "null" {
		d = ev.D
	}
	if err := c.publisher.PublishToTopic(ev.Topic, gateway.NewDispatch(ev.T, d)); err != nil {
		c.log.Error("Failed to publish event", "topic", ev.Topic, "event", ev.T, "error", err)
	}
}

func (c *EventConsumer) Close() error {
	return c.reader.Close()
}
