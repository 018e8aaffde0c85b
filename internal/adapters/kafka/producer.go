package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chat-gateway/internal/gateway"

	"github.com/IBM/sarama"
)

func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	// presence changes of one user stay ordered on one partition
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = clientID
	config.Producer.MaxMessageBytes = 1000000

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

type PresenceEvent struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	At       int64  `json:"at"`
	Instance string `json:"instance"`
}

// PresenceProducer publishes presence changes to a kafka topic
type PresenceProducer struct {
	producer sarama.SyncProducer
	topic    string
	instance string
	log      *slog.Logger
}

func NewPresenceProducer(producer sarama.SyncProducer, topic, instance string, log *slog.Logger) *PresenceProducer {
	return &PresenceProducer{
		producer: producer,
		topic:    topic,
		instance: instance,
		log:      log,
	}
}

// PresenceChanged implements gateway.PresenceSink
func (p *PresenceProducer) PresenceChanged(_ context.Context, change gateway.PresenceChange) error {
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}

	value, err := json.Marshal(PresenceEvent{
		UserID:   change.UserID,
		Status:   string(change.Status),
		At:       at.UnixMilli(),
		Instance: p.instance,
	})
	if err != nil {
		return fmt.Errorf("failed to encode presence event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(change.UserID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		p.log.Error("Failed to publish presence change", "userID", change.UserID, "error", err)
		return fmt.Errorf("failed to publish presence change: %w", err)
	}

	p.log.Debug("Presence change published", "userID", change.UserID, "status", change.Status,
		"partition", partition, "offset", offset)
	return nil
}

func (p *PresenceProducer) Close() error {
	return p.producer.Close()
}
