package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type relayEnvelope struct {
	Origin string `json:"origin"`
	RelayMessage
}

// RedisRelay shares publishes and session commands between gateway instances
// over one redis pub/sub channel. Messages from this instance are ignored on
// the way back.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	origin  string
	gateway *Gateway
	log     *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisRelay(client redis.UniversalClient, channel string, gw *Gateway, log *slog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		gateway: gw,
		log:     log.With("relayChannel", channel),
	}
}

func (r *RedisRelay) Forward(ctx context.Context, msg RelayMessage) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.origin, RelayMessage: msg})
	if err != nil {
		return fmt.Errorf("failed to encode relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish relay message: %w", err)
	}
	return nil
}

// Start subscribes to the relay channel and applies incoming messages until
// Close is called or ctx is done
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to relay channel: %w", err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx, pubsub, r.done)
	r.log.Info("Gateway relay started")
	return nil
}

func (r *RedisRelay) loop(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("Failed to decode relay message", "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.gateway.ApplyRelayed(env.RelayMessage)
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
