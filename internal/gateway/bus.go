package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Bus is the topic -> subscriber set used for guild scoped fanout. Topic
// membership lives only in memory.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Session]struct{}
	log    *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		topics: make(map[string]map[*Session]struct{}),
		log:    log,
	}
}

// Subscribe is idempotent. A closed session is never subscribed.
func (b *Bus) Subscribe(topic string, s *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.IsClosed() {
		return false
	}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[*Session]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	s.addTopic(topic)
	return true
}

func (b *Bus) Unsubscribe(topic string, s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(topic, s)
	s.removeTopic(topic)
}

// UnsubscribeAll removes the session from every topic and returns the
// topics it was subscribed to
func (b *Bus) UnsubscribeAll(s *Session) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics := s.clearTopics()
	for _, topic := range topics {
		b.removeLocked(topic, s)
	}
	return topics
}

func (b *Bus) removeLocked(topic string, s *Session) {
	subs := b.topics[topic]
	if subs == nil {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Publish encodes the frame once and delivers it to every subscriber of the
// topic except exclude (which may be nil). It returns the delivery count.
func (b *Bus) Publish(topic string, frame Frame, exclude *Session) (int, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return 0, fmt.Errorf("failed to encode frame for topic %s: %w", topic, err)
	}
	return b.PublishRaw(topic, data, exclude), nil
}

// PublishRaw delivers an already encoded frame. Delivery is best effort.
func (b *Bus) PublishRaw(topic string, data []byte, exclude *Session) int {
	b.mu.RLock()
	subs := make([]*Session, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		if s != exclude {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if err := s.Send(data); err != nil {
			b.log.Debug("Dropped fanout message", "topic", topic, "sessionID", s.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns the number of sessions subscribed to topic
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) IsSubscribed(topic string, s *Session) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.topics[topic][s]
	return ok
}
