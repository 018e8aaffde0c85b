package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chat-gateway/internal/models"
)

// PresenceChange is emitted whenever a user's tracked status changes
type PresenceChange struct {
	UserID string            `json:"userId"`
	Status models.UserStatus `json:"status"`
	At     time.Time         `json:"at"`
}

// PresenceSink receives presence changes outside the request path, e.g. a
// redis mirror or a kafka feed
type PresenceSink interface {
	PresenceChanged(ctx context.Context, change PresenceChange) error
}

// PresenceTracker holds the current status of every connected user. A user
// without an entry is UNAVAILABLE.
type PresenceTracker struct {
	mu       sync.RWMutex
	statuses map[string]models.UserStatus

	sinks  []PresenceSink
	events chan PresenceChange
	log    *slog.Logger
}

func NewPresenceTracker(log *slog.Logger, sinks ...PresenceSink) *PresenceTracker {
	return &PresenceTracker{
		statuses: make(map[string]models.UserStatus),
		sinks:    sinks,
		events:   make(chan PresenceChange, 1024),
		log:      log,
	}
}

// Set records the status. It never blocks: Registry calls it under its lock.
func (p *PresenceTracker) Set(userID string, status models.UserStatus) {
	p.mu.Lock()
	prev, ok := p.statuses[userID]
	p.statuses[userID] = status
	p.mu.Unlock()

	if !ok || prev != status {
		p.emit(userID, status)
	}
}

// Get returns the tracked status, UNAVAILABLE when the user has none
func (p *PresenceTracker) Get(userID string) models.UserStatus {
	status, ok := p.Lookup(userID)
	if !ok {
		return models.StatusUnavailable
	}
	return status
}

func (p *PresenceTracker) Lookup(userID string) (models.UserStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status, ok := p.statuses[userID]
	return status, ok
}

func (p *PresenceTracker) Clear(userID string) {
	p.mu.Lock()
	_, ok := p.statuses[userID]
	delete(p.statuses, userID)
	p.mu.Unlock()

	if ok {
		p.emit(userID, models.StatusUnavailable)
	}
}

func (p *PresenceTracker) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.statuses)
}

func (p *PresenceTracker) emit(userID string, status models.UserStatus) {
	if len(p.sinks) == 0 {
		return
	}

	select {
	case p.events <- PresenceChange{UserID: userID, Status: status, At: time.Now()}:
	default:
		p.log.Warn("Presence event buffer full, dropping change", "userID", userID, "status", status)
	}
}

// Run forwards changes to the sinks in order until ctx is done
func (p *PresenceTracker) Run(ctx context.Context) {
	if len(p.sinks) == 0 {
		return
	}

	for {
		select {
		case change := <-p.events:
			for _, sink := range p.sinks {
				if err := sink.PresenceChanged(ctx, change); err != nil {
					p.log.Error("Failed to forward presence change", "userID", change.UserID, "status", change.Status, "error", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
