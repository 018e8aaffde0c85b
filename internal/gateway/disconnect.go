package gateway

import (
	"context"

	"chat-gateway/internal/models"
)

// disconnect runs once per session, on its read goroutine after the last
// handler returned
func (g *Gateway) disconnect(s *Session) {
	defer g.untrack(s)

	s.heartbeat.stop()
	topics := g.bus.UnsubscribeAll(s)

	userID := s.UserID()
	if userID == "" {
		s.Logger().Debug("Unidentified session disconnected")
		return
	}

	removed, last := g.registry.Remove(s, func() { g.presence.Clear(userID) })
	if !removed {
		return
	}
	if !last {
		s.Logger().Info("Session disconnected", "remaining", g.registry.Count(userID))
		return
	}

	ctx, cancel := g.handlerContext()
	defer cancel()

	remaining := g.leaveDirectory(ctx, s, userID)
	if g.reconnected(ctx, s, userID) {
		return
	}
	if remaining > 0 {
		s.Logger().Info("Last local session disconnected, user still connected elsewhere", "instances", remaining)
		return
	}

	guildIDs := g.guildTopics(ctx, s, userID, topics)

	// the user may have reconnected while memberships were loading
	if g.reconnected(ctx, s, userID) {
		return
	}

	frame := presenceUpdateFrame(userID, models.StatusUnavailable)
	for _, guildID := range guildIDs {
		g.publish(guildID, frame, nil)
	}
	s.Logger().Info("Last session disconnected", "guilds", len(guildIDs))
}

// reconnected reports whether a new local session registered after the last
// one was removed. Its directory entry is restored since Leave may have
// dropped it.
func (g *Gateway) reconnected(ctx context.Context, s *Session, userID string) bool {
	if !g.registry.Has(userID) {
		return false
	}
	g.joinDirectory(ctx, s, userID, g.presence.Get(userID))
	return true
}

// guildTopics re-fetches the user's guilds, falling back to the guild topics
// the session was subscribed to
func (g *Gateway) guildTopics(ctx context.Context, s *Session, userID string, subscribed []string) []string {
	members, err := g.store.FindGuildMembershipsByUser(ctx, userID)
	if err == nil {
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.GuildID)
		}
		return ids
	}

	s.Logger().Warn("Failed to load guild memberships on disconnect, using subscribed topics", "error", err)
	ids := make([]string, 0, len(subscribed))
	for _, topic := range subscribed {
		if topic != TopicAdmins {
			ids = append(ids, topic)
		}
	}
	return ids
}
