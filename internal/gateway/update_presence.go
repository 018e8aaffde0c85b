package gateway

import (
	"context"
	"fmt"
)

func (g *Gateway) handleUpdatePresence(ctx context.Context, s *Session, frame Inbound) error {
	update, ok := frame.(*UpdatePresenceFrame)
	if !ok {
		return &ProtocolViolation{Op: OpUpdatePresence, Reason: "unexpected frame type"}
	}

	userID := s.UserID()
	if userID == "" {
		return &ProtocolViolation{Op: OpUpdatePresence, Reason: "session not identified", Err: ErrNotIdentified}
	}

	account, err := g.store.FindAccountByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", userID, err)
	}
	if account == nil {
		return fmt.Errorf("account %s no longer exists", userID)
	}
	if account.User.Status == update.Status {
		return nil
	}

	if err := g.store.UpdateUserStatus(ctx, userID, update.Status); err != nil {
		return fmt.Errorf("failed to update status for %s: %w", userID, err)
	}

	members, err := g.store.FindGuildMembershipsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load guild memberships for %s: %w", userID, err)
	}

	if g.registry.Has(userID) {
		g.presence.Set(userID, update.Status)
		g.joinDirectory(ctx, s, userID, update.Status)
	}

	out := presenceUpdateFrame(userID, update.Status)
	for _, m := range members {
		g.publish(m.GuildID, out, s)
	}

	s.Logger().Info("Presence updated", "status", update.Status, "guilds", len(members))
	return nil
}
