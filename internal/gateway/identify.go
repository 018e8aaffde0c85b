package gateway

import (
	"context"
	"fmt"

	"chat-gateway/internal/models"
)

func (g *Gateway) handleIdentify(ctx context.Context, s *Session, _ Inbound) error {
	if s.UserID() != "" {
		return &ProtocolViolation{Op: OpIdentify, Reason: "session already identified", Err: ErrAlreadyIdentified}
	}

	epoch := g.beginIdentify()
	defer g.endIdentify()

	account, err := g.FindAccountByToken(ctx, s.token)
	if err != nil {
		return err
	}
	if account == nil {
		s.Logger().Info("Cannot authenticate session due to invalid token, closing")
		s.heartbeat.stop()
		s.Terminate(invalidSessionFrame(false), g.opts.GraceWindow)
		return nil
	}

	user := account.User
	userID := account.ID

	// every read happens before any registry or bus mutation so a persistence
	// failure leaves no partial state behind
	members, err := g.store.FindGuildMembershipsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load guild memberships for %s: %w", userID, err)
	}

	var appSettings *AppSettings
	if user.IsAdmin() {
		codes, err := g.store.ListInviteCodes(ctx)
		if err != nil {
			return fmt.Errorf("failed to list invite codes: %w", err)
		}
		if codes == nil {
			codes = []models.InviteCode{}
		}
		appSettings = &AppSettings{InviteCodes: codes}
	}

	settings := readySettings(account)
	if !user.Bot {
		g.resolvePendingDeletion(ctx, s, userID, &settings)
	}

	s.setUserID(userID)

	guilds := make([]*models.Guild, 0, len(members))
	for _, m := range members {
		g.bus.Subscribe(m.GuildID, s)
		if m.Guild != nil {
			guilds = append(guilds, m.Guild)
		}
	}
	if appSettings != nil {
		g.bus.Subscribe(TopicAdmins, s)
	}

	presences := g.presenceSnapshot(ctx, s, members)

	status := user.Status
	if !g.registry.Add(s, func(bool) { g.presence.Set(userID, status) }) {
		s.Logger().Debug("Session closed during identify")
		return nil
	}
	// the user's sessions were closed while this one was loading
	if g.closedSince(userID, epoch) {
		s.Logger().Info("User sessions closed during identify, closing session")
		s.heartbeat.stop()
		s.Terminate(invalidSessionFrame(false), g.opts.GraceWindow)
		return nil
	}
	g.joinDirectory(ctx, s, userID, status)

	if status != models.StatusUnavailable {
		frame := presenceUpdateFrame(userID, status)
		for _, m := range members {
			g.publish(m.GuildID, frame, s)
		}
		presences = presences.put(userID, status)
	}

	ready := ReadyPayload{
		Account: ReadyAccount{
			ID:            account.ID,
			EmailVerified: account.EmailVerified,
			Locale:        account.Locale,
			Email:         account.Email,
		},
		Settings:    settings,
		User:        user,
		Guilds:      guilds,
		Presences:   presences.list(),
		AppSettings: appSettings,
	}
	if err := s.SendFrame(NewDispatch(EventReady, ready)); err != nil {
		return fmt.Errorf("failed to send READY: %w", err)
	}

	s.Logger().Info("Session identified", "guilds", len(guilds), "admin", appSettings != nil)
	return nil
}

func readySettings(account *models.Account) ReadySettings {
	settings := ReadySettings{
		Theme:              models.ThemeLight,
		CompactMode:        false,
		CompactShowAvatars: true,
	}
	if account.Settings != nil {
		settings.Theme = account.Settings.Theme
		settings.CompactMode = account.Settings.CompactMode
		settings.CompactShowAvatars = account.Settings.CompactShowAvatars
	}
	return settings
}

// resolvePendingDeletion surfaces a scheduled account deletion. A schedule
// whose job no longer exists is stale and gets removed. Failures are logged
// only: READY is still sent without the deletion fields.
func (g *Gateway) resolvePendingDeletion(ctx context.Context, s *Session, userID string, settings *ReadySettings) {
	schedule, err := g.store.FindDeleteSchedule(ctx, userID)
	if err != nil {
		s.Logger().Error("Failed to load delete schedule", "error", err)
		return
	}
	if schedule == nil || g.jobs == nil {
		return
	}

	job, err := g.jobs.GetJob(ctx, schedule.JobID)
	if err != nil {
		s.Logger().Error("Failed to look up deletion job", "jobID", schedule.JobID, "error", err)
		return
	}

	pending := job != nil
	settings.PendingDeletion = &pending
	if pending {
		settings.DeleteAt = schedule.DeleteAt
		return
	}

	if err := g.store.DeleteDeleteSchedule(ctx, userID); err != nil {
		s.Logger().Error("Failed to clear stale delete schedule", "error", err)
	}
}

// presenceSet keeps one entry per user in first-seen order
type presenceSet struct {
	order []string
	byID  map[string]models.UserStatus
}

func (p presenceSet) put(id string, status models.UserStatus) presenceSet {
	if p.byID == nil {
		p.byID = make(map[string]models.UserStatus)
	}
	if _, ok := p.byID[id]; !ok {
		p.order = append(p.order, id)
	}
	p.byID[id] = status
	return p
}

func (p presenceSet) list() []Presence {
	out := make([]Presence, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, Presence{ID: id, Status: p.byID[id]})
	}
	return out
}

// presenceSnapshot lists every co-member that currently has a live session,
// here or on another instance. Local users report the tracked status falling
// back to the stored one.
func (g *Gateway) presenceSnapshot(ctx context.Context, s *Session, members []models.GuildMember) presenceSet {
	var (
		set    presenceSet
		remote []string
		seen   = make(map[string]struct{})
	)
	for _, m := range members {
		if m.Guild == nil {
			continue
		}
		for _, co := range m.Guild.Members {
			if _, ok := seen[co.UserID]; ok {
				continue
			}
			seen[co.UserID] = struct{}{}

			if !g.registry.Has(co.UserID) {
				remote = append(remote, co.UserID)
				continue
			}
			status, ok := g.presence.Lookup(co.UserID)
			if !ok && co.User != nil {
				status = co.User.Status
			}
			if status == "" {
				status = models.StatusUnavailable
			}
			set = set.put(co.UserID, status)
		}
	}

	if g.directory == nil || len(remote) == 0 {
		return set
	}
	statuses, err := g.directory.Statuses(ctx, remote)
	if err != nil {
		s.Logger().Error("Failed to read presence directory, READY lists local users only", "error", err)
		return set
	}
	for _, id := range remote {
		if status, ok := statuses[id]; ok {
			set = set.put(id, status)
		}
	}
	return set
}
