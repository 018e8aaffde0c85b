package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"chat-gateway/internal/gateway"
	"chat-gateway/internal/models"
	"chat-gateway/internal/scheduler"
)

const (
	DeleteAccountJob   = "delete-account"
	DefaultDeleteDelay = 7 * 24 * time.Hour
)

var (
	ErrDeletionPending   = errors.New("this account already has a pending deletion request")
	ErrNoDeletionPending = errors.New("this account does not have a pending deletion request")
)

type DeletionStore interface {
	FindDeleteSchedule(ctx context.Context, userID string) (*models.AccountDeleteSchedule, error)
	CreateDeleteSchedule(ctx context.Context, schedule *models.AccountDeleteSchedule) error
	DeleteDeleteSchedule(ctx context.Context, userID string) error
	FindGuildMembershipsByUser(ctx context.Context, userID string) ([]models.GuildMember, error)
	FindInviteCodeUsedBy(ctx context.Context, userID string) (*models.InviteCode, error)
}

type JobQueue interface {
	Add(ctx context.Context, name string, data any, delay time.Duration) (*scheduler.Job, error)
	GetJob(ctx context.Context, id string) (*scheduler.Job, error)
	Remove(ctx context.Context, id string) error
}

// SessionCloser is the part of the gateway the deletion worker drives
type SessionCloser interface {
	PublishToTopic(topic string, frame gateway.Frame) error
	CloseAllSessionsForUser(userID string) int
}

type DeleteAccountPayload struct {
	UserID         string `json:"userId"`
	DeleteMessages bool   `json:"deleteMessages"`
}

type GuildMemberRemovePayload struct {
	GuildID string          `json:"guildId"`
	User    RemovedUserData `json:"user"`
}

type RemovedUserData struct {
	ID string `json:"id"`
}

// DeletedUserID stands in for an account that no longer exists
const DeletedUserID = "0"

type InviteCodeUsePayload struct {
	Executor InviteExecutor `json:"executor"`
	Code     string         `json:"code"`
}

type InviteExecutor struct {
	UserID string       `json:"userId"`
	User   ExecutorUser `json:"user"`
}

type ExecutorUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// AccountDeletionService schedules deferred account deletion and reacts when
// the job fires
type AccountDeletionService struct {
	store    DeletionStore
	queue    JobQueue
	sessions SessionCloser
	delay    time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func NewAccountDeletionService(store DeletionStore, queue JobQueue, sessions SessionCloser, delay time.Duration, log *slog.Logger) *AccountDeletionService {
	if delay <= 0 {
		delay = DefaultDeleteDelay
	}
	return &AccountDeletionService{
		store:    store,
		queue:    queue,
		sessions: sessions,
		delay:    delay,
		log:      log,
		now:      time.Now,
	}
}

func (s *AccountDeletionService) ScheduleDeletion(ctx context.Context, userID string, deleteMessages bool) (*models.AccountDeleteSchedule, error) {
	existing, err := s.store.FindDeleteSchedule(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDeletionPending
	}

	deleteAt := s.now().Add(s.delay)
	job, err := s.queue.Add(ctx, DeleteAccountJob, DeleteAccountPayload{UserID: userID, DeleteMessages: deleteMessages}, s.delay)
	if err != nil {
		return nil, err
	}

	schedule := &models.AccountDeleteSchedule{
		ID:             userID,
		JobID:          job.ID,
		DeleteMessages: deleteMessages,
		DeleteAt:       strconv.FormatInt(deleteAt.UnixMilli(), 10),
	}
	if err := s.store.CreateDeleteSchedule(ctx, schedule); err != nil {
		if rmErr := s.queue.Remove(ctx, job.ID); rmErr != nil {
			s.log.Error("Failed to roll back deletion job", "userID", userID, "jobID", job.ID, "error", rmErr)
		}
		return nil, err
	}

	s.log.Info("Account deletion scheduled", "userID", userID, "jobID", job.ID, "deleteAt", deleteAt)
	return schedule, nil
}

// CancelDeletion removes a pending deletion. A schedule whose job already
// vanished is cleaned up and reported as not pending.
func (s *AccountDeletionService) CancelDeletion(ctx context.Context, userID string) error {
	schedule, err := s.store.FindDeleteSchedule(ctx, userID)
	if err != nil {
		return err
	}
	if schedule == nil {
		return ErrNoDeletionPending
	}

	job, err := s.queue.GetJob(ctx, schedule.JobID)
	if err != nil {
		return err
	}
	if job != nil {
		if err := s.queue.Remove(ctx, job.ID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
			return err
		}
	}

	if err := s.store.DeleteDeleteSchedule(ctx, userID); err != nil {
		return err
	}
	if job == nil {
		return ErrNoDeletionPending
	}

	s.log.Info("Account deletion cancelled", "userID", userID, "jobID", schedule.JobID)
	return nil
}

// HandleJob runs when a deletion job is due: the schedule record is removed,
// the user's guilds are told the member left and every live session of the
// user is closed. The data cleanup itself belongs to the owning services.
func (s *AccountDeletionService) HandleJob(ctx context.Context, job *scheduler.Job) error {
	if job.Name != DeleteAccountJob {
		return fmt.Errorf("unexpected job %q", job.Name)
	}

	var payload DeleteAccountPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode deletion job: %w", err)
	}
	if payload.UserID == "" {
		return errors.New("deletion job without user id")
	}

	s.log.Info("Delete account job", "userID", payload.UserID, "jobID", job.ID)

	if err := s.store.DeleteDeleteSchedule(ctx, payload.UserID); err != nil {
		s.log.Error("Failed to delete schedule record", "userID", payload.UserID, "error", err)
	}

	s.announceInviteRelease(ctx, payload.UserID)

	members, err := s.store.FindGuildMembershipsByUser(ctx, payload.UserID)
	if err != nil {
		s.log.Error("Failed to load guild memberships for deleted account", "userID", payload.UserID, "error", err)
	}
	for _, m := range members {
		frame := gateway.NewDispatch(gateway.EventGuildMemberRemove, GuildMemberRemovePayload{
			GuildID: m.GuildID,
			User:    RemovedUserData{ID: payload.UserID},
		})
		if err := s.sessions.PublishToTopic(m.GuildID, frame); err != nil {
			s.log.Error("Failed to announce member removal", "userID", payload.UserID, "guildID", m.GuildID, "error", err)
		}
	}

	closed := s.sessions.CloseAllSessionsForUser(payload.UserID)
	s.log.Info("Deleted account disconnected", "userID", payload.UserID, "sessions", closed, "guilds", len(members))
	return nil
}

// announceInviteRelease tells admins that the invite code the user signed up
// with now belongs to a deleted user
func (s *AccountDeletionService) announceInviteRelease(ctx context.Context, userID string) {
	code, err := s.store.FindInviteCodeUsedBy(ctx, userID)
	if err != nil {
		s.log.Error("Failed to load invite code of deleted account", "userID", userID, "error", err)
		return
	}
	if code == nil {
		return
	}

	frame := gateway.NewDispatch(gateway.EventInviteCodeUse, InviteCodeUsePayload{
		Executor: InviteExecutor{
			UserID: DeletedUserID,
			User:   ExecutorUser{ID: DeletedUserID, Username: "Deleted User"},
		},
		Code: code.ID,
	})
	if err := s.sessions.PublishToTopic(gateway.TopicAdmins, frame); err != nil {
		s.log.Error("Failed to announce invite code release", "userID", userID, "code", code.ID, "error", err)
	}
}
