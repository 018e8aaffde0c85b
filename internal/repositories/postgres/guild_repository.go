package postgres

import (
	"context"
	"fmt"

	"chat-gateway/internal/models"

	"gorm.io/gorm"
)

type GuildRepository struct {
	db *gorm.DB
}

func NewGuildRepository(db *gorm.DB) *GuildRepository {
	return &GuildRepository{db: db}
}

// FindGuildMembershipsByUser returns the user's memberships with each guild,
// its channels and its members (with their users) loaded
func (r *GuildRepository) FindGuildMembershipsByUser(ctx context.Context, userID string) ([]models.GuildMember, error) {
	var members []models.GuildMember
	err := r.db.WithContext(ctx).
		Preload("Guild").
		Preload("Guild.Channels", func(db *gorm.DB) *gorm.DB {
			return db.Order("guild_channels.created_at ASC")
		}).
		Preload("Guild.Members").
		Preload("Guild.Members.User").
		Where("user_id = ?", userID).
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find guild memberships: %w", err)
	}
	return members, nil
}
