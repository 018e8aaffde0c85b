package postgres

import (
	"context"
	"errors"
	"fmt"

	"chat-gateway/internal/models"

	"gorm.io/gorm"
)

type InviteRepository struct {
	db *gorm.DB
}

func NewInviteRepository(db *gorm.DB) *InviteRepository {
	return &InviteRepository{db: db}
}

// ListInviteCodes returns every code, newest first, with its creator and the
// user who redeemed it
func (r *InviteRepository) ListInviteCodes(ctx context.Context) ([]models.InviteCode, error) {
	var codes []models.InviteCode
	err := r.db.WithContext(ctx).
		Preload("Creator").
		Preload("UsedByUser").
		Order("created_at DESC").
		Find(&codes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list invite codes: %w", err)
	}
	return codes, nil
}

// FindInviteCodeUsedBy returns the code the user registered with, or (nil, nil)
func (r *InviteRepository) FindInviteCodeUsedBy(ctx context.Context, userID string) (*models.InviteCode, error) {
	var code models.InviteCode
	err := r.db.WithContext(ctx).Where("used_by = ?", userID).First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find invite code: %w", err)
	}
	return &code, nil
}
