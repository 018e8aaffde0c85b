package postgres

import (
	"context"
	"errors"
	"fmt"

	"chat-gateway/internal/models"

	"gorm.io/gorm"
)

type DeleteScheduleRepository struct {
	db *gorm.DB
}

func NewDeleteScheduleRepository(db *gorm.DB) *DeleteScheduleRepository {
	return &DeleteScheduleRepository{db: db}
}

// FindDeleteSchedule returns the user's pending deletion record or (nil, nil)
func (r *DeleteScheduleRepository) FindDeleteSchedule(ctx context.Context, userID string) (*models.AccountDeleteSchedule, error) {
	var schedule models.AccountDeleteSchedule
	err := r.db.WithContext(ctx).Where("id = ?", userID).First(&schedule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find delete schedule: %w", err)
	}
	return &schedule, nil
}

func (r *DeleteScheduleRepository) CreateDeleteSchedule(ctx context.Context, schedule *models.AccountDeleteSchedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("failed to create delete schedule: %w", err)
	}
	return nil
}

func (r *DeleteScheduleRepository) DeleteDeleteSchedule(ctx context.Context, userID string) error {
	err := r.db.WithContext(ctx).Where("id = ?", userID).Delete(&models.AccountDeleteSchedule{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete delete schedule: %w", err)
	}
	return nil
}
