package repo

import (
	"context"
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"iotgw/internal/models"
)

type CommandStore struct{ db *gorm.DB }

func NewCommandStore(db *gorm.DB) *CommandStore { return &CommandStore{db: db} }

func (s *CommandStore) Create(ctx context.Context, c *models.Command) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *CommandStore) Get(ctx context.Context, id string) (*models.Command, error) {
	var c models.Command
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetResult фиксирует подтверждение устройства.
func (s *CommandStore) SetResult(ctx context.Context, id, status, respondedBy string, response datatypes.JSON) (*models.Command, error) {
	res := s.db.WithContext(ctx).Model(&models.Command{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       status,
			"responded_by": respondedBy,
			"response":     response,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// SetDelivered обновляет только счётчик доставки.
func (s *CommandStore) SetDelivered(ctx context.Context, id string, delivered int) error {
	res := s.db.WithContext(ctx).Model(&models.Command{}).
		Where("id = ?", id).
		Update("delivered", delivered)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
