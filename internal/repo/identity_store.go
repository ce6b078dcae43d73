package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"iotgw/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record changed concurrently")
)

type IdentityStore struct{ db *gorm.DB }

func NewIdentityStore(db *gorm.DB) *IdentityStore { return &IdentityStore{db: db} }

// FindOldestUnassigned: свободный слот с наименьшим device_id.
func (s *IdentityStore) FindOldestUnassigned(ctx context.Context) (string, error) {
	var d models.DeviceIdentity
	err := s.db.WithContext(ctx).
		Where("assigned_uuid IS NULL").
		Order("device_id ASC").
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return d.DeviceID, nil
}

// GetByUUID возвращает nil, nil если за uuid ничего не закреплено.
func (s *IdentityStore) GetByUUID(ctx context.Context, uuid string) (*models.DeviceIdentity, error) {
	var d models.DeviceIdentity
	err := s.db.WithContext(ctx).
		Where("assigned_uuid = ?", uuid).
		Order("device_id ASC").
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &d, err
}

// Assign делает условный UPDATE, слот занимается, только если он ещё свободен.
// Ноль затронутых строк = слот перехватили (или его нет) -> ErrConflict.
func (s *IdentityStore) Assign(ctx context.Context, deviceID, uuid string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.DeviceIdentity{}).
		Where("device_id = ? AND assigned_uuid IS NULL", deviceID).
		Updates(map[string]any{
			"assigned_uuid": uuid,
			"assigned_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *IdentityStore) ResetAll(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.DeviceIdentity{}).
		Where("assigned_uuid IS NOT NULL").
		Updates(map[string]any{
			"assigned_uuid": nil,
			"assigned_at":   nil,
		})
	return res.RowsAffected, res.Error
}

// Create добавляет слоты, которых ещё нет; возвращает созданные.
func (s *IdentityStore) Create(ctx context.Context, deviceIDs []string) ([]string, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	var created []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&models.DeviceIdentity{}).
			Where("device_id IN ?", deviceIDs).
			Pluck("device_id", &existing).Error; err != nil {
			return err
		}
		skip := make(map[string]struct{}, len(existing))
		for _, id := range existing {
			skip[id] = struct{}{}
		}
		rows := make([]models.DeviceIdentity, 0, len(deviceIDs))
		for _, id := range deviceIDs {
			if _, ok := skip[id]; ok {
				continue
			}
			rows = append(rows, models.DeviceIdentity{DeviceID: id})
			created = append(created, id)
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(&rows, 200).Error
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *IdentityStore) List(ctx context.Context) ([]models.DeviceIdentity, error) {
	var out []models.DeviceIdentity
	err := s.db.WithContext(ctx).Order("device_id ASC").Find(&out).Error
	return out, err
}

func (s *IdentityStore) Delete(ctx context.Context, deviceID string) error {
	res := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&models.DeviceIdentity{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll удаляет все слоты, без условия WHERE.
func (s *IdentityStore) DeleteAll(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.DeviceIdentity{})
	return res.RowsAffected, res.Error
}
