package repo

import (
	"context"

	"gorm.io/gorm"

	"iotgw/internal/models"
)

type TelemetryStore struct{ db *gorm.DB }

func NewTelemetryStore(db *gorm.DB) *TelemetryStore { return &TelemetryStore{db: db} }

func (s *TelemetryStore) Insert(ctx context.Context, rec *models.TelemetryRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// ListByDevice: последние отчёты устройства, новые первыми.
func (s *TelemetryStore) ListByDevice(ctx context.Context, deviceID string, limit int) ([]models.TelemetryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.TelemetryRecord
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("reported_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
