package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceIdentity — слот пула device id. При AssignedUUID == nil слот свободен.
type DeviceIdentity struct {
	DeviceID  string    `gorm:"primaryKey;size:64" json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AssignedUUID *string    `gorm:"index;size:128" json:"assigned_uuid,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
}

func (DeviceIdentity) TableName() string { return "device_identities" }

// TelemetryRecord: отчёт устройства.
type TelemetryRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	DeviceID   string         `gorm:"index;size:64" json:"device_id"`
	DeviceUUID string         `gorm:"index;size:128" json:"device_uuid"`
	MessageID  string         `gorm:"size:128" json:"message_id"`
	Action     string         `gorm:"size:128" json:"action"`
	Payload    datatypes.JSON `json:"payload"`
	ReportedAt time.Time      `gorm:"index" json:"reported_at"`
}

// Command: команда оператора и её подтверждение.
type Command struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TargetUUID  string         `gorm:"index;size:128" json:"target_uuid,omitempty"`
	Action      string         `gorm:"size:128;not null" json:"action"`
	Payload     datatypes.JSON `json:"payload"`
	Status      string         `gorm:"size:32;index" json:"status"` // sent|completed|failed
	Delivered   int            `json:"delivered"`
	RespondedBy string         `gorm:"size:128" json:"responded_by,omitempty"`
	Response    datatypes.JSON `json:"response,omitempty"`
}
