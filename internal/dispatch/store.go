package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"iotgw/internal/envelope"
)

var (
	ErrDeviceOffline   = errors.New("dispatch: device offline")
	ErrDeliveryFailed  = errors.New("dispatch: delivery failed")
	ErrCommandNotFound = errors.New("dispatch: command not found")
	ErrNotTarget       = errors.New("dispatch: response from a device the command was not sent to")
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record: команда оператора. TargetUUID пустой для broadcast.
type Record struct {
	ID          string            `json:"id"`
	TargetUUID  string            `json:"target_uuid,omitempty"`
	Action      string            `json:"action"`
	Payload     envelope.Document `json:"payload"`
	Status      Status            `json:"status"`
	Delivered   int               `json:"delivered"`
	Response    envelope.Document `json:"response,omitempty"`
	RespondedBy string            `json:"responded_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Store хранит записи команд. UpdateStatus и SetDelivered возвращают ErrCommandNotFound.
// SetDelivered меняет только счётчик доставки и не затирает статус подтверждения.
type Store interface {
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	UpdateStatus(ctx context.Context, id string, st Status, respondedBy string, response envelope.Document) (*Record, error)
	SetDelivered(ctx context.Context, id string, delivered int) error
}

/* ───── in-memory store ───── */

type memStore struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

func NewMemoryStore() Store {
	return &memStore{recs: make(map[string]*Record)}
}

func (m *memStore) Save(_ context.Context, r *Record) error {
	cp := *r
	m.mu.Lock()
	m.recs[r.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id string, st Status, respondedBy string, response envelope.Document) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	r.Status = st
	r.RespondedBy = respondedBy
	r.Response = response
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (m *memStore) SetDelivered(_ context.Context, id string, delivered int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return ErrCommandNotFound
	}
	r.Delivered = delivered
	r.UpdatedAt = time.Now().UTC()
	return nil
}
