package identity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrPoolExhausted = errors.New("identity: no free device id in pool")
	ErrNoFreeSlot    = errors.New("identity: no unassigned slot")
	ErrConflict      = errors.New("identity: slot already assigned")
	ErrSlotNotFound  = errors.New("identity: device id not in pool")
)

// Slot — одна запись пула.
type Slot struct {
	DeviceID     string     `json:"device_id"`
	AssignedUUID string     `json:"assigned_uuid,omitempty"` // пусто = свободен
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
}

// Store — внешнее хранилище назначений.
// Assign обязан быть условным: слот занимается только если он ещё свободен.
type Store interface {
	FindOldestUnassigned(ctx context.Context) (string, error) // ErrNoFreeSlot
	FindByUUID(ctx context.Context, uuid string) (string, bool, error)
	Assign(ctx context.Context, deviceID, uuid string) error // ErrConflict
	ResetAll(ctx context.Context) (int64, error)
	Create(ctx context.Context, deviceIDs []string) ([]string, error) // возвращает реально созданные
	List(ctx context.Context) ([]Slot, error)
	Delete(ctx context.Context, deviceID string) error // ErrSlotNotFound
	DeleteAll(ctx context.Context) (int64, error)
}

/* ───── in-memory store (без БД) ───── */

type memStore struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

func NewMemoryStore() Store {
	return &memStore{slots: make(map[string]*Slot)}
}

func (m *memStore) FindOldestUnassigned(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := ""
	for id, s := range m.slots {
		if s.AssignedUUID != "" {
			continue
		}
		if best == "" || id < best {
			best = id
		}
	}
	if best == "" {
		return "", ErrNoFreeSlot
	}
	return best, nil
}

func (m *memStore) FindByUUID(_ context.Context, uuid string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := ""
	for id, s := range m.slots {
		if s.AssignedUUID == uuid && (best == "" || id < best) {
			best = id
		}
	}
	return best, best != "", nil
}

func (m *memStore) Assign(_ context.Context, deviceID, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[deviceID]
	if !ok || s.AssignedUUID != "" {
		return ErrConflict
	}
	now := time.Now().UTC()
	s.AssignedUUID = uuid
	s.AssignedAt = &now
	return nil
}

func (m *memStore) ResetAll(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.slots {
		if s.AssignedUUID != "" {
			s.AssignedUUID = ""
			s.AssignedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) Create(_ context.Context, deviceIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if _, ok := m.slots[id]; ok {
			continue
		}
		m.slots[id] = &Slot{DeviceID: id}
		created = append(created, id)
	}
	return created, nil
}

func (m *memStore) List(_ context.Context) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *memStore) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[deviceID]; !ok {
		return ErrSlotNotFound
	}
	delete(m.slots, deviceID)
	return nil
}

func (m *memStore) DeleteAll(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.slots))
	m.slots = make(map[string]*Slot)
	return n, nil
}
