package identity

import (
	"context"
	"errors"
	"fmt"

	"iotgw/internal/envelope"
	"iotgw/internal/logs"
)

// DeviceConfig — параметры, которые уходят устройству в device.config.update.
type DeviceConfig struct {
	IoTHubHost             string
	SharedAccessKey        string
	InitialRetryTimeout    int
	MaxRetry               int
	MessageIntervalSeconds int
}

// Options — формат идентификаторов пула и конфиг устройства.
type Options struct {
	Prefix string // sim
	Width  int    // 4 -> sim0001
	Device DeviceConfig
}

// Allocator выдаёт устройствам стабильные device id из конечного пула.
type Allocator struct {
	store Store
	opts  Options
}

func NewAllocator(store Store, opts Options) *Allocator {
	if opts.Width <= 0 {
		opts.Width = 4
	}
	return &Allocator{store: store, opts: opts}
}

// Assign возвращает device id для uuid: уже выданный или самый старый свободный.
// Захват слота: условная запись в Store; при конфликте берётся следующий свободный.
func (a *Allocator) Assign(ctx context.Context, uuid string) (string, error) {
	if id, ok, err := a.store.FindByUUID(ctx, uuid); err != nil {
		return "", fmt.Errorf("lookup assignment: %w", err)
	} else if ok {
		return id, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := a.store.FindOldestUnassigned(ctx)
		if errors.Is(err, ErrNoFreeSlot) {
			return "", ErrPoolExhausted
		}
		if err != nil {
			return "", fmt.Errorf("find free slot: %w", err)
		}
		err = a.store.Assign(ctx, id, uuid)
		if err == nil {
			logs.With("identity").Infof("assigned device_id %s to uuid %s", id, uuid)
			return id, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", fmt.Errorf("assign slot %s: %w", id, err)
		}
		// слот перехватило другое соединение, пробуем следующий
	}
}

// ConfigurationFor собирает payload конфигурации; состояние не меняет.
func (a *Allocator) ConfigurationFor(deviceID string) envelope.Document {
	d := a.opts.Device
	doc := envelope.Document{
		"device_id":              deviceID,
		"initialRetryTimeout":    d.InitialRetryTimeout,
		"maxRetry":               d.MaxRetry,
		"messageIntervalSeconds": d.MessageIntervalSeconds,
	}
	if d.IoTHubHost != "" {
		doc["IOTHUB_DEVICE_CONNECTION_STRING"] = fmt.Sprintf("HostName=%s;DeviceId=%s;SharedAccessKey=%s",
			d.IoTHubHost, deviceID, d.SharedAccessKey)
	}
	return doc
}

// ResetAll освобождает все слоты. Живые соединения не трогает.
func (a *Allocator) ResetAll(ctx context.Context) (int64, error) {
	n, err := a.store.ResetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset assignments: %w", err)
	}
	logs.With("identity").Infof("cleared %d device id assignments", n)
	return n, nil
}

// Generate создаёт слоты <prefix>0001..<prefix>N, пропуская существующие.
func (a *Allocator) Generate(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("generate: count must be positive, got %d", n)
	}
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, a.FormatID(i))
	}
	created, err := a.store.Create(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("create slots: %w", err)
	}
	return created, nil
}

// Delete убирает слот из пула. Устройство, которому он выдан, остаётся подключённым.
func (a *Allocator) Delete(ctx context.Context, deviceID string) error {
	if err := a.store.Delete(ctx, deviceID); err != nil {
		return fmt.Errorf("delete %s: %w", deviceID, err)
	}
	logs.With("identity").Infof("deleted device id %s", deviceID)
	return nil
}

// DeleteAll очищает пул целиком.
func (a *Allocator) DeleteAll(ctx context.Context) (int64, error) {
	n, err := a.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete pool: %w", err)
	}
	logs.With("identity").Infof("deleted %d device ids", n)
	return n, nil
}

func (a *Allocator) List(ctx context.Context) ([]Slot, error) {
	return a.store.List(ctx)
}

// FormatID — device id для порядкового номера seq.
func (a *Allocator) FormatID(seq int) string {
	return fmt.Sprintf("%s%0*d", a.opts.Prefix, a.opts.Width, seq)
}
