package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"iotgw/internal/envelope"
	"iotgw/internal/logs"
	"iotgw/internal/observe"
)

// Sender: часть реестра, нужная диспетчеру.
type Sender interface {
	IsConnected(uuid string) bool
	SendTo(uuid string, env *envelope.Envelope) bool
	Broadcast(env *envelope.Envelope, exclude string) int
}

type BroadcastResult struct {
	Delivered int     `json:"delivered"`
	Command   *Record `json:"command"`
}

// Dispatcher отправляет команды оператора и отслеживает подтверждения.
type Dispatcher struct {
	sender Sender
	store  Store
}

func New(sender Sender, store Store) *Dispatcher {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Dispatcher{sender: sender, store: store}
}

// Unicast: at-most-once; офлайн-устройству ничего не отправляется.
func (d *Dispatcher) Unicast(ctx context.Context, uuid, action string, payload envelope.Document) (*Record, error) {
	if !d.sender.IsConnected(uuid) {
		observe.IncCommand("unicast", "offline")
		return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, uuid)
	}
	env := envelope.New(envelope.TypeCommand, action, payload)
	rec := newRecord(env, uuid)
	// запись сохраняется до отправки: ответ устройства может прийти раньше возврата из SendTo
	d.save(ctx, rec)

	if !d.sender.SendTo(uuid, env) {
		rec.Status = StatusFailed
		if _, err := d.store.UpdateStatus(ctx, rec.ID, StatusFailed, "", nil); err != nil {
			logs.With("dispatch").Errorf("mark command %s failed: %v", rec.ID, err)
		}
		observe.IncCommand("unicast", "failed")
		return rec, fmt.Errorf("%w: %s", ErrDeliveryFailed, uuid)
	}
	rec.Delivered = 1
	d.setDelivered(ctx, rec)
	observe.IncCommand("unicast", "sent")
	logs.With("dispatch").Infof("command %s (%s) sent to %s", rec.ID, action, uuid)
	return rec, nil
}

// BroadcastCommand всегда успешен: частичная доставка допустима.
func (d *Dispatcher) BroadcastCommand(ctx context.Context, action string, payload envelope.Document) BroadcastResult {
	env := envelope.New(envelope.TypeCommand, action, payload)
	rec := newRecord(env, "")
	d.save(ctx, rec)
	rec.Delivered = d.sender.Broadcast(env, "")
	d.setDelivered(ctx, rec)
	observe.IncCommand("broadcast", "sent")
	logs.With("dispatch").Infof("command %s (%s) broadcast to %d devices", rec.ID, action, rec.Delivered)
	return BroadcastResult{Delivered: rec.Delivered, Command: rec}
}

// Acknowledge применяет ответ устройства к команде с id == correlationId.
// Статусы вне известных наборов команду не меняют. Unicast-команду
// подтверждает только её адресат, чужой ответ даёт ErrNotTarget.
func (d *Dispatcher) Acknowledge(ctx context.Context, commandID, uuid, status string, response envelope.Document) (*Record, error) {
	cur, err := d.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cur.TargetUUID != "" && cur.TargetUUID != uuid {
		return nil, fmt.Errorf("%w: command %s targets %s, got %s", ErrNotTarget, commandID, cur.TargetUUID, uuid)
	}
	st, ok := AckStatus(status)
	if !ok {
		return cur, nil
	}
	rec, err := d.store.UpdateStatus(ctx, commandID, st, uuid, response)
	if err != nil {
		return nil, err
	}
	logs.With("dispatch").Infof("command %s %s by %s", commandID, st, uuid)
	return rec, nil
}

// save: ошибка хранилища не отменяет отправку, команда уходит без учёта.
func (d *Dispatcher) save(ctx context.Context, rec *Record) {
	if err := d.store.Save(ctx, rec); err != nil {
		logs.With("dispatch").Errorf("save command %s: %v", rec.ID, err)
	}
}

func (d *Dispatcher) setDelivered(ctx context.Context, rec *Record) {
	if err := d.store.SetDelivered(ctx, rec.ID, rec.Delivered); err != nil {
		logs.With("dispatch").Errorf("update delivery of command %s: %v", rec.ID, err)
	}
}

func (d *Dispatcher) Get(ctx context.Context, id string) (*Record, error) {
	return d.store.Get(ctx, id)
}

// AckStatus переводит статус ответа устройства в статус команды.
func AckStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "completed", "ok":
		return StatusCompleted, true
	case "failure", "failed", "error":
		return StatusFailed, true
	}
	return "", false
}

func newRecord(env *envelope.Envelope, target string) *Record {
	now := time.Now().UTC()
	payload := env.Payload
	if payload == nil {
		payload = envelope.Document{}
	}
	return &Record{
		ID:         env.ID,
		TargetUUID: target,
		Action:     env.Action,
		Payload:    payload,
		Status:     StatusSent,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
