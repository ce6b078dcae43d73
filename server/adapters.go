package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"

	"iotgw/internal/dispatch"
	"iotgw/internal/envelope"
	"iotgw/internal/identity"
	"iotgw/internal/models"
	"iotgw/internal/repo"
	"iotgw/internal/telemetry"
)

/* ───── identity.Store поверх repo.IdentityStore ───── */

type identityAdapter struct{ s *repo.IdentityStore }

func newIdentityAdapter(s *repo.IdentityStore) identity.Store { return &identityAdapter{s: s} }

func (a *identityAdapter) FindOldestUnassigned(ctx context.Context) (string, error) {
	id, err := a.s.FindOldestUnassigned(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return "", identity.ErrNoFreeSlot
	}
	return id, err
}

func (a *identityAdapter) FindByUUID(ctx context.Context, uuid string) (string, bool, error) {
	d, err := a.s.GetByUUID(ctx, uuid)
	if err != nil || d == nil {
		return "", false, err
	}
	return d.DeviceID, true, nil
}

func (a *identityAdapter) Assign(ctx context.Context, deviceID, uuid string) error {
	err := a.s.Assign(ctx, deviceID, uuid)
	if errors.Is(err, repo.ErrConflict) {
		return identity.ErrConflict
	}
	return err
}

func (a *identityAdapter) ResetAll(ctx context.Context) (int64, error) { return a.s.ResetAll(ctx) }

func (a *identityAdapter) Create(ctx context.Context, ids []string) ([]string, error) {
	return a.s.Create(ctx, ids)
}

func (a *identityAdapter) Delete(ctx context.Context, deviceID string) error {
	err := a.s.Delete(ctx, deviceID)
	if errors.Is(err, repo.ErrNotFound) {
		return identity.ErrSlotNotFound
	}
	return err
}

func (a *identityAdapter) DeleteAll(ctx context.Context) (int64, error) { return a.s.DeleteAll(ctx) }

func (a *identityAdapter) List(ctx context.Context) ([]identity.Slot, error) {
	rows, err := a.s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]identity.Slot, 0, len(rows))
	for _, r := range rows {
		slot := identity.Slot{DeviceID: r.DeviceID, AssignedAt: r.AssignedAt}
		if r.AssignedUUID != nil {
			slot.AssignedUUID = *r.AssignedUUID
		}
		out = append(out, slot)
	}
	return out, nil
}

/* ───── dispatch.Store поверх repo.CommandStore ───── */

type commandAdapter struct{ s *repo.CommandStore }

func newCommandAdapter(s *repo.CommandStore) dispatch.Store { return &commandAdapter{s: s} }

func (a *commandAdapter) Save(ctx context.Context, r *dispatch.Record) error {
	payload, err := toJSON(r.Payload)
	if err != nil {
		return err
	}
	return a.s.Create(ctx, &models.Command{
		ID:         r.ID,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		TargetUUID: r.TargetUUID,
		Action:     r.Action,
		Payload:    payload,
		Status:     string(r.Status),
		Delivered:  r.Delivered,
	})
}

func (a *commandAdapter) Get(ctx context.Context, id string) (*dispatch.Record, error) {
	c, err := a.s.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, dispatch.ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	return toRecord(c)
}

func (a *commandAdapter) UpdateStatus(ctx context.Context, id string, st dispatch.Status, respondedBy string, response envelope.Document) (*dispatch.Record, error) {
	body, err := toJSON(response)
	if err != nil {
		return nil, err
	}
	c, err := a.s.SetResult(ctx, id, string(st), respondedBy, body)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, dispatch.ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	return toRecord(c)
}

func (a *commandAdapter) SetDelivered(ctx context.Context, id string, delivered int) error {
	err := a.s.SetDelivered(ctx, id, delivered)
	if errors.Is(err, repo.ErrNotFound) {
		return dispatch.ErrCommandNotFound
	}
	return err
}

func toRecord(c *models.Command) (*dispatch.Record, error) {
	rec := &dispatch.Record{
		ID:          c.ID,
		TargetUUID:  c.TargetUUID,
		Action:      c.Action,
		Status:      dispatch.Status(c.Status),
		Delivered:   c.Delivered,
		RespondedBy: c.RespondedBy,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	var err error
	if rec.Payload, err = fromJSON(c.Payload); err != nil {
		return nil, fmt.Errorf("command %s payload: %w", c.ID, err)
	}
	if rec.Response, err = fromJSON(c.Response); err != nil {
		return nil, fmt.Errorf("command %s response: %w", c.ID, err)
	}
	return rec, nil
}

/* ───── telemetry.Sink поверх repo.TelemetryStore ───── */

type telemetryAdapter struct{ s *repo.TelemetryStore }

func newTelemetryAdapter(s *repo.TelemetryStore) telemetry.Sink { return &telemetryAdapter{s: s} }

func (a *telemetryAdapter) Record(ctx context.Context, r telemetry.Report) error {
	payload, err := toJSON(r.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", telemetry.ErrSinkWrite, err)
	}
	err = a.s.Insert(ctx, &models.TelemetryRecord{
		DeviceID:   r.DeviceID,
		DeviceUUID: r.DeviceUUID,
		MessageID:  r.MessageID,
		Action:     r.Action,
		Payload:    payload,
		ReportedAt: r.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("%w: db: %v", telemetry.ErrSinkWrite, err)
	}
	return nil
}

func (a *telemetryAdapter) Close() error { return nil }

func toJSON(doc envelope.Document) (datatypes.JSON, error) {
	if doc == nil {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	return datatypes.JSON(b), err
}

func fromJSON(b datatypes.JSON) (envelope.Document, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var doc envelope.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
