package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"iotgw/internal/envelope"
	"iotgw/internal/logs"
)

// ErrSinkWrite: телеметрию не удалось сохранить.
var ErrSinkWrite = errors.New("telemetry: sink write failed")

// Report: одна запись телеметрии от устройства.
type Report struct {
	DeviceID   string            `json:"device_id"`
	DeviceUUID string            `json:"device_uuid"`
	MessageID  string            `json:"message_id,omitempty"`
	Action     string            `json:"action,omitempty"`
	Payload    envelope.Document `json:"payload"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Key возвращает ключ партиционирования (device id, иначе uuid).
func (r Report) Key() string {
	if r.DeviceID != "" {
		return r.DeviceID
	}
	return r.DeviceUUID
}

// Sink принимает отчёты. Ошибки протокол не блокируют, только логируются.
type Sink interface {
	Record(ctx context.Context, r Report) error
	Close() error
}

/* ───── fanout ───── */

// Fanout пишет во все приёмники и собирает ошибки.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, r Report) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSinkWrite, errors.Join(errs...))
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine возвращает единственный приёмник для набора; пустой набор даёт LogSink.
func Combine(sinks ...Sink) Sink {
	switch len(sinks) {
	case 0:
		return LogSink{}
	case 1:
		return sinks[0]
	default:
		return Fanout(sinks)
	}
}

/* ───── log sink (без хранилища) ───── */

type LogSink struct{}

func (LogSink) Record(_ context.Context, r Report) error {
	logs.With("telemetry").WithFields(logrus.Fields{
		"device_id": r.DeviceID,
		"uuid":      r.DeviceUUID,
		"fields":    len(r.Payload),
	}).Debug("report received")
	return nil
}

func (LogSink) Close() error { return nil }
