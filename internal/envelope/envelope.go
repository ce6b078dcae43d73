package envelope

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeReport   Type = "report"
	TypeCommand  Type = "command"
	TypeEvent    Type = "event"
	TypeError    Type = "error"
)

// Статусы, которые использует шлюз.
const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusReceived = "received"
	StatusPending  = "pending"
)

// Действия, которые шлюз отправляет сам.
const (
	ActionConfigUpdate          = "device.config.update"
	ActionNone                  = "none"
	ActionParseError            = "parse.error"
	ActionConnectionEstablished = "connection.established"
	ActionUnknown               = "unknown"
)

// CurrentVersion: версия протокола по умолчанию.
const CurrentVersion = 1

// TimeFormat: ISO8601 в UTC, как у устройств.
const TimeFormat = "2006-01-02T15:04:05Z"

// Document: произвольный JSON-объект (payload/meta). Значения: примитивы,
// вложенные Document/map[string]any и []any.
type Document map[string]any

// Envelope: сообщение протокола в обе стороны.
type Envelope struct {
	Version       int
	Type          Type
	ID            string
	CorrelationID string
	Timestamp     string
	Action        string
	Status        string // пусто = поле отсутствует
	Payload       Document
	Meta          Document
}

// New создаёт сообщение, начинающее обмен: correlationId == id.
func New(t Type, action string, payload Document) *Envelope {
	id := uuid.NewString()
	return &Envelope{
		Version:       CurrentVersion,
		Type:          t,
		ID:            id,
		CorrelationID: id,
		Timestamp:     Now(),
		Action:        action,
		Payload:       payload,
	}
}

// Reply создаёт ответ на in с новым id и correlationId = in.ReplyTo().
func Reply(in *Envelope, t Type, action, status string, payload Document) *Envelope {
	e := New(t, action, payload)
	e.CorrelationID = in.ReplyTo()
	e.Status = status
	return e
}

// ReplyTo возвращает идентификатор, на который должен ссылаться ответ.
func (e *Envelope) ReplyTo() string {
	if e.ID != "" {
		return e.ID
	}
	return e.CorrelationID
}

// Time разбирает Timestamp; при ошибке текущее время.
func (e *Envelope) Time() time.Time {
	for _, layout := range []string{TimeFormat, time.RFC3339Nano} {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func Now() string { return time.Now().UTC().Format(TimeFormat) }
