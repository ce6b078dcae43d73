package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrDecode: входящее сообщение не является корректным JSON-объектом конверта.
var ErrDecode = errors.New("envelope: decode error")

// wire: то, что приходит от устройства. Неизвестные поля игнорируются.
type wire struct {
	Version          json.RawMessage `json:"version"`
	Type             string          `json:"type"`
	ID               string          `json:"id"`
	CorrelationID    *string         `json:"correlationId"`
	CorrelationIDAlt *string         `json:"correlation_id"`
	Ts               *string         `json:"ts"`
	Timestamp        *string         `json:"timestamp"`
	Action           string          `json:"action"`
	Status           *string         `json:"status"`
	Payload          json.RawMessage `json:"payload"`
	Meta             json.RawMessage `json:"meta"`
}

// out: то, что отправляет шлюз. Всегда correlationId (camelCase).
type out struct {
	Version       int      `json:"version"`
	Type          Type     `json:"type"`
	ID            string   `json:"id"`
	CorrelationID string   `json:"correlationId"`
	Ts            string   `json:"ts"`
	Action        string   `json:"action"`
	Status        string   `json:"status,omitempty"`
	Payload       Document `json:"payload"`
	Meta          Document `json:"meta"`
}

// Decode разбирает сырой кадр. Ошибка всегда оборачивает ErrDecode.
func Decode(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrDecode)
	}
	var w wire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	payload, err := decodeDocument(w.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrDecode, err)
	}
	meta, err := decodeDocument(w.Meta)
	if err != nil {
		return nil, fmt.Errorf("%w: meta: %v", ErrDecode, err)
	}

	e := &Envelope{
		Version: decodeVersion(w.Version),
		Type:    Type(w.Type),
		ID:      w.ID,
		Action:  w.Action,
		Payload: payload,
		Meta:    meta,
	}
	// первое присутствующее значение побеждает
	switch {
	case w.CorrelationID != nil:
		e.CorrelationID = *w.CorrelationID
	case w.CorrelationIDAlt != nil:
		e.CorrelationID = *w.CorrelationIDAlt
	}
	switch {
	case w.Ts != nil:
		e.Timestamp = *w.Ts
	case w.Timestamp != nil:
		e.Timestamp = *w.Timestamp
	}
	if w.Status != nil {
		e.Status = *w.Status
	}
	return e, nil
}

// Encode сериализует конверт для отправки устройству.
func Encode(e *Envelope) ([]byte, error) {
	o := out{
		Version:       e.Version,
		Type:          e.Type,
		ID:            e.ID,
		CorrelationID: e.CorrelationID,
		Ts:            e.Timestamp,
		Action:        e.Action,
		Status:        e.Status,
		Payload:       e.Payload,
		Meta:          e.Meta,
	}
	if o.Version == 0 {
		o.Version = CurrentVersion
	}
	if o.CorrelationID == "" {
		o.CorrelationID = o.ID
	}
	if o.Ts == "" {
		o.Ts = Now()
	}
	if o.Payload == nil {
		o.Payload = Document{}
	}
	if o.Meta == nil {
		o.Meta = Document{}
	}
	return json.Marshal(o)
}

func decodeDocument(raw json.RawMessage) (Document, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Document{}, nil
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// decodeVersion принимает 1, 1.0 и "1.0". Всё остальное даёт 0 (не задано).
func decodeVersion(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return int(f)
		}
	}
	return 0
}
