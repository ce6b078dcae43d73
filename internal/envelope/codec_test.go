package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeCorrelationSpellings(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"camel", `{"type":"request","id":"a","correlationId":"c1"}`, "c1"},
		{"snake", `{"type":"request","id":"a","correlation_id":"c2"}`, "c2"},
		{"camel wins", `{"type":"request","id":"a","correlationId":"c1","correlation_id":"c2"}`, "c1"},
		{"absent", `{"type":"request","id":"a"}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := Decode([]byte(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if e.CorrelationID != tc.want {
				t.Fatalf("correlation = %q, want %q", e.CorrelationID, tc.want)
			}
		})
	}
}

func TestDecodeLenientFields(t *testing.T) {
	raw := `{"version":"1.0","type":"event","id":"dev-1","correlation_id":"","ts":"2025-11-28T05:15:37Z",
		"action":"","status":"connected","payload":{"DEVICE_UUID":"dev-1"},"meta":{"source":"simulator"},"extra":42}`
	e, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Version != 1 {
		t.Fatalf("version = %d", e.Version)
	}
	if e.Type != TypeEvent || e.Status != "connected" || e.Timestamp != "2025-11-28T05:15:37Z" {
		t.Fatalf("unexpected envelope %+v", e)
	}
	if e.Payload["DEVICE_UUID"] != "dev-1" || e.Meta["source"] != "simulator" {
		t.Fatalf("unexpected documents %+v %+v", e.Payload, e.Meta)
	}
	if e.ReplyTo() != "dev-1" {
		t.Fatalf("reply-to = %q", e.ReplyTo())
	}
}

func TestDecodeOptionalVersionAndStatus(t *testing.T) {
	e, err := Decode([]byte(`{"type":"report","id":"r1","timestamp":"x"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Version != 0 || e.Status != "" || e.Timestamp != "x" {
		t.Fatalf("unexpected %+v", e)
	}
	if e.Payload == nil || len(e.Payload) != 0 {
		t.Fatalf("payload should be empty document, got %#v", e.Payload)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, raw := range []string{``, `not json`, `[1,2]`, `"str"`, `{"type":`, `{"payload":"text"}`, `{"type":5}`} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrDecode) {
			t.Fatalf("Decode(%q) err = %v, want ErrDecode", raw, err)
		}
	}
}

func TestEncodeAlwaysCamelCorrelation(t *testing.T) {
	in, _ := Decode([]byte(`{"type":"request","id":"abc","correlation_id":"zzz"}`))
	reply := Reply(in, TypeResponse, ActionConfigUpdate, StatusSuccess, Document{"device_id": "sim0001"})
	b, err := Encode(reply)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(b)
	if strings.Contains(s, "correlation_id") {
		t.Fatalf("snake case correlation emitted: %s", s)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["correlationId"] != "abc" {
		t.Fatalf("correlationId = %v", m["correlationId"])
	}
	if m["status"] != StatusSuccess || m["version"].(float64) != 1 {
		t.Fatalf("unexpected %v", m)
	}
}

func TestEncodeDefaults(t *testing.T) {
	b, err := Encode(&Envelope{Type: TypeEvent, ID: "e1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	if m["version"].(float64) != CurrentVersion {
		t.Fatalf("version default missing: %v", m)
	}
	if _, ok := m["status"]; ok {
		t.Fatalf("absent status must not be encoded: %v", m)
	}
	if m["correlationId"] != "e1" {
		t.Fatalf("correlationId should default to id: %v", m)
	}
	if _, ok := m["payload"].(map[string]any); !ok {
		t.Fatalf("payload should be an object: %v", m)
	}
}

func TestNewStartsExchange(t *testing.T) {
	e := New(TypeCommand, "device.start", nil)
	if e.ID == "" || e.CorrelationID != e.ID {
		t.Fatalf("new envelope must correlate to itself: %+v", e)
	}
}
