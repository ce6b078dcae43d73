package telemetry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type InfluxOptions struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string // по умолчанию device_report
}

// InfluxSink пишет каждый отчёт точкой: теги device_id/uuid/action, поля плоский payload.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

func NewInfluxSink(opts InfluxOptions) *InfluxSink {
	client := influxdb2.NewClient(opts.URL, opts.Token)
	m := opts.Measurement
	if m == "" {
		m = "device_report"
	}
	return &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(opts.Org, opts.Bucket),
		measurement: m,
	}
}

func (s *InfluxSink) Record(ctx context.Context, r Report) error {
	p := buildPoint(s.measurement, r)
	if p == nil {
		return nil // нет числовых/строковых полей
	}
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("%w: influx: %v", ErrSinkWrite, err)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

func buildPoint(measurement string, r Report) *write.Point {
	fields := pointFields(r.Payload)
	if len(fields) == 0 {
		return nil
	}
	tags := map[string]string{
		"device_id":   r.DeviceID,
		"device_uuid": r.DeviceUUID,
	}
	if r.Action != "" {
		tags["action"] = r.Action
	}
	return write.NewPoint(measurement, tags, fields, r.Timestamp)
}

func pointFields(payload map[string]any) map[string]any {
	flat := make(map[string]any)
	flatten("", payload, flat)
	fields := make(map[string]any, len(flat))
	for k, v := range flat {
		if fv, ok := fieldValue(v); ok {
			fields[fieldKey(k)] = fv
		}
	}
	return fields
}

// flatten: вложенные объекты -> ключи через "_", массивы -> строка через запятую
func flatten(prefix string, v any, out map[string]any) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "_" + k
	}
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			flatten(key(k), val, out)
		}
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, scalarString(item))
		}
		out[prefix] = strings.Join(parts, ",")
	default:
		out[prefix] = t
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		tmp := make(map[string]any)
		flatten("", x, tmp)
		keys := make([]string, 0, len(tmp))
		for k := range tmp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s:%v", k, tmp[k]))
		}
		return strings.Join(parts, "|")
	default:
		return fmt.Sprintf("%v", x)
	}
}

func fieldValue(v any) (any, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case bool:
		return x, true
	case string:
		return x, true
	default:
		return nil, false // nil и прочее Influx не примет
	}
}

var fieldKeyRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

func fieldKey(k string) string {
	k = fieldKeyRe.ReplaceAllString(k, "_")
	if k == "" {
		return "value"
	}
	return k
}
