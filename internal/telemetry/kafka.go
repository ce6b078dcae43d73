package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type KafkaOptions struct {
	Brokers []string
	Topic   string
}

// KafkaSink публикует отчёты в топик; ключ = device id, поэтому отчёты одного
// устройства попадают в одну партицию.
type KafkaSink struct {
	w *kafka.Writer
}

func NewKafkaSink(opts KafkaOptions) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (s *KafkaSink) Record(ctx context.Context, r Report) error {
	msg, err := kafkaMessage(r)
	if err != nil {
		return fmt.Errorf("%w: kafka encode: %v", ErrSinkWrite, err)
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: kafka: %v", ErrSinkWrite, err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.w.Close() }

func kafkaMessage(r Report) (kafka.Message, error) {
	value, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, err
	}
	headers := []kafka.Header{{Key: "device_uuid", Value: []byte(r.DeviceUUID)}}
	if r.Action != "" {
		headers = append(headers, kafka.Header{Key: "action", Value: []byte(r.Action)})
	}
	return kafka.Message{
		Key:     []byte(r.Key()),
		Value:   value,
		Headers: headers,
		Time:    r.Timestamp,
	}, nil
}
