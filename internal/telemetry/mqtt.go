package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"iotgw/internal/logs"
)

type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // devices -> devices/<device_id>/report
	QoS         byte
}

// MQTTSink ретранслирует отчёты в брокер.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTSink подключается с автопереподключением; первое подключение
// продолжает попытки в фоне, запись до него вернёт ошибку.
func NewMQTTSink(opts MQTTOptions) *MQTTSink {
	log := logs.With("telemetry.mqtt")
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.OnConnect = func(mqtt.Client) { log.Infof("connected to %s", opts.Broker) }
	co.OnConnectionLost = func(_ mqtt.Client, err error) { log.Warnf("connection lost: %v", err) }

	client := mqtt.NewClient(co)
	client.Connect() // с SetConnectRetry токен не ждём
	prefix := strings.TrimSuffix(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = "devices"
	}
	return &MQTTSink{client: client, prefix: prefix, qos: opts.QoS}
}

func (s *MQTTSink) Record(ctx context.Context, r Report) error {
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("%w: mqtt: not connected", ErrSinkWrite)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: mqtt encode: %v", ErrSinkWrite, err)
	}
	tok := s.client.Publish(reportTopic(s.prefix, r), s.qos, false, body)
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: mqtt: %v", ErrSinkWrite, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: mqtt: %v", ErrSinkWrite, err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

func reportTopic(prefix string, r Report) string {
	return prefix + "/" + r.Key() + "/report"
}
