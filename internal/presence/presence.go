package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	Connected    Kind = "connected"
	Disconnected Kind = "disconnected"
)

// Event: смена присутствия устройства.
type Event struct {
	Kind Kind      `json:"kind"`
	UUID string    `json:"uuid"`
	At   time.Time `json:"at"`
}

// Publisher получает события подключения/отключения.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// RedisPublisher пишет события в Redis stream (XADD, поле data = JSON).
type RedisPublisher struct {
	cli    *redis.Client
	stream string
	maxLen int64
}

func NewRedis(addr string, db int, stream string) *RedisPublisher {
	if stream == "" {
		stream = "iotgw:presence"
	}
	return &RedisPublisher{
		cli:    redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		stream: stream,
		maxLen: 10000,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"data": payload, "uuid": ev.UUID, "kind": string(ev.Kind)},
	}).Err()
}

// Ping: проверка доступности для /readyz.
func (p *RedisPublisher) Ping(ctx context.Context) error { return p.cli.Ping(ctx).Err() }

func (p *RedisPublisher) Close() error { return p.cli.Close() }
