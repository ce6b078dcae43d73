package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Конечная структура конфигурации шлюза.
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`   // 0.0.0.0
		HTTPPort string `mapstructure:"http_port"` // 8080
	} `mapstructure:"server"`

	Gateway struct {
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`     // 10s
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`      // 0: без ping/pong
		CallTimeout     time.Duration `mapstructure:"call_timeout"`      // allocator/sink
		InboxSize       int           `mapstructure:"inbox_size"`        // кадров в очереди на соединение
		MaxMessageBytes int64         `mapstructure:"max_message_bytes"` // лимит входящего кадра
		ReplacePolicy   string        `mapstructure:"replace_policy"`    // close|keep
	} `mapstructure:"gateway"`

	Operator struct {
		BearerToken string `mapstructure:"bearer_token"` // пустой: API без авторизации
	} `mapstructure:"operator"`

	Identity struct {
		Prefix string `mapstructure:"prefix"` // sim
		Width  int    `mapstructure:"width"`  // 4 -> sim0001
	} `mapstructure:"identity"`

	Device struct {
		IoTHubHost             string `mapstructure:"iothub_host"`
		SharedAccessKey        string `mapstructure:"shared_access_key"`
		InitialRetryTimeout    int    `mapstructure:"initial_retry_timeout"`
		MaxRetry               int    `mapstructure:"max_retry"`
		MessageIntervalSeconds int    `mapstructure:"message_interval_seconds"`
	} `mapstructure:"device"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // путь/префикс файла, иначе только stdout
	} `mapstructure:"logs"`

	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" | "mysql" | "sqlite" | "" (in-memory)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Telemetry struct {
		Influx struct {
			URL         string `mapstructure:"url"` // пусто: выключен
			Token       string `mapstructure:"token"`
			Org         string `mapstructure:"org"`
			Bucket      string `mapstructure:"bucket"`
			Measurement string `mapstructure:"measurement"`
		} `mapstructure:"influx"`
		Kafka struct {
			Brokers []string `mapstructure:"brokers"` // пусто: выключен
			Topic   string   `mapstructure:"topic"`
		} `mapstructure:"kafka"`
		MQTT struct {
			Broker      string `mapstructure:"broker"` // tcp://host:1883, пусто: выключен
			ClientID    string `mapstructure:"client_id"`
			Username    string `mapstructure:"username"`
			Password    string `mapstructure:"password"`
			TopicPrefix string `mapstructure:"topic_prefix"`
			QoS         int    `mapstructure:"qos"`
		} `mapstructure:"mqtt"`
	} `mapstructure:"telemetry"`

	Presence struct {
		RedisAddr string `mapstructure:"redis_addr"` // пусто: выключен
		RedisDB   int    `mapstructure:"redis_db"`
		Stream    string `mapstructure:"stream"`
	} `mapstructure:"presence"`
}

// Load читает конфиг из env/файла с дефолтами.
// Env: ключ с "_" вместо ".", например SERVER_HTTP_PORT, TELEMETRY_KAFKA_BROKERS=a:9092,b:9092.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Источник файла
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "iotgw"))
		}
		v.AddConfigPath("/etc/iotgw")
	}

	// Чтение файла (опционально)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Все ключи должны иметь дефолт, иначе AutomaticEnv их не увидит при Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")

	v.SetDefault("gateway.write_timeout", "10s")
	v.SetDefault("gateway.idle_timeout", "0s")
	v.SetDefault("gateway.call_timeout", "10s")
	v.SetDefault("gateway.inbox_size", 64)
	v.SetDefault("gateway.max_message_bytes", 1<<20)
	v.SetDefault("gateway.replace_policy", "close")

	v.SetDefault("operator.bearer_token", "")

	v.SetDefault("identity.prefix", "sim")
	v.SetDefault("identity.width", 4)

	v.SetDefault("device.iothub_host", "")
	v.SetDefault("device.shared_access_key", "")
	v.SetDefault("device.initial_retry_timeout", 30)
	v.SetDefault("device.max_retry", 10)
	v.SetDefault("device.message_interval_seconds", 5)

	// Логи
	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "text")
	v.SetDefault("logs.file", "")

	// DB: по умолчанию in-memory (пустой driver)
	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("telemetry.influx.url", "")
	v.SetDefault("telemetry.influx.token", "")
	v.SetDefault("telemetry.influx.org", "")
	v.SetDefault("telemetry.influx.bucket", "")
	v.SetDefault("telemetry.influx.measurement", "device_report")
	v.SetDefault("telemetry.kafka.brokers", []string{})
	v.SetDefault("telemetry.kafka.topic", "device-telemetry")
	v.SetDefault("telemetry.mqtt.broker", "")
	v.SetDefault("telemetry.mqtt.client_id", "iotgw")
	v.SetDefault("telemetry.mqtt.username", "")
	v.SetDefault("telemetry.mqtt.password", "")
	v.SetDefault("telemetry.mqtt.topic_prefix", "devices")
	v.SetDefault("telemetry.mqtt.qos", 1)

	v.SetDefault("presence.redis_addr", "")
	v.SetDefault("presence.redis_db", 0)
	v.SetDefault("presence.stream", "iotgw:presence")
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	switch c.Gateway.ReplacePolicy {
	case "close", "keep":
	default:
		return fmt.Errorf("gateway.replace_policy must be close or keep, got %q", c.Gateway.ReplacePolicy)
	}
	if c.Gateway.IdleTimeout < 0 {
		return errors.New("gateway.idle_timeout must not be negative")
	}
	if c.Identity.Width < 1 || c.Identity.Width > 12 {
		return fmt.Errorf("identity.width must be in 1..12, got %d", c.Identity.Width)
	}
	if c.Device.InitialRetryTimeout <= 0 || c.Device.MaxRetry <= 0 || c.Device.MessageIntervalSeconds <= 0 {
		return errors.New("device retry/interval settings must be positive")
	}
	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Database.Driver != "" && strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn is required when database.driver is set")
	}
	if c.Telemetry.Influx.URL != "" && (c.Telemetry.Influx.Org == "" || c.Telemetry.Influx.Bucket == "") {
		return errors.New("telemetry.influx.org and bucket are required when url is set")
	}
	if c.Telemetry.MQTT.QoS < 0 || c.Telemetry.MQTT.QoS > 2 {
		return fmt.Errorf("telemetry.mqtt.qos must be 0, 1 or 2, got %d", c.Telemetry.MQTT.QoS)
	}
	return nil
}
