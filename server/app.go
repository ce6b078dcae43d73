package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"iotgw/config"
	"iotgw/internal/db"
	"iotgw/internal/dispatch"
	"iotgw/internal/gateway"
	"iotgw/internal/health"
	"iotgw/internal/identity"
	"iotgw/internal/logs"
	"iotgw/internal/middleware"
	"iotgw/internal/observe"
	"iotgw/internal/operator"
	"iotgw/internal/presence"
	"iotgw/internal/registry"
	"iotgw/internal/repo"
	"iotgw/internal/telemetry"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	Registry   *registry.Registry
	Allocator  *identity.Allocator
	Dispatcher *dispatch.Dispatcher
	sink       telemetry.Sink
	presence   presence.Publisher

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})

	/* 2) DB (опционально) */
	if drv := cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		if err := db.Migrate(d); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
		a.db = d
		logs.Logger.Infof("database: %s", drv)
	} else {
		logs.Logger.Warn("database driver not set, identities and commands are kept in memory")
	}

	/* 3) Хранилища: БД через адаптеры или in-memory */
	var (
		idStore  identity.Store
		cmdStore dispatch.Store
		sinks    []telemetry.Sink
	)
	if a.db != nil {
		idStore = newIdentityAdapter(repo.NewIdentityStore(a.db))
		cmdStore = newCommandAdapter(repo.NewCommandStore(a.db))
		sinks = append(sinks, newTelemetryAdapter(repo.NewTelemetryStore(a.db)))
	} else {
		idStore = identity.NewMemoryStore()
		cmdStore = dispatch.NewMemoryStore()
	}
	sinks = append(sinks, a.externalSinks()...)
	a.sink = telemetry.Combine(sinks...)

	a.presence = presence.Publisher(presence.Nop{})
	if addr := cfg.Presence.RedisAddr; addr != "" {
		a.presence = presence.NewRedis(addr, cfg.Presence.RedisDB, cfg.Presence.Stream)
		logs.Logger.Infof("presence: redis %s stream %s", addr, cfg.Presence.Stream)
	}

	/* 4) Ядро шлюза */
	a.Registry = registry.New(registry.Options{Replace: registry.ReplacePolicy(cfg.Gateway.ReplacePolicy)})
	a.Allocator = identity.NewAllocator(idStore, identity.Options{
		Prefix: cfg.Identity.Prefix,
		Width:  cfg.Identity.Width,
		Device: identity.DeviceConfig{
			IoTHubHost:             cfg.Device.IoTHubHost,
			SharedAccessKey:        cfg.Device.SharedAccessKey,
			InitialRetryTimeout:    cfg.Device.InitialRetryTimeout,
			MaxRetry:               cfg.Device.MaxRetry,
			MessageIntervalSeconds: cfg.Device.MessageIntervalSeconds,
		},
	})
	a.Dispatcher = dispatch.New(a.Registry, cmdStore)
	gw := gateway.New(gateway.Deps{
		Registry:  a.Registry,
		Allocator: a.Allocator,
		Sink:      a.sink,
		Acker:     a.Dispatcher,
		Presence:  a.presence,
	}, gateway.Options{
		WriteTimeout:    cfg.Gateway.WriteTimeout,
		IdleTimeout:     cfg.Gateway.IdleTimeout,
		CallTimeout:     cfg.Gateway.CallTimeout,
		InboxSize:       cfg.Gateway.InboxSize,
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
	})

	/* 5) Router + middleware */
	a.Router = mux.NewRouter()
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 6) Health + metrics */
	checks := map[string]health.Check{}
	if a.db != nil {
		checks["database"] = health.DBCheck(a.db)
	}
	if rp, ok := a.presence.(*presence.RedisPublisher); ok {
		checks["presence"] = rp.Ping
	}
	health.RegisterRoutes(a.Router, checks)
	a.Router.Handle("/metrics", observe.Handler()).Methods(http.MethodGet)

	/* 7) Сокеты устройств + API оператора */
	gw.RegisterRoutes(a.Router)
	operator.RegisterRoutes(a.Router, cfg.Operator.BearerToken, operator.Deps{
		Commands:   a.Dispatcher,
		Identities: a.Allocator,
		Clients:    a.Registry,
		Sink:       a.sink,
	})
	if cfg.Operator.BearerToken == "" {
		logs.Logger.Warn("operator.bearer_token is empty, operator API is unauthenticated")
	}

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := rt.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

func (a *App) externalSinks() []telemetry.Sink {
	t := a.cfg.Telemetry
	var out []telemetry.Sink
	if t.Influx.URL != "" {
		out = append(out, telemetry.NewInfluxSink(telemetry.InfluxOptions{
			URL:         t.Influx.URL,
			Token:       t.Influx.Token,
			Org:         t.Influx.Org,
			Bucket:      t.Influx.Bucket,
			Measurement: t.Influx.Measurement,
		}))
		logs.Logger.Infof("telemetry: influx %s bucket %s", t.Influx.URL, t.Influx.Bucket)
	}
	if len(t.Kafka.Brokers) > 0 {
		out = append(out, telemetry.NewKafkaSink(telemetry.KafkaOptions{
			Brokers: t.Kafka.Brokers,
			Topic:   t.Kafka.Topic,
		}))
		logs.Logger.Infof("telemetry: kafka %v topic %s", t.Kafka.Brokers, t.Kafka.Topic)
	}
	if t.MQTT.Broker != "" {
		out = append(out, telemetry.NewMQTTSink(telemetry.MQTTOptions{
			Broker:      t.MQTT.Broker,
			ClientID:    t.MQTT.ClientID,
			Username:    t.MQTT.Username,
			Password:    t.MQTT.Password,
			TopicPrefix: t.MQTT.TopicPrefix,
			QoS:         byte(t.MQTT.QoS),
		}))
		logs.Logger.Infof("telemetry: mqtt %s", t.MQTT.Broker)
	}
	return out
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	defer a.cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case s := <-sigs:
			logs.Logger.Infof("shutdown signal: %s", s)
			a.cancel()
		case <-a.ctx.Done():
		}
	}()

	// ReadTimeout/WriteTimeout для сокетов устройств снимаются после upgrade
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

// shutdown: перестать принимать, закрыть сокеты устройств, затем внешние клиенты.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Shutdown не ждёт hijacked-соединения
	if n := a.Registry.EvictAll(); n > 0 {
		logs.Logger.Infof("closed %d device sockets", n)
	}
	if err := a.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry close: %w", err))
	}
	if err := a.presence.Close(); err != nil {
		errs = append(errs, fmt.Errorf("presence close: %w", err))
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		logs.Logger.Errorf("shutdown: %v", err)
	}
	return err
}
