package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"iotgw/internal/dispatch"
	"iotgw/internal/envelope"
	"iotgw/internal/logs"
	"iotgw/internal/middleware"
	"iotgw/internal/models"
	"iotgw/internal/observe"
	"iotgw/internal/presence"
	"iotgw/internal/registry"
	"iotgw/internal/telemetry"
)

// Allocator: выдача device id по uuid устройства.
type Allocator interface {
	Assign(ctx context.Context, uuid string) (string, error)
	ConfigurationFor(deviceID string) envelope.Document
}

// Acker применяет ответ устройства к команде оператора.
type Acker interface {
	Acknowledge(ctx context.Context, commandID, uuid, status string, response envelope.Document) (*dispatch.Record, error)
}

type Deps struct {
	Registry  *registry.Registry
	Allocator Allocator
	Sink      telemetry.Sink
	Acker     Acker
	Presence  presence.Publisher
}

type Options struct {
	WriteTimeout    time.Duration // на одну запись в сокет
	IdleTimeout     time.Duration // 0 = без ping/pong
	CallTimeout     time.Duration // allocator/sink/acker
	InboxSize       int
	MaxMessageBytes int64
}

// Gateway обслуживает сокеты устройств на /ws/{uuid}.
type Gateway struct {
	deps     Deps
	opts     Options
	upgrader websocket.Upgrader
}

func New(deps Deps, opts Options) *Gateway {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.LogSink{}
	}
	if deps.Presence == nil {
		deps.Presence = presence.Nop{}
	}
	return &Gateway{
		deps: deps,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// сокет устройства не аутентифицируется, граница доверия это сеть
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/{uuid}", g.handleSocket).Methods(http.MethodGet)
	r.HandleFunc("/ws", missingUUID).Methods(http.MethodGet)
	r.HandleFunc("/ws/", missingUUID).Methods(http.MethodGet)
}

func missingUUID(w http.ResponseWriter, _ *http.Request) {
	models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "device uuid is required in path /ws/{uuid}", nil)
}

func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	uuid := strings.TrimSpace(mux.Vars(r)["uuid"])
	if uuid == "" {
		missingUUID(w, r)
		return
	}
	log := logs.With("gateway").WithField("uuid", uuid)
	// upgrader пишет ответ сам, заголовки из w.Header() в него не попадают
	var hdr http.Header
	if id := middleware.GetRequestID(r); id != "" {
		log = log.WithField("reqid", id)
		hdr = http.Header{middleware.HeaderRequestID: []string{id}}
	}
	ws, err := g.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		// ответ клиенту уже записан upgrader'ом
		log.Warnf("upgrade failed: %v", err)
		return
	}
	g.serve(ws, uuid, log)
}

// serve владеет сокетом до его закрытия.
func (g *Gateway) serve(ws *websocket.Conn, uuid string, log *logrus.Entry) {
	conn := newWSConn(ws, g.opts.WriteTimeout)

	entry := g.deps.Registry.Register(uuid, conn)
	observe.SetConnected(g.deps.Registry.Len())
	log.WithField("remote", ws.RemoteAddr().String()).Info("device connected")

	s := newSession(g, entry)
	s.greet()

	// приветствие и чтение не ждут presence; disconnected уходит только после connected
	published := make(chan struct{})
	go func() {
		defer close(published)
		g.publish(presence.Connected, uuid)
	}()

	ws.SetReadLimit(g.opts.MaxMessageBytes)
	stopPing := make(chan struct{})
	if idle := g.opts.IdleTimeout; idle > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(idle))
		ws.SetPongHandler(func(string) error {
			entry.Touch()
			return ws.SetReadDeadline(time.Now().Add(idle))
		})
		go g.pingLoop(conn, idle, stopPing)
	} else {
		// снимаем дедлайн http.Server: соединение живо, пока его не закроет транспорт
		_ = ws.SetReadDeadline(time.Time{})
	}

	inbox := make(chan []byte, g.opts.InboxSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for raw := range inbox {
			s.handle(raw)
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warnf("read: %v", err)
			} else {
				log.Debugf("read loop finished: %v", err)
			}
			break
		}
		entry.Touch()
		inbox <- data
		// окно простоя считается от постановки в очередь, а не от чтения
		if g.opts.IdleTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(g.opts.IdleTimeout))
		}
	}

	close(stopPing)
	removed := g.deps.Registry.Remove(entry)
	_ = conn.Close()
	close(inbox)
	<-done // незавершённые обработчики дописывают в хранилища, но не в сокет

	observe.SetConnected(g.deps.Registry.Len())
	<-published
	if removed {
		g.publish(presence.Disconnected, uuid)
	}
	log.WithField("device_id", s.deviceID).Info("device disconnected")
}

func (g *Gateway) pingLoop(c *wsConn, idle time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(idle / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (g *Gateway) publish(kind presence.Kind, uuid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.deps.Presence.Publish(ctx, presence.Event{Kind: kind, UUID: uuid, At: time.Now().UTC()}); err != nil {
		logs.With("gateway").WithField("uuid", uuid).Warnf("presence %s: %v", kind, err)
	}
}
