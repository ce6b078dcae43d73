package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"iotgw/internal/envelope"
	"iotgw/internal/logs"
	"iotgw/internal/observe"
)

// ErrClosed: запись уже снята с учёта, писать в сокет нельзя.
var ErrClosed = errors.New("registry: connection closed")

// Conn: транспортный дескриптор устройства. *websocket.Conn подходит напрямую.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ReplacePolicy: что делать со старым сокетом при повторной регистрации uuid.
type ReplacePolicy string

const (
	ReplaceClose ReplacePolicy = "close" // закрыть прежний сокет
	ReplaceKeep  ReplacePolicy = "keep"  // оставить (возможна утечка)
)

type Options struct {
	Replace ReplacePolicy
}

type Info struct {
	UUID           string    `json:"uuid"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	State          State     `json:"state"`
}

// Registry: таблица живых соединений по deviceUuid.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	opts    Options
}

func New(opts Options) *Registry {
	if opts.Replace == "" {
		opts.Replace = ReplaceClose
	}
	return &Registry{entries: make(map[string]*Entry), opts: opts}
}

// Register добавляет соединение; существующая запись с тем же uuid заменяется.
func (r *Registry) Register(uuid string, conn Conn) *Entry {
	e := newEntry(uuid, conn)
	r.mu.Lock()
	prev := r.entries[uuid]
	r.entries[uuid] = e
	r.mu.Unlock()

	if prev != nil {
		log := logs.With("registry").WithField("uuid", uuid)
		if r.opts.Replace == ReplaceClose {
			_ = prev.Close()
			log.Info("replaced connection, previous socket closed")
		} else {
			prev.detach()
			log.Warn("replaced connection, previous socket left open")
		}
	}
	return e
}

// Unregister идемпотентен: для отсутствующего uuid no-op.
func (r *Registry) Unregister(uuid string) {
	r.mu.Lock()
	e, ok := r.entries[uuid]
	if ok {
		delete(r.entries, uuid)
	}
	r.mu.Unlock()
	if ok {
		e.detach()
	}
}

// Remove снимает e только если она всё ещё текущая для своего uuid.
// Обработчик вытесненного соединения не должен удалять новую запись.
func (r *Registry) Remove(e *Entry) bool {
	r.mu.Lock()
	cur, ok := r.entries[e.uuid]
	removed := ok && cur == e
	if removed {
		delete(r.entries, e.uuid)
	}
	r.mu.Unlock()
	e.detach()
	return removed
}

func (r *Registry) IsConnected(uuid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[uuid]
	return ok
}

func (r *Registry) Get(uuid string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[uuid]
	return e, ok
}

// SendTo пишет at-most-once, без повторов и очередей.
func (r *Registry) SendTo(uuid string, env *envelope.Envelope) bool {
	e, ok := r.Get(uuid)
	if !ok {
		return false
	}
	if err := e.Send(env); err != nil {
		logs.With("registry").WithField("uuid", uuid).Warnf("send failed: %v", err)
		return false
	}
	return true
}

// Broadcast доставляет env всем, кроме exclude, по снимку на момент вызова.
// Возвращает число успешных записей.
func (r *Registry) Broadcast(env *envelope.Envelope, exclude string) int {
	data, err := envelope.Encode(env)
	if err != nil {
		logs.With("registry").Errorf("broadcast encode: %v", err)
		return 0
	}
	delivered := 0
	for _, e := range r.entriesSnapshot() {
		if exclude != "" && e.uuid == exclude {
			continue
		}
		if err := e.write(data); err != nil {
			logs.With("registry").WithField("uuid", e.uuid).Warnf("broadcast write failed: %v", err)
			continue
		}
		observe.IncOutbound(string(env.Type))
		delivered++
	}
	return delivered
}

// Snapshot: список записей, отсортированный по uuid.
func (r *Registry) Snapshot() []Info {
	list := r.entriesSnapshot()
	out := make([]Info, 0, len(list))
	for _, e := range list {
		out = append(out, e.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// EvictAll закрывает все сокеты; записи снимают их обработчики.
func (r *Registry) EvictAll() int {
	list := r.entriesSnapshot()
	for _, e := range list {
		_ = e.conn.Close()
	}
	return len(list)
}

func (r *Registry) entriesSnapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	return list
}

/* ───── Entry ───── */

// Entry: одно живое соединение. Владеет сокетом; записи сериализованы.
type Entry struct {
	uuid        string
	conn        Conn
	connectedAt time.Time

	lastActivity atomic.Int64 // unix nano
	state        atomic.Value // State

	writeMu sync.Mutex
	closed  bool
}

func newEntry(uuid string, conn Conn) *Entry {
	e := &Entry{uuid: uuid, conn: conn, connectedAt: time.Now().UTC()}
	e.lastActivity.Store(e.connectedAt.UnixNano())
	e.state.Store(StateConnected)
	return e
}

func (e *Entry) UUID() string           { return e.uuid }
func (e *Entry) ConnectedAt() time.Time { return e.connectedAt }

func (e *Entry) LastActivityAt() time.Time {
	return time.Unix(0, e.lastActivity.Load()).UTC()
}

// Touch обновляет lastActivityAt.
func (e *Entry) Touch() { e.lastActivity.Store(time.Now().UnixNano()) }

func (e *Entry) State() State { return e.state.Load().(State) }

// SetState не выводит запись из CLOSED.
func (e *Entry) SetState(s State) {
	for {
		cur := e.state.Load()
		if cur == StateClosed {
			return
		}
		if e.state.CompareAndSwap(cur, s) {
			return
		}
	}
}

func (e *Entry) Info() Info {
	return Info{
		UUID:           e.uuid,
		ConnectedAt:    e.connectedAt,
		LastActivityAt: e.LastActivityAt(),
		State:          e.State(),
	}
}

// Send кодирует и пишет конверт в сокет.
func (e *Entry) Send(env *envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := e.write(data); err != nil {
		return err
	}
	observe.IncOutbound(string(env.Type))
	return nil
}

// Close закрывает сокет и запрещает дальнейшие записи.
func (e *Entry) Close() error {
	err := e.conn.Close()
	e.detach()
	return err
}

func (e *Entry) write(data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *Entry) detach() {
	e.writeMu.Lock()
	e.closed = true
	e.writeMu.Unlock()
	e.state.Store(StateClosed)
}
