package operator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"iotgw/internal/dispatch"
	"iotgw/internal/identity"
	"iotgw/internal/registry"
	"iotgw/internal/telemetry"
)

type nopConn struct {
	mu     sync.Mutex
	writes int
	closed bool
}

func (c *nopConn) WriteMessage(int, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.writes++
	return nil
}

func (c *nopConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type sinkStub struct {
	got []telemetry.Report
	err error
}

func (s *sinkStub) Record(_ context.Context, r telemetry.Report) error {
	s.got = append(s.got, r)
	return s.err
}

func (s *sinkStub) Close() error { return nil }

type env struct {
	router *mux.Router
	reg    *registry.Registry
	alloc  *identity.Allocator
	sink   *sinkStub
}

func newEnv(t *testing.T, token string) *env {
	t.Helper()
	reg := registry.New(registry.Options{})
	alloc := identity.NewAllocator(identity.NewMemoryStore(), identity.Options{Prefix: "sim", Width: 4})
	sink := &sinkStub{}
	r := mux.NewRouter()
	RegisterRoutes(r, token, Deps{
		Commands:   dispatch.New(reg, nil),
		Identities: alloc,
		Clients:    reg,
		Sink:       sink,
	})
	return &env{router: r, reg: reg, alloc: alloc, sink: sink}
}

func (e *env) do(t *testing.T, method, path, body string, hdr map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestUnicastOfflineIs404(t *testing.T) {
	e := newEnv(t, "")
	rec, body := e.do(t, http.MethodPost, "/command/ghost", `{"action":"device.start"}`, nil)
	if rec.Code != http.StatusNotFound || body["title"] != "Device Offline" {
		t.Fatalf("status %d body %v", rec.Code, body)
	}
}

func TestUnicastDelivered(t *testing.T) {
	e := newEnv(t, "")
	c := &nopConn{}
	e.reg.Register("abc", c)
	rec, body := e.do(t, http.MethodPost, "/command/abc", `{"action":"device.start","payload":{"speed":2}}`, nil)
	if rec.Code != http.StatusOK || body["status"] != "sent" || body["target_uuid"] != "abc" {
		t.Fatalf("status %d body %v", rec.Code, body)
	}
	if c.writes != 1 {
		t.Fatalf("writes = %d", c.writes)
	}

	id, _ := body["id"].(string)
	rec, body = e.do(t, http.MethodGet, "/commands/"+id, "", nil)
	if rec.Code != http.StatusOK || body["action"] != "device.start" {
		t.Fatalf("get command: %d %v", rec.Code, body)
	}
	rec, _ = e.do(t, http.MethodGet, "/commands/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown command status %d", rec.Code)
	}
}

func TestUnicastDeliveryFailureIs502(t *testing.T) {
	e := newEnv(t, "")
	c := &nopConn{closed: true}
	e.reg.Register("abc", c)
	rec, _ := e.do(t, http.MethodPost, "/command/abc", `{"action":"device.start"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCommandValidation(t *testing.T) {
	e := newEnv(t, "")
	for _, body := range []string{`{`, `{"payload":{}}`, `{"action":"  "}`} {
		rec, _ := e.do(t, http.MethodPost, "/command/broadcast", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status %d", body, rec.Code)
		}
	}
}

func TestBroadcast(t *testing.T) {
	e := newEnv(t, "")
	e.reg.Register("a", &nopConn{})
	e.reg.Register("b", &nopConn{})
	e.reg.Register("c", &nopConn{closed: true})
	rec, body := e.do(t, http.MethodPost, "/command/broadcast", `{"action":"device.stop"}`, nil)
	if rec.Code != http.StatusOK || body["delivered"] != float64(2) {
		t.Fatalf("status %d body %v", rec.Code, body)
	}
}

func TestClients(t *testing.T) {
	e := newEnv(t, "")
	e.reg.Register("b", &nopConn{})
	e.reg.Register("a", &nopConn{})
	rec, body := e.do(t, http.MethodGet, "/clients", "", nil)
	if rec.Code != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("status %d body %v", rec.Code, body)
	}
	first := body["clients"].([]any)[0].(map[string]any)
	if first["uuid"] != "a" || first["state"] != "CONNECTED" {
		t.Fatalf("unexpected client %v", first)
	}
}

func TestIdentityAdministration(t *testing.T) {
	e := newEnv(t, "")
	rec, body := e.do(t, http.MethodPost, "/identities/generate/3", "", nil)
	if rec.Code != http.StatusCreated || len(body["generated"].([]any)) != 3 {
		t.Fatalf("generate: %d %v", rec.Code, body)
	}
	rec, _ = e.do(t, http.MethodPost, "/identities/generate/0", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero count status %d", rec.Code)
	}

	if _, err := e.alloc.Assign(context.Background(), "abc"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, body = e.do(t, http.MethodGet, "/identities", "", nil)
	if body["total"] != float64(3) || body["assigned"] != float64(1) {
		t.Fatalf("list: %v", body)
	}

	c := &nopConn{}
	e.reg.Register("abc", c)
	rec, body = e.do(t, http.MethodPost, "/identities/reset", "", nil)
	if rec.Code != http.StatusOK || body["cleared"] != float64(1) || body["evicted"] != float64(0) {
		t.Fatalf("reset: %d %v", rec.Code, body)
	}
	if c.closed {
		t.Fatalf("plain reset must not touch live sockets")
	}
	_, body = e.do(t, http.MethodPost, "/identities/reset?evict=true", "", nil)
	if body["evicted"] != float64(1) || !c.closed {
		t.Fatalf("evicting reset: %v", body)
	}
}

func TestDeleteIdentities(t *testing.T) {
	e := newEnv(t, "")
	if _, err := e.alloc.Generate(context.Background(), 3); err != nil {
		t.Fatalf("generate: %v", err)
	}
	rec, body := e.do(t, http.MethodDelete, "/identities/sim0002", "", nil)
	if rec.Code != http.StatusOK || body["deleted"] != "sim0002" {
		t.Fatalf("delete: %d %v", rec.Code, body)
	}
	rec, body = e.do(t, http.MethodDelete, "/identities/sim0002", "", nil)
	if rec.Code != http.StatusNotFound || body["title"] != "Not Found" {
		t.Fatalf("unknown id: %d %v", rec.Code, body)
	}
	rec, body = e.do(t, http.MethodDelete, "/identities", "", nil)
	if rec.Code != http.StatusOK || body["deleted"] != float64(2) {
		t.Fatalf("delete all: %d %v", rec.Code, body)
	}
	_, body = e.do(t, http.MethodGet, "/identities", "", nil)
	if body["total"] != float64(0) {
		t.Fatalf("list after delete all: %v", body)
	}
}

func TestReport(t *testing.T) {
	e := newEnv(t, "")
	rec, body := e.do(t, http.MethodPost, "/report/sim0001", `{"temp":21.5}`, nil)
	if rec.Code != http.StatusOK || body["status"] != "saved" {
		t.Fatalf("status %d body %v", rec.Code, body)
	}
	if len(e.sink.got) != 1 || e.sink.got[0].DeviceID != "sim0001" || e.sink.got[0].Payload["temp"] != 21.5 {
		t.Fatalf("sink got %+v", e.sink.got)
	}

	rec, _ = e.do(t, http.MethodPost, "/report/sim0001", `[1,2]`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("array body status %d", rec.Code)
	}

	e.sink.err = telemetry.ErrSinkWrite
	rec, _ = e.do(t, http.MethodPost, "/report/sim0001", `{"temp":1}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("sink failure status %d", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	e := newEnv(t, "s3cret")
	rec, body := e.do(t, http.MethodGet, "/clients", "", nil)
	if rec.Code != http.StatusUnauthorized || body["title"] != "Unauthorized" {
		t.Fatalf("status %d body %v", rec.Code, body)
	}
	rec, _ = e.do(t, http.MethodGet, "/clients", "", map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status %d", rec.Code)
	}
	rec, _ = e.do(t, http.MethodGet, "/clients", "", map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status %d", rec.Code)
	}
}
