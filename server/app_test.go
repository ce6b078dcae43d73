package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"iotgw/config"
	"iotgw/internal/dispatch"
	"iotgw/internal/envelope"
	"iotgw/internal/repo"
)

type captureConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *captureConn) Close() error { return nil }

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{}
	cfg.Logging.Level = "error"
	cfg.Identity.Prefix = "sim"
	cfg.Identity.Width = 4
	cfg.Gateway.ReplacePolicy = "close"
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))

	a := &App{}
	if err := a.Initialize(cfg); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return a
}

func (a *App) serve(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestApp(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec, _ := a.serve(t, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
	}
}

func TestIdentitiesPersistInDatabase(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	rec, _ := a.serve(t, http.MethodPost, "/identities/generate/2", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("generate status %d", rec.Code)
	}
	id, err := a.Allocator.Assign(ctx, "u-1")
	if err != nil || id != "sim0001" {
		t.Fatalf("assign: %q %v", id, err)
	}
	again, err := a.Allocator.Assign(ctx, "u-1")
	if err != nil || again != id {
		t.Fatalf("reassign: %q %v", again, err)
	}

	_, body := a.serve(t, http.MethodGet, "/identities", "")
	if body["total"] != float64(2) || body["assigned"] != float64(1) {
		t.Fatalf("identities: %v", body)
	}
}

func TestDeleteIdentityThroughDatabase(t *testing.T) {
	a := newTestApp(t)
	if _, err := a.Allocator.Generate(context.Background(), 2); err != nil {
		t.Fatalf("generate: %v", err)
	}
	rec, _ := a.serve(t, http.MethodDelete, "/identities/sim0001", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	rec, _ = a.serve(t, http.MethodDelete, "/identities/sim0001", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("repeat delete status %d", rec.Code)
	}
	_, body := a.serve(t, http.MethodDelete, "/identities", "")
	if body["deleted"] != float64(1) {
		t.Fatalf("delete all: %v", body)
	}
}

func TestReportLandsInTelemetryTable(t *testing.T) {
	a := newTestApp(t)
	rec, body := a.serve(t, http.MethodPost, "/report/sim0007", `{"temp":20}`)
	if rec.Code != http.StatusOK || body["status"] != "saved" {
		t.Fatalf("status %d body %v", rec.Code, body)
	}
	rows, err := repo.NewTelemetryStore(a.db).ListByDevice(context.Background(), "sim0007", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows %d err %v", len(rows), err)
	}
	if !strings.Contains(string(rows[0].Payload), `"temp"`) {
		t.Fatalf("payload %s", rows[0].Payload)
	}
}

func TestCommandLifecycleInDatabase(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	conn := &captureConn{}
	a.Registry.Register("dev-1", conn)

	cmd, err := a.Dispatcher.Unicast(ctx, "dev-1", "device.start", envelope.Document{"speed": 3})
	if err != nil {
		t.Fatalf("unicast: %v", err)
	}
	if len(conn.frames) != 1 {
		t.Fatalf("frames = %d", len(conn.frames))
	}

	if _, err := a.Dispatcher.Acknowledge(ctx, cmd.ID, "dev-1", "success", envelope.Document{"ok": true}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	got, err := a.Dispatcher.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dispatch.StatusCompleted || got.RespondedBy != "dev-1" || got.Response["ok"] != true {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Payload["speed"] != float64(3) {
		t.Fatalf("payload %v", got.Payload)
	}

	if _, err := a.Dispatcher.Get(ctx, "missing"); !errors.Is(err, dispatch.ErrCommandNotFound) {
		t.Fatalf("missing command: %v", err)
	}
}
