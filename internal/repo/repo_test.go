package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"iotgw/internal/db"
	"iotgw/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	d, err := db.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return d
}

func TestIdentityCreateSkipsExisting(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()
	created, err := s.Create(ctx, []string{"sim0001", "sim0002"})
	if err != nil || len(created) != 2 {
		t.Fatalf("create = %v, %v", created, err)
	}
	created, err = s.Create(ctx, []string{"sim0002", "sim0003"})
	if err != nil || len(created) != 1 || created[0] != "sim0003" {
		t.Fatalf("second create = %v, %v", created, err)
	}
	list, err := s.List(ctx)
	if err != nil || len(list) != 3 || list[0].DeviceID != "sim0001" {
		t.Fatalf("list = %+v, %v", list, err)
	}
}

func TestIdentityAssignOldestAndConflict(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()
	if _, err := s.Create(ctx, []string{"sim0002", "sim0001"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	id, err := s.FindOldestUnassigned(ctx)
	if err != nil || id != "sim0001" {
		t.Fatalf("oldest = %s, %v", id, err)
	}
	if err := s.Assign(ctx, id, "abc"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.Assign(ctx, id, "def"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second assign should conflict, got %v", err)
	}
	if err := s.Assign(ctx, "sim9999", "def"); !errors.Is(err, ErrConflict) {
		t.Fatalf("unknown slot should conflict, got %v", err)
	}

	got, err := s.GetByUUID(ctx, "abc")
	if err != nil || got == nil || got.DeviceID != "sim0001" || got.AssignedAt == nil {
		t.Fatalf("by uuid = %+v, %v", got, err)
	}
	if none, err := s.GetByUUID(ctx, "nobody"); err != nil || none != nil {
		t.Fatalf("expected nil for unknown uuid, got %+v, %v", none, err)
	}

	id, _ = s.FindOldestUnassigned(ctx)
	_ = s.Assign(ctx, id, "def")
	if _, err := s.FindOldestUnassigned(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on a full pool, got %v", err)
	}
}

func TestIdentityConcurrentClaimSingleWinner(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()
	if _, err := s.Create(ctx, []string{"sim0001"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Assign(ctx, "sim0001", fmt.Sprintf("u%d", i))
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, ErrConflict):
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestIdentityResetAll(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()
	_, _ = s.Create(ctx, []string{"sim0001", "sim0002", "sim0003"})
	_ = s.Assign(ctx, "sim0001", "a")
	_ = s.Assign(ctx, "sim0003", "b")

	n, err := s.ResetAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("reset = %d, %v", n, err)
	}
	list, _ := s.List(ctx)
	for _, d := range list {
		if d.AssignedUUID != nil || d.AssignedAt != nil {
			t.Fatalf("slot %s still assigned", d.DeviceID)
		}
	}
}

func TestIdentityDelete(t *testing.T) {
	s := NewIdentityStore(openTestDB(t))
	ctx := context.Background()
	_, _ = s.Create(ctx, []string{"sim0001", "sim0002", "sim0003"})
	_ = s.Assign(ctx, "sim0002", "a")

	if err := s.Delete(ctx, "sim0002"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "sim0002"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if d, err := s.GetByUUID(ctx, "a"); err != nil || d != nil {
		t.Fatalf("deleted slot still owned: %+v, %v", d, err)
	}

	n, err := s.DeleteAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("delete all = %d, %v", n, err)
	}
	if list, _ := s.List(ctx); len(list) != 0 {
		t.Fatalf("pool not empty: %d", len(list))
	}
	if n, err := s.DeleteAll(ctx); err != nil || n != 0 {
		t.Fatalf("delete all on empty pool = %d, %v", n, err)
	}
}

func TestTelemetryInsertAndList(t *testing.T) {
	s := NewTelemetryStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.Insert(ctx, &models.TelemetryRecord{
			DeviceID:   "sim0001",
			DeviceUUID: "abc",
			MessageID:  fmt.Sprintf("r%d", i),
			Payload:    datatypes.JSON(fmt.Sprintf(`{"temp":%d}`, 20+i)),
			ReportedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	out, err := s.ListByDevice(ctx, "sim0001", 2)
	if err != nil || len(out) != 2 || out[0].MessageID != "r2" {
		t.Fatalf("list = %+v, %v", out, err)
	}
}

func TestCommandLifecycle(t *testing.T) {
	s := NewCommandStore(openTestDB(t))
	ctx := context.Background()
	c := &models.Command{
		ID:         "cmd-1",
		TargetUUID: "abc",
		Action:     "device.start",
		Payload:    datatypes.JSON(`{}`),
		Status:     "sent",
	}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetDelivered(ctx, "cmd-1", 1); err != nil {
		t.Fatalf("set delivered: %v", err)
	}
	got, err := s.SetResult(ctx, "cmd-1", "completed", "abc", datatypes.JSON(`{"ok":true}`))
	if err != nil || got.Status != "completed" || got.RespondedBy != "abc" || got.Delivered != 1 {
		t.Fatalf("set result = %+v, %v", got, err)
	}
	if _, err := s.SetResult(ctx, "missing", "failed", "abc", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetDelivered(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
