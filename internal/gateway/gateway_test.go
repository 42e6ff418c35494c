package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/groupgate/internal/gateway"
	"github.com/basket/groupgate/internal/persistence"
	"github.com/basket/groupgate/internal/registry"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "groupgate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRegistry(t *testing.T, store *persistence.Store) *registry.Registry {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "main"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r := registry.New(root, store, "main")
	if err := r.Register(context.Background(), registry.Group{JID: "main@groupgate", Name: "Main", Folder: "main", IsMain: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestHandleHealthz_ReportsDBOK(t *testing.T) {
	store := openTestStore(t)
	reg := newTestRegistry(t, store)
	srv := gateway.New(gateway.Config{Store: store, Registry: reg})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["db_ok"] != true {
		t.Fatalf("expected db_ok=true, got %v", body["db_ok"])
	}
	if int(body["group_count"].(float64)) != 1 {
		t.Fatalf("expected group_count=1, got %v", body["group_count"])
	}
}

func TestHandleGroups_ListsRegisteredGroups(t *testing.T) {
	store := openTestStore(t)
	reg := newTestRegistry(t, store)
	srv := gateway.New(gateway.Config{Store: store, Registry: reg})

	req := httptest.NewRequest("GET", "/groups", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var groups []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(groups) != 1 || groups[0]["jid"] != "main@groupgate" {
		t.Fatalf("unexpected groups payload: %v", groups)
	}
}

func TestHandleGroups_RejectsNonGET(t *testing.T) {
	store := openTestStore(t)
	reg := newTestRegistry(t, store)
	srv := gateway.New(gateway.Config{Store: store, Registry: reg})

	req := httptest.NewRequest("POST", "/groups", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleTasks_ListsTasksAcrossRegisteredGroups(t *testing.T) {
	store := openTestStore(t)
	reg := newTestRegistry(t, store)
	ctx := context.Background()
	if err := store.InsertTask(ctx, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "main", ChatJID: "main@groupgate",
		Prompt: "say hi", ScheduleType: persistence.ScheduleOnce, NextRun: "2026-01-01T00:00:00Z", Status: "active",
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	srv := gateway.New(gateway.Config{Store: store, Registry: reg})
	req := httptest.NewRequest("GET", "/tasks", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tasks []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(tasks) != 1 || tasks[0]["id"] != "t1" {
		t.Fatalf("unexpected tasks payload: %v", tasks)
	}
}

func TestHandleTasks_ScopedByGroupQueryParam(t *testing.T) {
	store := openTestStore(t)
	reg := newTestRegistry(t, store)
	ctx := context.Background()
	if err := store.InsertTask(ctx, persistence.ScheduledTask{
		ID: "t1", GroupFolder: "main", ChatJID: "main@groupgate",
		ScheduleType: persistence.ScheduleOnce, Status: "active",
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	srv := gateway.New(gateway.Config{Store: store, Registry: reg})
	req := httptest.NewRequest("GET", "/tasks?group=nonexistent", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var tasks []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks for an unrelated group, got %v", tasks)
	}
}
