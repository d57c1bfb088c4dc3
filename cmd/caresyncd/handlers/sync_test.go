// Package handlers tests exercise the HTTP endpoints against a real
// SQLite-backed stack: engine, resolver, processor, sessions, notifier.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caredock/caresync/internal/access"
	"github.com/caredock/caresync/internal/config"
	"github.com/caredock/caresync/internal/models"
	"github.com/caredock/caresync/internal/store"
	coresync "github.com/caredock/caresync/internal/sync"
	"github.com/caredock/caresync/internal/sync/conflict"
	"github.com/caredock/caresync/internal/sync/notify"
	"github.com/caredock/caresync/internal/sync/queue"
	"github.com/caredock/caresync/internal/sync/status"
	"github.com/caredock/caresync/internal/syncutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testStack struct {
	router   *gin.Engine
	store    store.Store
	notifier *notify.Notifier
}

func setupStack(t *testing.T) *testStack {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "caresync_handlers_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	st, err := store.OpenSQLite(tmpDir, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
		os.RemoveAll(tmpDir)
	})

	collections := map[string]config.CollectionConfig{
		"patients": {Strategy: config.StrategyServerWins},
		"visits":   {Strategy: config.StrategyClientWins},
	}

	provider := access.NewStaticProvider()
	provider.AllowAll("user-1")
	provider.Allow("scoped-1", []string{"patients"}, nil)

	syncCfg := config.SyncConfig{
		DefaultPageLimit:  100,
		MaxPageLimit:      500,
		MaxPages:          10,
		DeletionListLimit: 1000,
	}

	engine := coresync.NewEngine(st, provider, provider, syncCfg)
	resolver := conflict.NewResolver(st, collections)
	processor := queue.NewProcessor(st, resolver, provider)
	sessions := coresync.NewSessions(st, 5*time.Minute)
	notifier := notify.NewNotifier(st, sessions, []string{"patients", "visits"})
	aggregator := status.NewAggregator(st, 24*time.Hour)

	syncH := NewSyncHandler(engine, resolver, processor, sessions, notifier)
	statusH := NewStatusHandler(aggregator)

	r := gin.New()
	s := r.Group("/v1/sync")
	s.POST("/delta", syncH.Delta)
	s.POST("/queue", syncH.Queue)
	s.POST("/conflict", syncH.Conflict)
	s.POST("/heartbeat", syncH.Heartbeat)
	s.GET("/notifications", syncH.Notifications)
	s.POST("/notifications/ack", syncH.AckNotifications)
	s.GET("/status", statusH.Status)

	return &testStack{router: r, store: st, notifier: notifier}
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func getPath(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestDelta(t *testing.T) {
	stack := setupStack(t)
	ctx := context.Background()

	if _, err := stack.store.Create(ctx, "patients", "patient-1", models.Document{"name": "Ada"}); err != nil {
		t.Fatalf("failed to seed patient: %v", err)
	}

	rec := postJSON(t, stack.router, "/v1/sync/delta",
		`{"deviceId":"dev-1","userId":"user-1","lastSyncTimestamp":"","collections":["patients"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delta status=%d body=%s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success=true, got %v", body["success"])
	}
	results, _ := body["results"].(map[string]any)
	patients, _ := results["patients"].(map[string]any)
	docs, _ := patients["documents"].([]any)
	if len(docs) != 1 {
		t.Fatalf("expected 1 patient document, got %d (body %s)", len(docs), rec.Body.String())
	}
}

func TestDeltaInvalidJSON(t *testing.T) {
	stack := setupStack(t)

	rec := postJSON(t, stack.router, "/v1/sync/delta", `{"deviceId": nope}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["code"] != "VALIDATION_ERROR" {
		t.Errorf("unexpected error body: %s", rec.Body.String())
	}
}

func TestDeltaMissingFields(t *testing.T) {
	stack := setupStack(t)

	rec := postJSON(t, stack.router, "/v1/sync/delta", `{"userId":"user-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body %s)", rec.Code, rec.Body.String())
	}
}

func TestQueueBatch(t *testing.T) {
	stack := setupStack(t)
	ctx := context.Background()

	rec := postJSON(t, stack.router, "/v1/sync/queue", `{
		"deviceId": "dev-1",
		"userId": "user-1",
		"queuedOperations": [
			{"id":"op-1","type":"create","collection":"patients","documentId":"patient-7","data":{"name":"Grace"},"timestamp":"2026-03-01T10:00:00.000Z"},
			{"id":"op-2","type":"delete","collection":"patients","documentId":"patient-7","timestamp":"2026-03-01T10:00:01.000Z"}
		]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status=%d body=%s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success=true, got %v", body["success"])
	}
	if body["processed"] != float64(2) || body["successful"] != float64(2) || body["failed"] != float64(0) {
		t.Errorf("unexpected accounting: %s", rec.Body.String())
	}

	if _, err := stack.store.Get(ctx, "patients", "patient-7"); err == nil {
		t.Error("expected patient-7 deleted after batch")
	}
}

func TestQueuePermissionFailureIsolated(t *testing.T) {
	stack := setupStack(t)

	// scoped-1 may touch patients but not visits; the batch must report
	// one success and one failure, not abort.
	rec := postJSON(t, stack.router, "/v1/sync/queue", `{
		"deviceId": "dev-2",
		"userId": "scoped-1",
		"queuedOperations": [
			{"id":"op-a","type":"create","collection":"patients","documentId":"patient-8","data":{"name":"Lin"},"timestamp":"2026-03-01T10:00:00.000Z"},
			{"id":"op-b","type":"create","collection":"visits","documentId":"visit-1","data":{"reason":"exam"},"timestamp":"2026-03-01T10:00:01.000Z"}
		]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status=%d body=%s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["successful"] != float64(1) || body["failed"] != float64(1) {
		t.Errorf("expected 1 success and 1 failure: %s", rec.Body.String())
	}
}

func TestQueueMissingDevice(t *testing.T) {
	stack := setupStack(t)

	rec := postJSON(t, stack.router, "/v1/sync/queue", `{"userId":"user-1","queuedOperations":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestConflictServerWins(t *testing.T) {
	stack := setupStack(t)
	ctx := context.Background()

	if _, err := stack.store.Create(ctx, "patients", "patient-3", models.Document{"a": 1, "b": 2}); err != nil {
		t.Fatalf("failed to seed patient: %v", err)
	}

	rec := postJSON(t, stack.router, "/v1/sync/conflict", `{
		"collection": "patients",
		"documentId": "patient-3",
		"clientData": {"a": 9},
		"clientTimestamp": "2026-03-01T10:00:00.000Z",
		"deviceId": "dev-1",
		"userId": "user-1"
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("conflict status=%d body=%s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["success"] != true || body["strategy"] != "server_wins" {
		t.Errorf("unexpected resolution: %s", rec.Body.String())
	}
	resolved, _ := body["resolved_data"].(map[string]any)
	if resolved["a"] != float64(1) || resolved["b"] != float64(2) {
		t.Errorf("expected server copy to stand, got %v", resolved)
	}
}

func TestConflictClientWins(t *testing.T) {
	stack := setupStack(t)
	ctx := context.Background()

	if _, err := stack.store.Create(ctx, "visits", "visit-3", models.Document{"reason": "exam"}); err != nil {
		t.Fatalf("failed to seed visit: %v", err)
	}

	rec := postJSON(t, stack.router, "/v1/sync/conflict", `{
		"collection": "visits",
		"documentId": "visit-3",
		"clientData": {"reason": "follow-up"},
		"deviceId": "dev-1",
		"userId": "user-1"
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("conflict status=%d body=%s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	resolved, _ := body["resolved_data"].(map[string]any)
	if resolved["reason"] != "follow-up" {
		t.Errorf("expected client copy to win, got %v", resolved)
	}
}

func TestConflictUnconfiguredCollection(t *testing.T) {
	stack := setupStack(t)

	rec := postJSON(t, stack.router, "/v1/sync/conflict", `{
		"collection": "labs",
		"documentId": "lab-1",
		"clientData": {"x": 1},
		"deviceId": "dev-1",
		"userId": "user-1"
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["code"] != "STRATEGY_NOT_CONFIGURED" {
		t.Errorf("unexpected code: %s", rec.Body.String())
	}
}

func TestHeartbeatNotificationsAck(t *testing.T) {
	stack := setupStack(t)

	rec := postJSON(t, stack.router, "/v1/sync/heartbeat",
		`{"deviceId":"dev-1","userId":"user-1","collections":["patients"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	session, _ := body["session"].(map[string]any)
	if session["status"] != "active" {
		t.Fatalf("expected active session, got %s", rec.Body.String())
	}

	// A change from another device fans out to dev-1.
	stack.notifier.HandleEvents([]store.ChangeEvent{{
		Collection: "patients",
		DocumentID: "patient-9",
		Operation:  store.OpInsert,
		After:      models.Document{"name": "Eve"},
		Actor:      "other-device",
		Timestamp:  syncutil.Now(),
	}})

	rec = getPath(t, stack.router, "/v1/sync/notifications?deviceId=dev-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("notifications status=%d body=%s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("expected 1 pending notification, got %s", rec.Body.String())
	}
	notifications, _ := body["notifications"].([]any)
	first, _ := notifications[0].(map[string]any)
	id, _ := first["id"].(string)
	if id == "" {
		t.Fatalf("expected notification id in %s", rec.Body.String())
	}

	rec = postJSON(t, stack.router, "/v1/sync/notifications/ack",
		`{"deviceId":"dev-1","notificationIds":["`+id+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status=%d body=%s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	if body["acknowledged"] != float64(1) {
		t.Errorf("expected 1 acknowledged, got %s", rec.Body.String())
	}

	rec = getPath(t, stack.router, "/v1/sync/notifications?deviceId=dev-1")
	body = decodeBody(t, rec)
	if body["count"] != float64(0) {
		t.Errorf("expected empty backlog after ack, got %s", rec.Body.String())
	}
}

func TestNotificationsMissingDevice(t *testing.T) {
	stack := setupStack(t)

	rec := getPath(t, stack.router, "/v1/sync/notifications")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusReport(t *testing.T) {
	stack := setupStack(t)

	rec := getPath(t, stack.router, "/v1/sync/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["health"] != "healthy" {
		t.Errorf("expected healthy report, got %s", rec.Body.String())
	}
	if _, ok := body["generatedAt"].(string); !ok {
		t.Errorf("expected generatedAt in %s", rec.Body.String())
	}
}
