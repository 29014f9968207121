package health_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dalemusser/conspiracypass/internal/app/features/health"
	"github.com/dalemusser/conspiracypass/internal/testutil"
	"go.uber.org/zap"
)

type healthBody struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Backend  string `json:"backend"`
	Error    string `json:"error"`
}

func serve(t *testing.T, h *health.Handler) (*httptest.ResponseRecorder, healthBody) {
	t.Helper()
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	health.Routes(h).ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want %q", ct, "application/json")
	}
	var body healthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return rec, body
}

func TestServe_DatabaseConnected(t *testing.T) {
	h := health.NewHandler(testutil.NewMemoryStore(), "memory", zap.NewNop())

	rec, body := serve(t, h)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body.Status != "ok" || body.Database != "connected" || body.Backend != "memory" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestServe_DatabaseUnavailable(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.SetUnreachable(true)
	h := health.NewHandler(store, "memory", zap.NewNop())

	rec, body := serve(t, h)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
	if body.Status != "error" || body.Database != "disconnected" || body.Error == "" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestServe_Mongo(t *testing.T) {
	h := health.NewHandler(testutil.SetupMongoStore(t), "mongo", zap.NewNop())

	rec, body := serve(t, h)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body.Database != "connected" {
		t.Errorf("database: got %q, want connected", body.Database)
	}
}
