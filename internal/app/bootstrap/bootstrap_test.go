package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"github.com/dalemusser/conspiracypass/internal/app/system/timeouts"
	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

func validMongoConfig() AppConfig {
	return AppConfig{
		StoreBackend:     BackendMongo,
		MongoURI:         "mongodb://localhost:27017",
		MongoDatabase:    "conspiracy_pass",
		MongoMaxPoolSize: 10,
		MongoMinPoolSize: 1,
		AdminCode:        "local-admin",
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*AppConfig)
		wantErr       bool
		misconfigured bool
	}{
		{"valid mongo", func(*AppConfig) {}, false, false},
		{"memory needs no uri", func(c *AppConfig) { c.StoreBackend = BackendMemory; c.MongoURI = "" }, false, false},
		{"blank uri", func(c *AppConfig) { c.MongoURI = "" }, true, true},
		{"blank database", func(c *AppConfig) { c.MongoDatabase = " " }, true, true},
		{"unknown backend", func(c *AppConfig) { c.StoreBackend = "postgres" }, true, false},
		{"pool sizes inverted", func(c *AppConfig) { c.MongoMinPoolSize = 20 }, true, false},
		{"short token key", func(c *AppConfig) { c.OperatorTokenKey = "short" }, true, false},
		{"negative rate limit", func(c *AppConfig) { c.RateLimitPerMinute = -1 }, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validMongoConfig()
			tt.mutate(&cfg)
			err := ValidateConfig(&config.CoreConfig{}, cfg, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateConfig error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.misconfigured && !errors.Is(err, docstore.ErrMisconfigured) {
				t.Errorf("expected ErrMisconfigured, got %v", err)
			}
		})
	}
}

func TestConnectDB_Memory(t *testing.T) {
	cfg := AppConfig{StoreBackend: BackendMemory}
	deps, err := ConnectDB(context.Background(), &config.CoreConfig{}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("ConnectDB: %v", err)
	}
	if deps.Store == nil || deps.Mongo != nil {
		t.Fatalf("unexpected deps %+v", deps)
	}
	if err := EnsureSchema(context.Background(), &config.CoreConfig{}, cfg, deps, zap.NewNop()); err != nil {
		t.Errorf("EnsureSchema: %v", err)
	}
	if err := Shutdown(context.Background(), &config.CoreConfig{}, cfg, deps, zap.NewNop()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestStartup_AppliesTimeouts(t *testing.T) {
	defer timeouts.Reset()
	cfg := AppConfig{TimeoutShort: 3 * time.Second, TimeoutLong: time.Minute}
	if err := Startup(context.Background(), &config.CoreConfig{}, cfg, DBDeps{}, zap.NewNop()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if timeouts.Short() != 3*time.Second || timeouts.Long() != time.Minute {
		t.Errorf("timeouts = %+v", timeouts.Current())
	}
}

func TestBuildHandler_MountsFeatures(t *testing.T) {
	cfg := AppConfig{StoreBackend: BackendMemory, AdminCode: adminauth.DefaultCode}
	deps, err := ConnectDB(context.Background(), &config.CoreConfig{}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("ConnectDB: %v", err)
	}
	h, err := BuildHandler(&config.CoreConfig{}, cfg, deps, zap.NewNop())
	if err != nil {
		t.Fatalf("BuildHandler: %v", err)
	}

	tests := []struct {
		method, target, body string
		want                 int
	}{
		{"GET", "/health", "", http.StatusOK},
		{"GET", "/progress?code=P1", "", http.StatusOK},
		{"GET", "/api/progress?code=P1", "", http.StatusOK},
		{"GET", "/progress/config", "", http.StatusOK},
		{"OPTIONS", "/api/progress", "", http.StatusOK},
		{"PUT", "/progress?code=missions-unlock", `{"missionId":1,"adminCode":"CONSPIRACY_ADMIN"}`, http.StatusOK},
		{"GET", "/hover-tracking/summary?adminCode=CONSPIRACY_ADMIN", "", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d; body %s", tt.method, tt.target, rec.Code, tt.want, rec.Body.String())
		}
	}
}

func TestBuildHandler_RateLimit(t *testing.T) {
	cfg := AppConfig{StoreBackend: BackendMemory, RateLimitPerMinute: 2}
	deps, err := ConnectDB(context.Background(), &config.CoreConfig{}, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("ConnectDB: %v", err)
	}
	h, err := BuildHandler(&config.CoreConfig{}, cfg, deps, zap.NewNop())
	if err != nil {
		t.Fatalf("BuildHandler: %v", err)
	}

	codes := make([]int, 0, 4)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/progress?code=P1", nil))
		codes = append(codes, rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	codes = append(codes, rec.Code)

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusOK}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d = %d, want %d", i, codes[i], want[i])
		}
	}
}
