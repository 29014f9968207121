// internal/app/bootstrap/routes.go
package bootstrap

import (
	"net/http"
	"time"

	healthfeature "github.com/dalemusser/conspiracypass/internal/app/features/health"
	hoverfeature "github.com/dalemusser/conspiracypass/internal/app/features/hovertracking"
	progressfeature "github.com/dalemusser/conspiracypass/internal/app/features/progress"
	hoverstore "github.com/dalemusser/conspiracypass/internal/app/store/hovertracking"
	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/app/system/ratelimit"
	"github.com/dalemusser/waffle/config"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// BuildHandler constructs the root HTTP handler (router) for this WAFFLE app.
//
// The progress protocol is served at both /progress and /api/progress so
// clients built against either path keep working.
func BuildHandler(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) (http.Handler, error) {
	var tokenKey []byte
	if appCfg.OperatorTokenKey != "" {
		tokenKey = []byte(appCfg.OperatorTokenKey)
	}
	auth := adminauth.New(appCfg.AdminCode, tokenKey, appCfg.OperatorTokenMaxAge)

	// The limiter lives for the whole process.
	var limiter *ratelimit.Limiter
	if appCfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.New(appCfg.RateLimitPerMinute, time.Minute)
	}
	limit := ratelimit.Middleware(limiter, logger)

	r := chi.NewRouter()

	// Health check endpoint for load balancers and orchestrators
	healthHandler := healthfeature.NewHandler(deps.Store, appCfg.StoreBackend, logger)
	r.Mount("/health", healthfeature.Routes(healthHandler))

	// Progress sync
	syncer := progressfeature.NewSyncer(deps.Store, logger)
	progressHandler := progressfeature.NewHandler(syncer, auth, logger)
	r.With(limit).Mount("/progress", progressfeature.Routes(progressHandler))
	r.With(limit).Mount("/api/progress", progressfeature.Routes(progressHandler))

	// Hover telemetry
	hoverHandler := hoverfeature.NewHandler(hoverstore.New(deps.Store), auth, logger)
	r.With(limit).Mount("/hover-tracking", hoverfeature.Routes(hoverHandler))
	r.With(limit).Mount("/api/hover-tracking", hoverfeature.Routes(hoverHandler))

	return r, nil
}
