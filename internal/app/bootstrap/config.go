// internal/app/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"github.com/dalemusser/waffle/config"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.uber.org/zap"
)

// appConfigKeys defines the configuration keys for the progress service.
// These are loaded via WAFFLE's config system with support for:
//   - Config files: mongo_uri, admin_code, etc.
//   - Environment variables: CONSPIRACYPASS_MONGO_URI, CONSPIRACYPASS_ADMIN_CODE, etc.
//   - Command-line flags: --mongo_uri, --admin_code, etc.
var appConfigKeys = []config.AppKey{
	{Name: "store_backend", Default: BackendMongo, Desc: "Document store backend: 'mongo' or 'memory'"},

	{Name: "mongo_uri", Default: "", Desc: "MongoDB connection URI (required for the mongo backend)"},
	{Name: "mongo_database", Default: "conspiracy_pass", Desc: "MongoDB database name"},
	{Name: "mongo_max_pool_size", Default: 10, Desc: "MongoDB max connection pool size"},
	{Name: "mongo_min_pool_size", Default: 1, Desc: "MongoDB min connection pool size"},
	{Name: "mongo_connect_timeout", Default: "10s", Desc: "MongoDB connect timeout"},
	{Name: "mongo_server_selection_timeout", Default: "5s", Desc: "MongoDB server selection timeout"},
	{Name: "mongo_socket_timeout", Default: "45s", Desc: "MongoDB socket timeout"},

	{Name: "admin_code", Default: adminauth.DefaultCode, Desc: "Shared admin code for mission and delete operations"},
	{Name: "operator_token_key", Default: "", Desc: "Key for signed operator tokens (blank disables tokens; 32+ bytes recommended)"},
	{Name: "operator_token_max_age", Default: "24h", Desc: "Maximum age of an operator token"},

	{Name: "timeout_short", Default: "10s", Desc: "Deadline for single-participant store calls"},
	{Name: "timeout_long", Default: "30s", Desc: "Deadline for fan-out store calls"},

	{Name: "rate_limit_per_minute", Default: 600, Desc: "Requests per minute per client IP (0 disables)"},
}

// LoadConfig loads WAFFLE core config and app-specific config.
//
// WAFFLE's config.LoadWithAppConfig merges .env files, config files,
// CONSPIRACYPASS_* environment variables and flags with precedence
// flags > env > files > defaults.
func LoadConfig(logger *zap.Logger) (*config.CoreConfig, AppConfig, error) {
	coreCfg, appValues, err := config.LoadWithAppConfig(logger, "CONSPIRACYPASS", appConfigKeys)
	if err != nil {
		return nil, AppConfig{}, err
	}

	appCfg := AppConfig{
		StoreBackend: strings.ToLower(strings.TrimSpace(appValues.String("store_backend"))),

		MongoURI:                    strings.TrimSpace(appValues.String("mongo_uri")),
		MongoDatabase:               appValues.String("mongo_database"),
		MongoMaxPoolSize:            uint64(appValues.Int("mongo_max_pool_size")),
		MongoMinPoolSize:            uint64(appValues.Int("mongo_min_pool_size")),
		MongoConnectTimeout:         appValues.Duration("mongo_connect_timeout", 10*time.Second),
		MongoServerSelectionTimeout: appValues.Duration("mongo_server_selection_timeout", 5*time.Second),
		MongoSocketTimeout:          appValues.Duration("mongo_socket_timeout", 45*time.Second),

		AdminCode:           appValues.String("admin_code"),
		OperatorTokenKey:    appValues.String("operator_token_key"),
		OperatorTokenMaxAge: appValues.Duration("operator_token_max_age", 24*time.Hour),

		TimeoutShort: appValues.Duration("timeout_short", 10*time.Second),
		TimeoutLong:  appValues.Duration("timeout_long", 30*time.Second),

		RateLimitPerMinute: appValues.Int("rate_limit_per_minute"),
	}
	if appCfg.StoreBackend == "" {
		appCfg.StoreBackend = BackendMongo
	}
	return coreCfg, appCfg, nil
}

// ValidateConfig performs app-specific config validation.
//
// A mongo backend without a usable URI is rejected here, before any dial is
// attempted, and reported as a misconfiguration.
func ValidateConfig(coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) error {
	switch appCfg.StoreBackend {
	case BackendMemory:
		logger.Warn("using the in-memory store; progress is lost on restart")
	case BackendMongo:
		if appCfg.MongoURI == "" {
			return fmt.Errorf("%w: mongo_uri is required for the mongo backend", docstore.ErrMisconfigured)
		}
		if err := wafflemongo.ValidateURI(appCfg.MongoURI); err != nil {
			logger.Error("invalid MongoDB URI", zap.Error(err))
			return fmt.Errorf("%w: invalid MongoDB URI: %v", docstore.ErrMisconfigured, err)
		}
		if strings.TrimSpace(appCfg.MongoDatabase) == "" {
			return fmt.Errorf("%w: mongo_database is required", docstore.ErrMisconfigured)
		}
	default:
		return fmt.Errorf("store_backend must be %q or %q, got %q", BackendMongo, BackendMemory, appCfg.StoreBackend)
	}

	if appCfg.MongoMinPoolSize > appCfg.MongoMaxPoolSize && appCfg.MongoMaxPoolSize > 0 {
		return fmt.Errorf("mongo_min_pool_size (%d) exceeds mongo_max_pool_size (%d)", appCfg.MongoMinPoolSize, appCfg.MongoMaxPoolSize)
	}
	if appCfg.AdminCode == adminauth.DefaultCode {
		logger.Warn("admin_code is the built-in default; set CONSPIRACYPASS_ADMIN_CODE in production")
	}
	if appCfg.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit_per_minute must not be negative")
	}
	if k := appCfg.OperatorTokenKey; k != "" && len(k) < 32 {
		return fmt.Errorf("operator_token_key must be at least 32 bytes")
	}
	return nil
}
