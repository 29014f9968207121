// internal/app/bootstrap/db.go
package bootstrap

import (
	"context"

	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"github.com/dalemusser/conspiracypass/internal/app/system/indexes"
	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// ConnectDB opens the configured document store.
func ConnectDB(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) (DBDeps, error) {
	if appCfg.StoreBackend == BackendMemory {
		return DBDeps{Store: docstore.NewMemory(indexes.MemoryOptions()...)}, nil
	}

	m, err := docstore.Connect(ctx, mongoConfig(appCfg), logger)
	if err != nil {
		logger.Error("document store connect failed", zap.Error(err))
		return DBDeps{}, err
	}
	return DBDeps{Store: m, Mongo: m.Database()}, nil
}

// EnsureSchema creates or reconciles indexes. The memory backend enforces
// the same unique fields itself.
func EnsureSchema(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if deps.Mongo == nil {
		return nil
	}
	if err := indexes.EnsureAll(ctx, deps.Mongo); err != nil {
		logger.Error("index setup failed", zap.Error(err))
		return err
	}
	logger.Info("indexes ensured", zap.String("database", deps.Mongo.Name()))
	return nil
}

func mongoConfig(appCfg AppConfig) docstore.Config {
	return docstore.Config{
		URI:                    appCfg.MongoURI,
		Database:               appCfg.MongoDatabase,
		MaxPoolSize:            appCfg.MongoMaxPoolSize,
		MinPoolSize:            appCfg.MongoMinPoolSize,
		ConnectTimeout:         appCfg.MongoConnectTimeout,
		ServerSelectionTimeout: appCfg.MongoServerSelectionTimeout,
		SocketTimeout:          appCfg.MongoSocketTimeout,
	}
}
