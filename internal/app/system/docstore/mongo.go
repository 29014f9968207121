// internal/app/system/docstore/mongo.go
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dalemusser/conspiracypass/internal/app/system/txn"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
	"go.uber.org/zap"
)

// Mongo is the MongoDB-backed Store.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
}

// The process-wide handle. It is created lazily by the first successful
// Connect and reused by every later call; it is never torn down except by Close.
var (
	sharedMu sync.Mutex
	shared   *Mongo
)

// Connect returns the memoized Mongo store, dialing on first use.
//
// The driver connects lazily, so an unreachable server surfaces as
// ErrUnreachable on the first operation rather than here. A blank or invalid
// URI returns ErrMisconfigured without dialing. Failed dials are not memoized.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Mongo, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return shared, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("%w: mongo connection string is not set", ErrMisconfigured)
	}
	if err := wafflemongo.ValidateURI(cfg.URI); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, fmt.Errorf("%w: mongo database name is not set", ErrMisconfigured)
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetWriteConcern(writeconcern.Majority())
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.MinPoolSize > 0 {
		opts.SetMinPoolSize(cfg.MinPoolSize)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(cfg.ServerSelectionTimeout)
	}
	if cfg.SocketTimeout > 0 {
		opts.SetSocketTimeout(cfg.SocketTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, classify(err)
	}

	logger.Info("mongo client created",
		zap.String("database", cfg.Database),
		zap.Uint64("max_pool_size", cfg.MaxPoolSize),
		zap.Uint64("min_pool_size", cfg.MinPoolSize),
		zap.Duration("server_selection_timeout", cfg.ServerSelectionTimeout))

	shared = &Mongo{
		client: client,
		db:     client.Database(cfg.Database),
		log:    logger,
	}
	return shared, nil
}

// NewMongo wraps an existing database handle without memoizing it.
// Tests use it with a per-test database.
func NewMongo(db *mongo.Database, logger *zap.Logger) *Mongo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mongo{client: db.Client(), db: db, log: logger}
}

// Database exposes the underlying database for index management.
func (m *Mongo) Database() *mongo.Database { return m.db }

func (m *Mongo) FindOne(ctx context.Context, coll string, filter bson.M, out any) error {
	return classify(m.db.Collection(coll).FindOne(ctx, orAll(filter)).Decode(out))
}

func (m *Mongo) FindAll(ctx context.Context, coll string, filter bson.M, out any) error {
	cur, err := m.db.Collection(coll).Find(ctx, orAll(filter))
	if err != nil {
		return classify(err)
	}
	defer cur.Close(ctx)
	return classify(cur.All(ctx, out))
}

func (m *Mongo) InsertOne(ctx context.Context, coll string, doc any) error {
	_, err := m.db.Collection(coll).InsertOne(ctx, doc)
	return classify(err)
}

func (m *Mongo) UpdateOne(ctx context.Context, coll string, filter, patch bson.M, upsert bool) (UpdateResult, error) {
	res, err := m.db.Collection(coll).UpdateOne(ctx, orAll(filter), patch, options.Update().SetUpsert(upsert))
	if err != nil {
		return UpdateResult{}, classify(err)
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, Upserted: res.UpsertedCount}, nil
}

func (m *Mongo) UpdateMany(ctx context.Context, coll string, filter, patch bson.M) (UpdateResult, error) {
	res, err := m.db.Collection(coll).UpdateMany(ctx, orAll(filter), patch)
	if err != nil {
		return UpdateResult{}, classify(err)
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, Upserted: res.UpsertedCount}, nil
}

func (m *Mongo) DeleteOne(ctx context.Context, coll string, filter bson.M) (int64, error) {
	res, err := m.db.Collection(coll).DeleteOne(ctx, orAll(filter))
	if err != nil {
		return 0, classify(err)
	}
	return res.DeletedCount, nil
}

func (m *Mongo) DeleteMany(ctx context.Context, coll string, filter bson.M) (int64, error) {
	res, err := m.db.Collection(coll).DeleteMany(ctx, orAll(filter))
	if err != nil {
		return 0, classify(err)
	}
	return res.DeletedCount, nil
}

// WithTransaction uses a multi-document transaction on replica sets and falls
// back to running fn directly on standalone servers.
func (m *Mongo) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return classify(txn.Run(ctx, m.db, m.log, fn))
}

func (m *Mongo) Ping(ctx context.Context) error {
	return classify(m.client.Ping(ctx, readpref.Primary()))
}

// Close disconnects the client. Closing the shared handle clears the memo so
// a later Connect dials again.
func (m *Mongo) Close(ctx context.Context) error {
	sharedMu.Lock()
	if shared == m {
		shared = nil
	}
	sharedMu.Unlock()
	return m.client.Disconnect(ctx)
}

func orAll(filter bson.M) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return filter
}

// classify maps driver errors onto the package sentinels. Errors already
// classified pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrUnreachable), errors.Is(err, ErrMisconfigured):
		return err
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case wafflemongo.IsDup(err), mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case isUnreachable(err):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

func isUnreachable(err error) bool {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}
	if errors.Is(err, topology.ErrServerSelectionTimeout) {
		return true
	}
	var sse topology.ServerSelectionError
	return errors.As(err, &sse)
}
