// Package docstore is the persistence seam for participant progress.
//
// A Store exposes a handful of document primitives (find, insert, update with
// upsert, bulk update, delete) over named collections and hides how the
// connection is created and reused. Two backends exist: Mongo, the production
// backend whose connection is memoized for the life of the process, and
// Memory, used by tests and by the "memory" store backend in development.
//
// Filters are equality maps (bson.M{"field": value}); an empty filter matches
// every document. Patches are bson.M values using $set, $setOnInsert and $inc.
//
// Errors are classified so callers can react differently:
//   - ErrMisconfigured: the connection string is absent or invalid; never retried
//   - ErrUnreachable: connect, server-selection or socket timeouts and network
//     failures; eligible for local fallback in the client
//   - ErrNotFound: FindOne matched nothing
//   - ErrDuplicate: a unique constraint rejected the write
package docstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Collection names used by the progress service.
const (
	Participants   = "participants"
	MissionsConfig = "missions_config"
	HoverTracking  = "hover_tracking"
)

var (
	ErrMisconfigured = errors.New("docstore: misconfigured")
	ErrUnreachable   = errors.New("docstore: store unreachable")
	ErrNotFound      = errors.New("docstore: not found")
	ErrDuplicate     = errors.New("docstore: duplicate key")
)

// UpdateResult reports the documents touched by an update.
type UpdateResult struct {
	Matched  int64
	Modified int64
	Upserted int64
}

// Store is the document primitive set. Implementations must be safe for
// concurrent use by in-flight requests sharing one connection.
type Store interface {
	FindOne(ctx context.Context, coll string, filter bson.M, out any) error
	FindAll(ctx context.Context, coll string, filter bson.M, out any) error
	InsertOne(ctx context.Context, coll string, doc any) error
	UpdateOne(ctx context.Context, coll string, filter, patch bson.M, upsert bool) (UpdateResult, error)
	UpdateMany(ctx context.Context, coll string, filter, patch bson.M) (UpdateResult, error)
	DeleteOne(ctx context.Context, coll string, filter bson.M) (int64, error)
	DeleteMany(ctx context.Context, coll string, filter bson.M) (int64, error)

	// WithTransaction runs fn atomically when the backend supports it and
	// sequentially otherwise. fn may be invoked more than once.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config holds the Mongo connection settings.
type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	SocketTimeout          time.Duration
}

// IsUnreachable reports whether err means the store could not be reached.
func IsUnreachable(err error) bool { return errors.Is(err, ErrUnreachable) }

// IsNotFound reports whether err is a FindOne miss.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
