// internal/app/bootstrap/dbdeps.go
package bootstrap

import (
	"github.com/dalemusser/conspiracypass/internal/app/system/docstore"
	"go.mongodb.org/mongo-driver/mongo"
)

// DBDeps holds database/back-end dependencies for the app.
type DBDeps struct {
	// Store serves every feature. It is the Mongo store or, for the memory
	// backend, an in-process store.
	Store docstore.Store

	// Mongo is set only for the mongo backend; EnsureSchema uses it.
	Mongo *mongo.Database
}
