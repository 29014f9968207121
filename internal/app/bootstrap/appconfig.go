// internal/app/bootstrap/appconfig.go
package bootstrap

import "time"

// Store backends accepted by store_backend.
const (
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

// AppConfig holds service-specific configuration for this WAFFLE app.
//
// These values come from environment variables, configuration files, or
// command-line flags (loaded in LoadConfig). WAFFLE's CoreConfig covers the
// HTTP listener, TLS, logging and request limits; everything the progress
// service itself needs lives here.
type AppConfig struct {
	// Document store
	StoreBackend string // "mongo" (default) or "memory" for local development

	MongoURI                    string // MongoDB connection string (e.g., mongodb://localhost:27017)
	MongoDatabase               string // Database name within MongoDB
	MongoMaxPoolSize            uint64
	MongoMinPoolSize            uint64
	MongoConnectTimeout         time.Duration
	MongoServerSelectionTimeout time.Duration
	MongoSocketTimeout          time.Duration

	// Admin credentials
	AdminCode           string        // shared secret accepted in adminCode fields
	OperatorTokenKey    string        // signs operator tokens; blank disables them
	OperatorTokenMaxAge time.Duration // tokens older than this are rejected

	// Per-request store deadlines
	TimeoutShort time.Duration // single participant reads and writes
	TimeoutLong  time.Duration // fan-out writes and listings

	// Requests per minute per client IP on /progress and /hover-tracking; 0 disables.
	RateLimitPerMinute int
}
