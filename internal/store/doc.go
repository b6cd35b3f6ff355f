// Package store provides persistence for the control plane.
//
// # Architecture
//
// Every component persists through the small Store interface: opaque
// key/value records plus named member sets used as indexes. Records are
// JSON encoded by the GetJSON, PutJSON and LoadSet helpers so the
// backends never see domain types.
//
// Three backends implement Store:
//
//   - SQLiteStore: a local database file, the default
//   - RedisStore: a shared Redis server, with an optional key prefix
//   - MemoryStore: process-local maps for tests and throwaway runs
//
// Open selects one from Options.Driver.
//
// # SQLite Configuration
//
// The SQLite backend enables WAL mode and a busy timeout:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Default: opamp-gateway.db in the working directory
//   - Override: OPAMP_DB_PATH
//   - Testing: :memory: or a t.TempDir() path
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: the key does not exist
//   - ErrUnavailable: the backend could not be reached
//
// Both wrap the fleet package sentinels so callers above the store can
// test for them without importing this package. All methods accept
// context.Context for cancellation support.
//
// # Migrations
//
// SQLite migrations are embedded and run with goose on open. Migration
// files live in internal/store/migrations/ with numeric prefixes.
package store
