package docstore

import "time"

const (
	// PackageName is the import path of the module root, used to name
	// tracers and job types.
	PackageName = "github.com/evergreen-ci/docstore"

	// ClientVersion is reported by the command line tool.
	ClientVersion = "2025-07-01"

	// DefaultAppName is reported to the server in the connection handshake
	// when no application name is configured.
	DefaultAppName = "docstore"

	DefaultConnectTimeout = 3 * time.Second
	DefaultPingAttempts   = 3

	// EnvPrefix prefixes every database setting read from the process
	// environment (e.g. MONGO_URI, MONGO_COMPRESSORS).
	EnvPrefix = "MONGO"

	DefaultMigrationBatchSize  = 1000
	DefaultMigrationInFlight   = 4
	DefaultLocalQueueWorkers   = 2
	DefaultLocalQueueCapacity  = 1024
	DefaultServiceConfFileName = "docstore.yml"
)

// ObjectTooLargeErrorCode is the server error code (BSONObjectTooLarge)
// reported when an encoded command or document exceeds the maximum
// BSON size.
const ObjectTooLargeErrorCode = 10334
