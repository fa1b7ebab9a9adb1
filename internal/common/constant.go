package common

// AuthorizationHeader carries the bearer credential on outbound requests.
const AuthorizationHeader = "Authorization"

// IdempotencyKeyHeader lets the remote deduplicate a redelivered entry.
const IdempotencyKeyHeader = "Idempotency-Key"

// DefaultMaxRetries is the automatic delivery budget of a pending entry.
const DefaultMaxRetries = 3

// Metadata keys persisted in the local store.
const (
	MetaSessionToken = "session_token"
	MetaLastOnline   = "last_online"
	MetaLastSync     = "last_sync"
)
