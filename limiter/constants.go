package limiter

// Bucket backend types
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// DefaultLimitStatus is the HTTP status treated as a rate-limit signal
// when none are configured.
const DefaultLimitStatus = 429
