package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Redis client settings
const (
	RedisPoolSize    = 10
	RedisDialTimeout = 5 * time.Second
	RedisOpTimeout   = time.Second
)

// Rate limiting
const (
	RateLimitWindow      = time.Minute
	AdminRateLimitPerMin = 60
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Pairing worker
const (
	MaxConnectAttempts   = 3
	ReconnectDelay       = 2 * time.Second
	SyncCaptureWindow    = 15 * time.Second
	IdentityPollAttempts = 10
	IdentityPollDelay    = 500 * time.Millisecond
	SyncRecordTimeout    = 30 * time.Second
)

// Provisioning engine
const (
	HealthCheckInterval    = 2 * time.Second
	HealthCheckAttempts    = 15
	HealthRequiredRunning  = 3
	ReaperInterval         = 5 * time.Minute
	ReaperStaleAge         = 30 * time.Minute
	ReaperOrphanGrace      = 5 * time.Minute
	ReconcileStartupBudget = 2 * time.Minute
)

// Event snapshots are dropped this long after a session reaches a terminal state.
const SnapshotRetention = 10 * time.Minute

// Background jobs
const (
	CleanupJobInterval = 5 * time.Minute
	// DeployStaleAge is how long a session may sit in deploying before it is
	// considered abandoned.
	DeployStaleAge = 10 * time.Minute
)
