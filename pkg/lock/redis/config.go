// Package redis provides distributed lock implementations using Redis,
// backing the cluster-wide GC mutex (spec §5 "Locking discipline") under
// multi-instance deployment. Locker gives exclusive Redlock semantics;
// RWLocker adds reader/writer semantics for callers that need them.
package redis

import (
	"errors"
	"time"
)

// Errors returned by Redis lock operations.
var (
	ErrNoRedisAddrs       = errors.New("at least one Redis address is required")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open: Redis is unavailable")
	ErrWriteLockHeld      = errors.New("write lock already held")
	ErrReadersTimeout     = errors.New("timeout waiting for readers to finish")
	ErrWriteLockTimeout   = errors.New("timeout waiting for write lock to clear")

	ErrInsufficientNodesQuorum = errors.New("insufficient Redis nodes for quorum")
)

// Circuit breaker states.
const (
	stateOpen   = "open"
	stateClosed = "closed"
)

// Config holds Redis configuration for distributed locking.
type Config struct {
	// Addrs is a list of Redis server addresses.
	// For single node: ["localhost:6379"]
	// For cluster: ["node1:6379", "node2:6379", "node3:6379"]
	Addrs []string

	// Username for authentication (optional, required for Redis ACL).
	Username string

	// Password for authentication (optional).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// UseTLS enables TLS connection.
	UseTLS bool

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// KeyPrefix for all distributed lock keys.
	KeyPrefix string
}

// RetryConfig configures retry behavior for lock acquisition.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts.
	MaxAttempts int

	// InitialDelay is the initial retry delay.
	InitialDelay time.Duration

	// MaxDelay is the maximum retry delay (exponential backoff caps at this).
	MaxDelay time.Duration

	// Jitter enables adding random jitter to prevent thundering herd.
	Jitter bool
}
