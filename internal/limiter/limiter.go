// Package limiter throttles failed device authentication attempts on the ingest server.
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"time"
)

// Limiter controls token checks per (device, client ip) and temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and the retry-after otherwise.
	Allow(ctx context.Context, deviceID string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a valid token.
	Success(ctx context.Context, deviceID string, ipHash []byte) error
	// Failure records a rejected token; may place a temporary block.
	Failure(ctx context.Context, deviceID string, ipHash []byte) (bool, time.Duration, error)
}

// Policy is the lockout rule: MaxFails failures within Window block for BlockFor.
type Policy struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// DefaultPolicy blocks for 15 minutes after 5 failures within 15 minutes.
var DefaultPolicy = Policy{Window: 15 * time.Minute, MaxFails: 5, BlockFor: 15 * time.Minute}

// HashIP returns a stable hash of the host part of addr so raw addresses are never stored.
func HashIP(addr string) []byte {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	h := sha256.Sum256([]byte(host))
	return h[:]
}
