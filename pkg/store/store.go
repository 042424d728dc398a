// Package store wraps the shared key-value store behind a narrow
// interface so the tracker, breaker, and approval packages depend on a
// contract rather than a concrete client (*redis.Client in production,
// an in-memory fake in tests). The concrete implementation is Redis,
// accessed through github.com/redis/go-redis/v9.
package store

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// authFailureRe matches the error strings Redis returns for a missing or
// wrong AUTH credential. The keyspace layer needs to tell these apart from
// ordinary transient failures so the breaker can force-open immediately
// instead of waiting out the normal failure-count threshold.
var authFailureRe = regexp.MustCompile(`(?i)NOAUTH|ERR AUTH`)

// AuthError wraps a connection failure classified as an authentication
// problem.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "store: auth failure: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// classifyErr wraps err in an *AuthError when its text matches the known
// Redis auth-failure patterns, otherwise returns it unchanged.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if authFailureRe.MatchString(err.Error()) {
		return &AuthError{Err: err}
	}
	return err
}

// IsAuthError reports whether err (or anything it wraps) is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ZMember is one entry of a sorted-set range, pairing a member with its
// score (used for the pending-approval and per-project indexes).
type ZMember struct {
	Member string
	Score  float64
}

// Store is the keyspace contract every other package depends on. All
// operations are asynchronous from the caller's perspective (they take a
// context and may block on network I/O); every blocking call must respect
// ctx cancellation.
type Store interface {
	// String values with optional TTL.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// Hash operations, used for the jobId->queue and sessionKey->job
	// indexes.
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Sorted-set operations, used for the pending-approval and
	// per-project learning indexes.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error)
	ZRevRangeByScore(ctx context.Context, key string, max, min float64, limit int64) ([]ZMember, error)

	// List operations, used for the per-job learning log.
	LPush(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Incr increments key by one, setting ttl on the key only if this
	// call created it, used for the per-minute dispatch rate-limit
	// counter (spec.md §4.1's ratelimit:dispatch:{caller} key).
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decr decrements key by one, floored at zero, used for the
	// active-children-per-caller counter the worker pool's fan-out
	// validation reads (spec.md §4.5 step 4).
	Decr(ctx context.Context, key string) (int64, error)

	// CAS atomically sets key to newValue and returns true only if key's
	// current value is one of wantOld (or the key does not yet exist and
	// allowMissing is true). Implemented as a Lua script so the
	// compare-and-swap is indivisible from any other client's view of
	// the key, required for approval state transitions (spec.md §3).
	CAS(ctx context.Context, key string, wantOld []string, newValue string, allowMissing bool, ttl time.Duration) (bool, error)

	// Publish and Subscribe implement the pub/sub channel used for queue
	// state-change events (spec.md §4.1).
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// Ping round-trips to the store; used by the keep-alive monitor and
	// by the orchestrator's 10s startup readiness check.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// KeepAlive runs fn on a timer until ctx is cancelled, invoking onErr
// with each failure. It is the generic shape of the periodic keep-alive
// ping spec.md §4.1 requires; pkg/orchestrator wires it with s.Ping and a
// breaker ForceOpen/ForceClose pair on auth/recovery.
func KeepAlive(ctx context.Context, interval time.Duration, fn func(context.Context) error, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				onErr(classifyErr(err))
			}
		}
	}
}
