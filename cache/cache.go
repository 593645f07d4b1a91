// Package cache provides the durable key-value store the orchestrator
// mirrors its state into. The orchestrator only needs get/put/delete with
// TTL semantics, list and set primitives for its queues and indexes, and a
// pub/sub publish for event fan-out; the production implementation is Redis.
package cache // import "github.com/cyberpedia/orchestrator/cache"

import (
	"context"
	"time"
)

// Cache is the contract the orchestrator holds against the durable store.
// TTLs are expressed as the owning instance's remaining lifetime so entries
// self-expire in step with instance expiry; a zero TTL means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Keys lists the keys matching a glob pattern. Used only by startup
	// recovery; hot paths never scan.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// List primitives, used for the durable spawn retry queue.
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, error)

	// Set primitives, used for the per-user active-instance index.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Publish fans a payload out to realtime subscribers.
	Publish(ctx context.Context, channel string, payload string) error

	Close() error
}

// Key conventions shared by the orchestrator and the platform's realtime
// subscribers. Changing these breaks downstream dashboard consumers.
const (
	InstanceKeyPrefix   = "orchestrator:instance:"  // + instance_id -> instance JSON
	UserActiveKeyPrefix = "orchestrator:user:"      // + user_id -> set of instance_ids
	SpawnRetryQueueKey  = "orchestrator:spawnqueue" // list of queued spawn request JSON
	EventChannel        = "orchestrator:events"     // pub/sub channel for emitted events
)

// InstanceKey returns the cache key holding the mirrored record for an
// instance ID.
func InstanceKey(instanceID string) string {
	return InstanceKeyPrefix + instanceID
}

// UserActiveKey returns the cache key of the set of a user's active
// instance IDs.
func UserActiveKey(userID string) string {
	return UserActiveKeyPrefix + userID
}
