// Package events fans notable orchestrator transitions out to realtime
// subscribers (the WebSocket broadcaster and admin dashboard) over the
// durable cache's pub/sub channel. Emission is strictly fire-and-forget:
// a broken subscriber pipeline must never fail an orchestration operation.
package events // import "github.com/cyberpedia/orchestrator/events"

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cyberpedia/orchestrator/cache"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
)

// Event types emitted by the orchestrator.
const (
	TypeInstanceSpawned   = "instance_spawned"
	TypeInstanceDestroyed = "instance_destroyed"
	TypeInstanceExpired   = "instance_expired"
	TypeInstanceZombie    = "instance_zombie_reaped"
	TypeHealthDegraded    = "instance_health_degraded"
	TypeHealthRecovered   = "instance_health_recovered"
	TypeSpawnQueued       = "spawn_request_queued"
)

// Emitter publishes orchestrator events.
type Emitter interface {
	Emit(eventType string, data map[string]interface{})
}

type cacheEmitter struct {
	cache cache.Cache
}

// NewEmitter returns an Emitter publishing to the cache's event channel.
func NewEmitter(c cache.Cache) Emitter {
	return &cacheEmitter{cache: c}
}

// Emit publishes the event. Failures are logged and swallowed.
func (e *cacheEmitter) Emit(eventType string, data map[string]interface{}) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"data":      data,
	})
	if err != nil {
		logger.Errorf("couldn't marshal %s event: %s", eventType, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.cache.Publish(ctx, cache.EventChannel, string(payload)); err != nil {
		logger.Warningf("couldn't publish %s event: %s", eventType, err)
	}
}
