package instance // import "github.com/cyberpedia/orchestrator/instance"

// This file contains the code to track all ChallengeInstances the
// orchestrator currently owns. We need this both to look instances up by ID
// from the manager, and to serialize operations: the registry owns the
// per-instance and per-user lock banks every mutation path goes through.

import (
	"context"
	"sync"
	"time"

	"github.com/cyberpedia/orchestrator/cache"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

// Registry is the in-memory map of live instances plus its durable cache
// mirror. The in-memory map is authoritative while the process is up; the
// mirror exists so a crash mid-spawn leaves a recoverable record and so
// realtime consumers can read instance state without touching this process.
type Registry struct {
	cache cache.Cache

	mu        sync.RWMutex
	instances map[types.InstanceID]ChallengeInstance

	// lockMu guards the lock banks themselves. The per-instance locks
	// serialize spawn/destroy/health/extend on one instance; the per-user
	// locks serialize the quota-check-then-create sequence so two
	// concurrent spawns by the same user can't both pass the check.
	lockMu        sync.Mutex
	instanceLocks map[types.InstanceID]*sync.Mutex
	userLocks     map[types.UserID]*sync.Mutex
}

// NewRegistry creates an empty registry mirroring into the given cache.
func NewRegistry(c cache.Cache) *Registry {
	return &Registry{
		cache:         c,
		instances:     make(map[types.InstanceID]ChallengeInstance),
		instanceLocks: make(map[types.InstanceID]*sync.Mutex),
		userLocks:     make(map[types.UserID]*sync.Mutex),
	}
}

// Track registers an instance in the in-memory map.
func (r *Registry) Track(inst ChallengeInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.GetID()] = inst
}

// Untrack removes an instance from the in-memory map. The caller is
// responsible for having cleaned up the cache mirror first.
func (r *Registry) Untrack(id types.InstanceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)

	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	delete(r.instanceLocks, id)
}

// LookUp finds an instance by its ID.
func (r *Registry) LookUp(id types.InstanceID) (ChallengeInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inst, ok := r.instances[id]; ok {
		return inst, nil
	}
	return nil, utils.MakeError("couldn't find instance with ID %s", id)
}

// All returns a snapshot slice of every tracked instance.
func (r *Registry) All() []ChallengeInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ChallengeInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// ActiveForUser returns every active instance owned by the given user.
func (r *Registry) ActiveForUser(userID types.UserID) []ChallengeInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ChallengeInstance
	for _, inst := range r.instances {
		if inst.GetUserID() == userID && inst.IsActive() {
			out = append(out, inst)
		}
	}
	return out
}

// InstanceLock returns the mutex serializing operations on one instance ID.
// The lock outlives lookups: it exists from the moment an operation first
// references the ID until Untrack.
func (r *Registry) InstanceLock(id types.InstanceID) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	if lock, ok := r.instanceLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	r.instanceLocks[id] = lock
	return lock
}

// UserLock returns the mutex serializing spawn attempts by one user. User
// locks are never deleted; the set of users is small and bounded by the
// competition roster.
func (r *Registry) UserLock(userID types.UserID) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	if lock, ok := r.userLocks[userID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	r.userLocks[userID] = lock
	return lock
}

// Mirror writes the instance's current snapshot into the durable cache with
// a TTL equal to its remaining lifetime, and indexes it in its user's
// active set. Mirror failures are logged, not returned: the in-memory map
// stays authoritative and a missed mirror heals on the next write.
func (r *Registry) Mirror(ctx context.Context, inst ChallengeInstance) {
	rec := inst.Snapshot()
	raw, err := MarshalRecord(rec)
	if err != nil {
		logger.Errorf("couldn't mirror instance %s: %s", rec.ID, err)
		return
	}

	// Give even near-expiry records a short grace period so the cleanup
	// loop can observe them before the cache drops the entry.
	ttl := inst.RemainingLifetime()
	if ttl > 0 && ttl < time.Minute {
		ttl = time.Minute
	}

	if err := r.cache.Set(ctx, cache.InstanceKey(rec.ID.String()), raw, ttl); err != nil {
		logger.Errorf("couldn't mirror instance %s to cache: %s", rec.ID, err)
	}

	if rec.Status.IsActive() {
		if err := r.cache.SAdd(ctx, cache.UserActiveKey(string(rec.UserID)), rec.ID.String()); err != nil {
			logger.Errorf("couldn't index instance %s for user %s: %s", rec.ID, rec.UserID, err)
		}
	}
}

// RemoveMirror deletes the instance's cache record and active-set entry.
func (r *Registry) RemoveMirror(ctx context.Context, inst ChallengeInstance) {
	id := inst.GetID()
	if err := r.cache.Delete(ctx, cache.InstanceKey(id.String())); err != nil {
		logger.Errorf("couldn't delete cache mirror of instance %s: %s", id, err)
	}
	if err := r.cache.SRem(ctx, cache.UserActiveKey(string(inst.GetUserID())), id.String()); err != nil {
		logger.Errorf("couldn't deindex instance %s for user %s: %s", id, inst.GetUserID(), err)
	}
}
