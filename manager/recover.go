package manager // import "github.com/cyberpedia/orchestrator/manager"

// This file contains startup crash recovery. Instance records are mirrored
// to the durable cache before the provider is asked to build anything, so
// after a crash the mirror is a superset of the real infrastructure. On
// boot we rehydrate those records: interrupted spawns are torn down (the
// provider may hold partial state), instances that were running resume
// tracking and health monitoring.

import (
	"context"

	"github.com/cyberpedia/orchestrator/cache"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/events"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/types"
)

// RecoverMirrored rehydrates instance records left in the cache by a
// previous run. Returns how many instances resumed tracking.
func (m *Manager) RecoverMirrored(ctx context.Context) (int, error) {
	keys, err := m.cache.Keys(ctx, cache.InstanceKeyPrefix+"*")
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, key := range keys {
		raw, found, err := m.cache.Get(ctx, key)
		if err != nil || !found {
			continue
		}

		rec, err := instance.UnmarshalRecord(raw)
		if err != nil {
			logger.Errorf("dropping undecodable mirrored record at %s: %s", key, err)
			if err := m.cache.Delete(ctx, key); err != nil {
				logger.Warningf("couldn't delete bad record %s: %s", key, err)
			}
			continue
		}

		inst := instance.FromRecord(rec)
		switch {
		case rec.Status.IsTerminal():
			// Stale mirror of a finished instance; just drop it.
			m.registry.RemoveMirror(ctx, inst)

		case rec.Status == instance.StatusPending, rec.Status == instance.StatusCreating,
			rec.Status == instance.StatusDestroying:
			// A spawn or destroy was cut off mid-flight. The provider may
			// hold anything from nothing to a full sandbox; run the
			// idempotent destroy to converge on nothing.
			logger.Warningf("instance %s was %s at crash time, destroying", rec.ID, rec.Status)
			m.registry.Track(inst)
			lock := m.registry.InstanceLock(rec.ID)
			lock.Lock()
			if err := m.destroyLocked(ctx, inst, true, events.TypeInstanceDestroyed); err != nil {
				logger.Errorf("couldn't converge interrupted instance %s: %s", rec.ID, err)
			}
			lock.Unlock()

		default:
			m.registry.Track(inst)
			m.checker.Schedule(m.ctx, inst)
			recovered++
			logger.Infof("recovered instance %s (%s) for user %s", rec.ID, rec.Status, rec.UserID)
		}
	}

	m.reconcileUserIndexes(ctx)

	return recovered, nil
}

// reconcileUserIndexes drops active-set entries that no longer map to a
// tracked instance. The per-user sets carry no TTL of their own, so a mirror
// key that expired while the orchestrator was down leaves its set member
// behind and would overstate the user's footprint to realtime consumers.
func (m *Manager) reconcileUserIndexes(ctx context.Context) {
	userKeys, err := m.cache.Keys(ctx, cache.UserActiveKeyPrefix+"*")
	if err != nil {
		logger.Warningf("couldn't list user index keys for reconciliation: %s", err)
		return
	}

	for _, key := range userKeys {
		members, err := m.cache.SMembers(ctx, key)
		if err != nil {
			logger.Warningf("couldn't read user index %s: %s", key, err)
			continue
		}

		for _, member := range members {
			id, err := types.ParseInstanceID(member)
			if err == nil {
				if _, err := m.registry.LookUp(id); err == nil {
					continue
				}
			}
			logger.Infof("dropping stale entry %s from user index %s", member, key)
			if err := m.cache.SRem(ctx, key, member); err != nil {
				logger.Warningf("couldn't drop stale entry %s from %s: %s", member, key, err)
			}
		}
	}
}
