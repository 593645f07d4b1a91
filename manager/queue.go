package manager // import "github.com/cyberpedia/orchestrator/manager"

// This file contains the durable spawn retry queue. When a provider reports
// capacity exhaustion the request is parked in the cache rather than failed,
// so a burst of spawns at competition start degrades into a short queue
// instead of a wall of errors. The queue survives orchestrator restarts.

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cyberpedia/orchestrator/cache"
	"github.com/cyberpedia/orchestrator/config"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/events"
	"github.com/cyberpedia/orchestrator/provider"
)

// queuedSpawn is the wire form of a parked spawn request.
type queuedSpawn struct {
	Request  SpawnRequest `json:"request"`
	QueuedAt time.Time    `json:"queued_at"`
}

// enqueueRetry parks a spawn request on the durable queue.
func (m *Manager) enqueueRetry(ctx context.Context, req SpawnRequest) {
	raw, err := json.Marshal(queuedSpawn{Request: req, QueuedAt: time.Now().UTC()})
	if err != nil {
		logger.Errorf("couldn't marshal queued spawn for user %s: %s", req.UserID, err)
		return
	}
	if err := m.cache.LPush(ctx, cache.SpawnRetryQueueKey, string(raw)); err != nil {
		logger.Errorf("couldn't queue spawn for user %s: %s", req.UserID, err)
		return
	}

	m.emitter.Emit(events.TypeSpawnQueued, map[string]interface{}{
		"challenge_id": string(req.ChallengeID),
		"user_id":      string(req.UserID),
		"sandbox_type": string(req.SandboxType),
	})
	logger.Infof("queued spawn of challenge %s for user %s pending capacity", req.ChallengeID, req.UserID)
}

// QueueDepth reports how many spawn requests are currently parked.
func (m *Manager) QueueDepth(ctx context.Context) (int, error) {
	entries, err := m.cache.LRange(ctx, cache.SpawnRetryQueueKey, 0, -1)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// RunRetryWorker drains the retry queue until ctx is cancelled. Intended to
// run as a dedicated goroutine owned by the service main.
func (m *Manager) RunRetryWorker(ctx context.Context) {
	logger.Infof("spawn retry worker started")
	for {
		select {
		case <-ctx.Done():
			logger.Infof("spawn retry worker stopping: %s", ctx.Err())
			return
		default:
		}

		raw, err := m.cache.BRPop(ctx, 5*time.Second, cache.SpawnRetryQueueKey)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Errorf("couldn't pop from spawn retry queue: %s", err)
			// Don't busy-loop against a down cache.
			time.Sleep(time.Second)
			continue
		}
		if raw == "" {
			continue
		}

		var entry queuedSpawn
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			logger.Errorf("dropping undecodable spawn queue entry: %s", err)
			continue
		}

		m.retrySpawn(ctx, entry)
	}
}

// retrySpawn replays a parked request against the provider with exponential
// backoff. Requests that still can't get capacity after the configured
// attempts are dropped with an error; by then the competition-start burst
// has either drained or the fleet is genuinely full and a human has to act.
func (m *Manager) retrySpawn(ctx context.Context, entry queuedSpawn) {
	maxAttempts, base, ceiling := config.GetSpawnRetryPolicy()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.MaxInterval = ceiling
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++

		inst, err := m.admit(ctx, entry.Request)
		if err != nil {
			// Quota and validation failures won't improve with waiting; the
			// user's situation changed while the request sat queued.
			return backoff.Permanent(err)
		}
		if err := m.provision(ctx, inst); err != nil {
			if provider.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	var wrapped backoff.BackOff = backoff.WithContext(policy, ctx)
	if maxAttempts > 0 {
		wrapped = backoff.WithMaxRetries(wrapped, uint64(maxAttempts-1))
	}

	if err := backoff.Retry(operation, wrapped); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			logger.Warningf("queued spawn of challenge %s for user %s rejected: %s",
				entry.Request.ChallengeID, entry.Request.UserID, err)
			return
		}
		logger.Errorf("giving up on queued spawn of challenge %s for user %s after %d attempts: %s",
			entry.Request.ChallengeID, entry.Request.UserID, attempt, err)
		return
	}

	logger.Infof("queued spawn of challenge %s for user %s succeeded on attempt %d (waited since %s)",
		entry.Request.ChallengeID, entry.Request.UserID, attempt, entry.QueuedAt.Format(time.RFC3339))
}
