package provider // import "github.com/cyberpedia/orchestrator/provider"

import (
	"context"
	"errors"
	"strings"

	"github.com/cyberpedia/orchestrator/utils"
)

// Sentinel errors providers wrap to signal the manager's retry policy.
var (
	// ErrResourceExhausted means the backend has no capacity right now.
	// The manager queues the request durably and retries with backoff.
	ErrResourceExhausted = errors.New("provider resources exhausted")

	// ErrSpawnTimeout means the spawn ran past its deadline. Partial state
	// has been (or will be) torn down; the attempt is retryable.
	ErrSpawnTimeout = errors.New("provider spawn timed out")
)

// ResourceExhausted wraps err (or creates a fresh error from format) marking
// it as a capacity failure.
func ResourceExhausted(format string, v ...interface{}) error {
	return utils.MakeError("%w: "+format, append([]interface{}{ErrResourceExhausted}, v...)...)
}

// IsRetryable classifies a provider error: capacity failures, timeouts and
// transient backend conditions (the 409/429/5xx family in HTTP-shaped
// backends) are worth retrying; everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrSpawnTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Backend SDKs don't share an error taxonomy, so fall back to matching
	// the well-known transient phrasings they emit.
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"conflict",
		"too many requests",
		"service unavailable",
		"temporarily unavailable",
		"connection refused",
		"connection reset",
		"i/o timeout",
		"throttl",
		"rate exceeded",
		"insufficientinstancecapacity",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
