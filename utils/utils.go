package utils // import "github.com/cyberpedia/orchestrator/utils"

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
)

// MakeError is a helper function to create an error from a format string and
// arguments. We use this instead of importing fmt directly in service code so
// that fmt never sneaks into packages that should be logging through
// cyberlogger instead.
func MakeError(format string, v ...interface{}) error {
	return fmt.Errorf(format, v...)
}

// Sprintf is a helper function to create a string from a format string and
// arguments, for the same reason as MakeError.
func Sprintf(format string, v ...interface{}) string {
	return fmt.Sprintf(format, v...)
}

// RandHex returns a hex string of the provided number of random bytes (i.e.
// the resulting string is twice as long as the byte count).
func RandHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// NewCanarySecret mints a fresh canary secret. We prefix a short uuid with
// random hex so tokens remain greppable in logs and sandbox filesystems
// while staying unique across instances.
func NewCanarySecret() string {
	return Sprintf("canary-%s-%s", shortuuid.New(), RandHex(8))
}

// StopAndDrainTimer correctly stops a time.Timer, making sure to drain its
// channel if the timer already fired. See the time.Timer.Stop documentation
// for why the drain is necessary.
func StopAndDrainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// WaitWithTimeout waits on a WaitGroup, but gives up after the provided
// timeout. It returns true if the WaitGroup finished in time. We use this
// during shutdown so a single stuck goroutine can't hold the whole process
// hostage forever.
func WaitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer StopAndDrainTimer(timer)

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
