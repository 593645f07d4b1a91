package cyberlogger // import "github.com/cyberpedia/orchestrator/cyberlogger"

import (
	"log"
	"os"
	"time"

	"github.com/cyberpedia/orchestrator/metadata"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap/zapcore"
)

// sentryCore is a custom zap core that forwards error-level entries to
// Sentry. It is only installed when SENTRY_DSN is set, so local development
// runs entirely on the console cores.
type sentryCore struct {
	// enabler decides whether the entry should be logged or not, according
	// to its level.
	enabler zapcore.LevelEnabler
	// sender is the client used to send the events to Sentry.
	sender *sentry.Client
}

// newSentryCore initializes the Sentry client and returns the core, or nil
// if Sentry is not configured for this environment.
func newSentryCore(levelEnab zapcore.LevelEnabler) zapcore.Core {
	sentryDsn := os.Getenv("SENTRY_DSN")
	if sentryDsn == "" || metadata.IsLocalEnv() {
		return nil
	}

	sender, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         sentryDsn,
		Release:     metadata.GetGitCommit(),
		Environment: metadata.GetAppEnvironmentLowercase(),
	})
	if err != nil {
		// The logger isn't constructed yet, so fall back to the standard
		// library just this once.
		log.Printf("Error starting Sentry client: %s", err)
		return nil
	}

	return &sentryCore{
		enabler: levelEnab,
		sender:  sender,
	}
}

// Enabled is used to check whether the event should be logged or not,
// depending on its level.
func (sc *sentryCore) Enabled(level zapcore.Level) bool {
	return sc.enabler.Enabled(level)
}

// With adds the fields defined in the configuration to the core.
func (sc *sentryCore) With(fields []zapcore.Field) zapcore.Core {
	return &sentryCore{
		enabler: sc.enabler,
		sender:  sc.sender,
	}
}

// Check adds the current entry to the core if its level is enabled.
func (sc *sentryCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if sc.Enabled(ent.Level) {
		return ce.AddCore(ent, sc)
	}
	return ce
}

// Write sends the entry to Sentry as an event.
func (sc *sentryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	event := sentry.NewEvent()
	event.Message = ent.Message
	event.Timestamp = ent.Time
	event.Level = sentry.LevelError

	sc.sender.CaptureEvent(event, nil, nil)
	return nil
}

// Sync flushes any buffered events to Sentry.
func (sc *sentryCore) Sync() error {
	sc.sender.Flush(5 * time.Second)
	return nil
}

// FlushSentry flushes events in the Sentry queue. Safe to call even if
// Sentry was never configured.
func FlushSentry() {
	sentry.Flush(5 * time.Second)
}
