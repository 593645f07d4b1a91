package main

import (
	// NOTE: The "fmt" or "log" packages should never be imported!!! This is
	// so that we never forget to send a message via Sentry. Instead, use the
	// cyberlogger package imported below as `logger`.

	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	// We use this package instead of the standard library log so that we
	// never forget to send a message via Sentry. For the same reason, we
	// make sure not to import the fmt package either, instead separating
	// required functionality into this imported package as well.
	logger "github.com/cyberpedia/orchestrator/cyberlogger"

	"github.com/cyberpedia/orchestrator/cache"
	"github.com/cyberpedia/orchestrator/config"
	"github.com/cyberpedia/orchestrator/events"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/manager"
	"github.com/cyberpedia/orchestrator/metadata"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/provider/docker"
	"github.com/cyberpedia/orchestrator/provider/firecracker"
	"github.com/cyberpedia/orchestrator/provider/terraform"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

func init() {
	// The container and microVM providers manage host networking and the
	// jailer, both of which need root.
	if os.Geteuid() != 0 {
		// A "real" panic is fine in an init function: we haven't entered
		// main() yet, so there is nothing to clean up.
		logger.Panicf(nil, "The orchestrator service needs to run as root!")
	}
}

// buildProviders constructs every sandbox provider this host can serve. The
// container provider is mandatory; microVM and cloud providers are attached
// only if their host prerequisites are present, so a dev laptop without
// /dev/kvm still runs the container-only configuration.
func buildProviders(globalCtx context.Context) (map[types.SandboxType]provider.SandboxProvider, error) {
	providers := make(map[types.SandboxType]provider.SandboxProvider)

	containerProvider, err := docker.New()
	if err != nil {
		return nil, utils.MakeError("couldn't create container provider: %s", err)
	}
	providers[containerProvider.Name()] = containerProvider

	if vmProvider, err := firecracker.New(); err != nil {
		logger.Warningf("microVM sandboxes disabled on this host: %s", err)
	} else {
		providers[vmProvider.Name()] = vmProvider
	}

	for _, cloudType := range []types.SandboxType{types.SandboxTypeCloudAWS, types.SandboxTypeCloudGCP} {
		if cloudProvider, err := terraform.New(globalCtx, cloudType); err != nil {
			logger.Warningf("%s sandboxes disabled on this host: %s", cloudType, err)
		} else {
			providers[cloudProvider.Name()] = cloudProvider
		}
	}

	return providers, nil
}

func main() {
	// We create a global context (i.e. for the entire orchestrator service)
	// that can be cancelled if the entire program needs to terminate. We
	// also create a WaitGroup for all goroutines to tell us when they've
	// stopped (if the context gets cancelled). Finally, we defer a function
	// which cancels the global context if necessary, logs any panic we might
	// be recovering from, and cleans up after the entire service. The
	// creation of this context and WaitGroup, and the following defer, must
	// be the first statements in main().
	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := sync.WaitGroup{}

	var orchestrator *manager.Manager
	var store cache.Cache

	defer func() {
		// This function cleanly shuts down the orchestrator. Besides the
		// host machine itself being forcefully shut down, this deferred
		// function should be the _only_ way the service exits: as a result
		// of a panic() in main, the global context being cancelled, or a
		// Ctrl+C interrupt.

		// Catch any panics that might have originated in main() or one of
		// its direct children.
		r := recover()
		if r != nil {
			logger.Infof("Shutting down orchestrator after caught panic in main(): %v", r)
		} else {
			logger.Infof("Beginning orchestrator shutdown procedure...")
		}

		// Cancel the global context, if it hasn't already been cancelled.
		globalCancel()

		// Wait for all goroutines to stop, so we can run the rest of the
		// cleanup process.
		if !utils.WaitWithTimeout(&goroutineTracker, 2*time.Minute) {
			logger.Errorf("Some goroutines didn't stop within the shutdown deadline; proceeding with cleanup anyway")
		}

		// Destroy every live sandbox. Player sandboxes must never outlive
		// the orchestrator that meters and supervises them.
		if orchestrator != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := orchestrator.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Shutdown left instances behind: %s", err)
			}
			shutdownCancel()
		}

		if store != nil {
			if err := store.Close(); err != nil {
				logger.Errorf("Couldn't close cache connection: %s", err)
			}
		}

		// Drain to Sentry, but don't yet stop recording new events, in case
		// the shutdown itself fails.
		logger.FlushSentry()

		logger.Info("Finished orchestrator shutdown procedure. Finally exiting...")
		logger.Close()
		os.Exit(0)
	}()

	configPath := flag.String("config", "", "path to an optional TOML config file")
	flag.Parse()

	// Log the Git commit of the running executable.
	logger.Infof("Challenge Instance Orchestrator Version: %s", metadata.GetGitCommit())
	logger.Infof("Running in environment: %s", metadata.GetAppEnvironment())

	if err := config.Initialize(*configPath); err != nil {
		logger.Panic(globalCancel, err)
	}

	var err error
	store, err = cache.NewRedisCache(config.GetRedisAddress(), config.GetRedisPassword())
	if err != nil {
		logger.Panic(globalCancel, err)
	}

	providers, err := buildProviders(globalCtx)
	if err != nil {
		logger.Panic(globalCancel, err)
	}
	logger.Infof("Serving %d sandbox types", len(providers))

	registry := instance.NewRegistry(store)
	orchestrator = manager.New(globalCtx, registry, providers, store, events.NewEmitter(store))

	// Records mirrored by a previous run come first: interrupted spawns are
	// converged to destroyed, running instances resume health monitoring.
	if recovered, err := orchestrator.RecoverMirrored(globalCtx); err != nil {
		logger.Errorf("Crash recovery failed, starting with an empty registry: %s", err)
	} else if recovered > 0 {
		logger.Infof("Recovered %d instances from a previous run", recovered)
	}

	if err := orchestrator.StartBackgroundLoops(); err != nil {
		logger.Panic(globalCancel, err)
	}

	// The retry worker replays spawns that were parked for lack of
	// capacity. The queue is durable, so a backlog can predate this run.
	if depth, err := orchestrator.QueueDepth(globalCtx); err != nil {
		logger.Warningf("Couldn't read spawn retry queue depth: %s", err)
	} else if depth > 0 {
		logger.Infof("Resuming %d queued spawn requests from a previous run", depth)
	}
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		orchestrator.RunRetryWorker(globalCtx)
	}()

	// Register a signal handler for Ctrl-C so that we cleanly shut down.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Orchestrator started successfully.")

	// Wait for either the global context to get cancelled by a worker
	// goroutine or for us to receive an interrupt. This needs to be the
	// last statement in main(), so that all the necessary cleanup happens
	// in the deferred function above.
	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled")
	}
}
