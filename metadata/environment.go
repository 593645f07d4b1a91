// Package metadata exposes the deployment environment the orchestrator is
// running in. It sits below every other package (including the logger), so it
// must not import anything from this module except through the standard
// library.
package metadata // import "github.com/cyberpedia/orchestrator/metadata"

import (
	"os"
	"strings"
)

// An AppEnvironment represents either localdev (i.e. an engineer's
// development machine), dev (talking to the dev platform), staging, or prod.
type AppEnvironment string

// Constants for the various AppEnvironments. DO NOT CHANGE THESE without
// understanding how any consumers of GetAppEnvironment() and
// GetAppEnvironmentLowercase() are using them!
const (
	EnvLocalDev AppEnvironment = "localdev"
	EnvDev      AppEnvironment = "dev"
	EnvStaging  AppEnvironment = "staging"
	EnvProd     AppEnvironment = "prod"
)

// GetAppEnvironment returns the AppEnvironment of the current process.
var GetAppEnvironment func() AppEnvironment = func(unmemoized func() AppEnvironment) func() AppEnvironment {
	// This nested function syntax is used to memoize the result of the first
	// call to GetAppEnvironment() and cache the result for all future calls.

	var isCached = false
	var cache AppEnvironment

	return func() AppEnvironment {
		if isCached {
			return cache
		}
		cache = unmemoized()
		isCached = true
		return cache
	}
}(func() AppEnvironment {
	env := strings.ToLower(os.Getenv("APP_ENV"))
	switch env {
	case "development", "dev":
		return EnvDev
	case "staging":
		return EnvStaging
	case "production", "prod":
		return EnvProd
	default:
		return EnvLocalDev
	}
})

// GetAppEnvironmentLowercase returns the app environment string, but just
// converted to lowercase. This is useful to construct environment-specific
// names for resources like bridge networks and cache key prefixes.
func GetAppEnvironmentLowercase() string {
	return strings.ToLower(string(GetAppEnvironment()))
}

// IsLocalEnv returns true if the orchestrator is running on an engineer's
// development machine.
func IsLocalEnv() bool {
	return GetAppEnvironment() == EnvLocalDev
}

// IsRunningInCI returns true if the orchestrator is running in continuous
// integration.
func IsRunningInCI() bool {
	strCI := strings.ToLower(os.Getenv("CI"))
	switch strCI {
	case "1", "yes", "true", "on":
		return true
	default:
		return false
	}
}

// commitHash is stamped in at link time; "local" marks uninjected
// development builds.
var commitHash = "local"

// GetGitCommit returns the git commit hash of this build.
func GetGitCommit() string {
	return commitHash
}
