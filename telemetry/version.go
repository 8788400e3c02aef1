package telemetry

// Version is the client version, reported as the instrumentation scope
// version of every span and log.
const Version = "0.3.0"

// Build information, set with -ldflags "-X".
var (
	BuildDate = "development"
	GitCommit = "unknown"
)
