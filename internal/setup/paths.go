package setup

// Default host locations.
var (
	// FastPathDir is where a workspace on slow storage is mirrored to.
	FastPathDir = "/var/tmp/heyiso/workspace"
	// LogFileName is created in the origin workspace unless overridden.
	LogFileName = "build.log"
)

// Environment variables forwarded from a relocating parent to its child.
const (
	EnvOrigin    = "HEYISO_ORIGIN"
	EnvRelocated = "HEYISO_RELOCATED"
	EnvLogFile   = "HEYISO_LOG_FILE"
)

// RequiredTools must be resolvable on PATH before any stage runs.
var RequiredTools = []string{"pacman"}
