package config

// Linker-injected build metadata variables, set at compile time:
//
//	go build -ldflags "-X bagbot/internal/config.version=1.2.3 \
//	    -X bagbot/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X bagbot/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo constructs a BuildInfo from the linker-injected variables.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
