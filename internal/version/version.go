package version

// Set at build time with -ldflags "-X github.com/Norgate-AV/linter-cache/internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String returns the full version line used by --version style output
func String() string {
	return "linter-cache " + Version + " (" + Commit + ") " + BuildTime
}
