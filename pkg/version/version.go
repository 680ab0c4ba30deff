package version

// Version is the symbolic version of this build. It is set at build time via
// -ldflags "-X github.com/m-lab/tsn-verify/pkg/version.Version=...".
var Version = "v0.0.0"
