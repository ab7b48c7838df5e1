package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build information. Populated at build time via -ldflags; commit
// falls back to the VCS revision stamped by the Go toolchain.
var (
	Version   = "1.0.0-beta.1"
	Commit    = "none"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit, and build date of gatewarden.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gatewarden %s\n", Version)
		fmt.Printf("  Commit:     %s\n", buildCommit())
		fmt.Printf("  Built:      %s\n", BuildDate)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// buildCommit prefers the ldflags value; when absent it reads the
// vcs.revision embedded by `go build` so plain builds still report
// their commit.
func buildCommit() string {
	if Commit != "none" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return Commit
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
