package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is overridden at release-build time via -ldflags.
var Version = "1.0.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the engine version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("meetingengine v%s\n", Version)
		fmt.Printf("  API version: 1\n")
		fmt.Printf("  Go version:  %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return nil
	},
}
