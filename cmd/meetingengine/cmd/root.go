// Package cmd implements C10's CLI surface: a cobra root command that
// starts the engine, plus a version subcommand.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meetingengine",
	Short: "Localhost meeting session engine",
	Long: `meetingengine ingests streamed audio from a local capture
client, transcribes it on-device, and map-reduce summarizes the
transcript with a local LLM. It binds loopback only and never sends
user content off-device.`,
}

// Execute runs the root command and returns the process exit code:
// 0 on clean shutdown, 2 on misconfiguration, 1 on unexpected error,
// per spec.md §6's CLI behavior.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if code, ok := err.(exitCoder); ok {
			return code.ExitCode()
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// exitCoder lets a subcommand return a specific exit code (2 for
// misconfiguration) instead of the generic 1 Execute otherwise uses.
type exitCoder interface {
	error
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

func newExitError(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	// Running with no explicit subcommand starts the service, matching
	// spec.md §6 ("<binary> with no arguments starts the service").
	rootCmd.RunE = serveCmd.RunE
}
