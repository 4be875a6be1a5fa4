// Command cratebox builds and tests untrusted Rust crates in resource-bounded
// sandboxes. It runs one-shot builds from the command line and serves the
// build engine as an MCP server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cratebox",
	Short: "Build untrusted Rust crates in sandboxes",
	Long: `cratebox fetches crates from a registry, git or a local path, builds them with
a managed toolchain in a resource-bounded sandbox and reports how the build ended.

Configuration is read from config.yaml in . or ./config (or --config), and can
be overridden with CRATEBOX_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd, runCmd, toolchainCmd, prefetchCmd, purgeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				fmt.Fprintln(os.Stderr, exit.msg)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the process with a specific exit code.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d: %s", e.code, e.msg)
}
