// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/daemoncore/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for dcore
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dcore",
		Short: "dcore - event-driven daemon core",
		Long: `dcore runs a single-threaded event reactor that serves commands over
TCP, UDP and unix sockets, dispatches signals and fires timers.

Run 'dcore run' to start the daemon in the foreground.
Run 'dcore query' to check that a running daemon answers.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	f := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(f.Verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(f.JSON, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(f.Config, "config", "", "Path to config file (default: ~/.config/dcore/config.yaml)")
	cmd.PersistentFlags().StringVar(f.Addr, "addr", "", "Daemon address: host:port, tcp://, udp:// or unix://path")
	cmd.PersistentFlags().StringVar(f.AddressFile, "address-file", "", "Read the daemon address from this file")
	cmd.PersistentFlags().DurationVar(f.Timeout, "timeout", 0, "Request timeout (default: 3s local, 20s remote)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
