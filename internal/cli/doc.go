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
/*
Package cli provides the root command and shared configuration for the dcore CLI.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

The CLI is organized as:

	dcore
	├── run           Run the daemon in the foreground
	├── config        Show or validate the effective configuration
	├── signal        Raise a signal in a running daemon
	├── send          Send an arbitrary command
	├── reconfig      Reload the daemon's configuration
	├── off           Stop the daemon
	├── query         Print the daemon's instance id
	├── ping          Check that the daemon accepts commands
	└── version       Show version

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Enable verbose output
	--json           Output in JSON format
	--config         Path to config file
	--addr           Daemon address
	--address-file   File the daemon advertises its address in
	--timeout        Request timeout
*/
package cli
