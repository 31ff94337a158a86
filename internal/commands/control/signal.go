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
package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tombee/daemoncore/internal/client"
	"github.com/tombee/daemoncore/internal/commands/shared"
)

// ParseSignal accepts a signal number or a name with or without the SIG
// prefix, in any case.
func ParseSignal(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("signal number must be positive, got %d", n)
		}
		return n, nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", s)
	}
	return int(sig), nil
}

// NewSignalCommand creates the 'signal' command.
func NewSignalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <name|number>",
		Short: "Raise a signal in the daemon",
		Long: `Raise a signal in the daemon through DC_RAISESIGNAL. A daemon on this
host is reached over UDP with a 3s timeout, a remote one over TCP with a
20s timeout. Numbers outside the operating system's range are accepted
for application-defined signals.`,
		Example: `  # Ask the daemon to reload its configuration
  dcore signal HUP

  # Raise an application signal
  dcore signal 100 --addr tcp://db1:9618`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := ParseSignal(args[0])
			if err != nil {
				return shared.NewUsageError("invalid signal", err)
			}
			return send(cmd, "signal", func(ctx context.Context, c *client.Client, resp *Response) error {
				resp.Signal = sig
				if err := c.SendSignal(ctx, sig); err != nil {
					return err
				}
				if !shared.GetJSON() {
					cmd.Printf("Raised signal %d in %s\n", sig, resp.Target)
				}
				return nil
			})
		},
	}
}
