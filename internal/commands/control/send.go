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
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/daemoncore/internal/client"
	"github.com/tombee/daemoncore/internal/commands/shared"
)

// ParseArg converts a command-line payload value. A type prefix (int:,
// str:, bool:, hex:) forces the type; otherwise integers and true/false
// are recognised and anything else is a string.
func ParseArg(s string) (any, error) {
	if kind, val, ok := strings.Cut(s, ":"); ok {
		switch kind {
		case "int":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid int %q", val)
			}
			return n, nil
		case "str":
			return val, nil
		case "bool":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("invalid bool %q", val)
			}
			return b, nil
		case "hex":
			b, err := hex.DecodeString(val)
			if err != nil {
				return nil, fmt.Errorf("invalid hex %q", val)
			}
			return b, nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if s == "true" || s == "false" {
		return s == "true", nil
	}
	return s, nil
}

// NewSendCommand creates the 'send' command.
func NewSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <code> [arg...]",
		Short: "Send a command with a payload",
		Long: `Send a command code followed by payload values as one message. The
daemon does not reply.`,
		Example: `  # Send command 4200 with an int, a string and a bool
  dcore send 4200 7 hello true

  # Force types
  dcore send 4200 str:42 hex:deadbeef`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := strconv.Atoi(args[0])
			if err != nil || code < 0 {
				return shared.NewUsageError(fmt.Sprintf("invalid command code %q", args[0]), err)
			}
			payload := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				v, err := ParseArg(a)
				if err != nil {
					return shared.NewUsageError("invalid argument", err)
				}
				payload = append(payload, v)
			}

			return send(cmd, "send", func(ctx context.Context, c *client.Client, resp *Response) error {
				resp.Code = code
				if err := c.SendCommand(ctx, code, payload...); err != nil {
					return err
				}
				if !shared.GetJSON() {
					cmd.Printf("Sent command %d to %s\n", code, resp.Target)
				}
				return nil
			})
		},
	}
}
