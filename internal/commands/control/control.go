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
// Package control implements the commands that talk to a running daemon.
package control

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/daemoncore/internal/client"
	"github.com/tombee/daemoncore/internal/commands/shared"
	"github.com/tombee/daemoncore/pkg/protocol"
)

// Response is the JSON output of every control command.
type Response struct {
	shared.JSONResponse
	Target     string `json:"target"`
	Code       int    `json:"code,omitempty"`
	Signal     int    `json:"signal,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Latency    string `json:"latency,omitempty"`
}

// NewCommands returns every control command.
func NewCommands() []*cobra.Command {
	return []*cobra.Command{
		NewSignalCommand(),
		NewSendCommand(),
		NewReconfigCommand(),
		NewOffCommand(),
		NewQueryCommand(),
		NewPingCommand(),
	}
}

// connect resolves the target and returns a client for it.
func connect() (*client.Client, string, error) {
	c, err := shared.NewClient()
	if err != nil {
		return nil, "", err
	}
	return c, c.Network() + "://" + c.Addr(), nil
}

// send runs fn against the daemon and maps connection failures to
// ExitUnavailable.
func send(cmd *cobra.Command, name string, fn func(ctx context.Context, c *client.Client, resp *Response) error) error {
	c, target, err := connect()
	if err != nil {
		return err
	}

	resp := &Response{JSONResponse: shared.NewJSONResponse(name), Target: target}
	if err := fn(cmd.Context(), c, resp); err != nil {
		return shared.NewUnavailableError(name+" failed", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), resp)
	}
	return nil
}

// NewReconfigCommand creates the 'reconfig' command.
func NewReconfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconfig",
		Short: "Reload the daemon's configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return send(cmd, "reconfig", func(ctx context.Context, c *client.Client, resp *Response) error {
				resp.Code = protocol.CmdReconfig
				if err := c.SendCommand(ctx, protocol.CmdReconfig); err != nil {
					return err
				}
				if !shared.GetJSON() {
					cmd.Printf("Sent reconfig to %s\n", resp.Target)
				}
				return nil
			})
		},
	}
}

// NewOffCommand creates the 'off' command.
func NewOffCommand() *cobra.Command {
	var fast bool

	cmd := &cobra.Command{
		Use:   "off",
		Short: "Stop the daemon",
		Long: `Stop the daemon. By default it shuts down gracefully; with --fast it
skips flushing traces and closes the metrics server without waiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code := protocol.CmdOffGraceful
			if fast {
				code = protocol.CmdOffFast
			}
			return send(cmd, "off", func(ctx context.Context, c *client.Client, resp *Response) error {
				resp.Code = code
				if err := c.SendCommand(ctx, code); err != nil {
					return err
				}
				if !shared.GetJSON() {
					cmd.Printf("Sent %s to %s\n", protocol.CommandName(code), resp.Target)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&fast, "fast", false, "Stop without graceful cleanup")
	return cmd
}

// NewQueryCommand creates the 'query' command.
func NewQueryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "Print the daemon's instance id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return send(cmd, "query", func(ctx context.Context, c *client.Client, resp *Response) error {
				id, err := c.QueryInstance(ctx)
				if err != nil {
					return err
				}
				resp.InstanceID = id
				if !shared.GetJSON() {
					cmd.Println(id)
				}
				return nil
			})
		},
	}
}

// NewPingCommand creates the 'ping' command.
func NewPingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon accepts commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return send(cmd, "ping", func(ctx context.Context, c *client.Client, resp *Response) error {
				start := time.Now()
				if err := c.Ping(ctx); err != nil {
					return err
				}
				resp.Latency = time.Since(start).String()
				if !shared.GetJSON() {
					cmd.Printf("%s is accepting commands (%s)\n", resp.Target, resp.Latency)
				}
				return nil
			})
		},
	}
}
