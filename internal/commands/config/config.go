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
// Package config implements the 'dcore config' commands.
package config

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/daemoncore/internal/commands/shared"
	"github.com/tombee/daemoncore/internal/config"
)

// NewConfigCommand creates the 'config' command group.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the daemon configuration",
	}
	cmd.AddCommand(NewShowCommand())
	cmd.AddCommand(NewValidateCommand())
	return cmd
}

// NewShowCommand creates the 'config show' subcommand.
func NewShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration the daemon would run with: the config file,
then defaults, then DCORE_* environment overrides.`,
		Example: `  # Show the effective configuration as YAML
  dcore config show

  # Show it as JSON
  dcore config show --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(shared.ResolveConfigPath())
			if err != nil {
				return shared.NewConfigError("failed to load config", err)
			}
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		},
	}
}

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	shared.JSONResponse
	Path   string   `json:"path,omitempty"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the 'config validate' subcommand.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load and validate the configuration. Every problem is reported, not
just the first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := shared.ResolveConfigPath()
			result := validate(path)

			if shared.GetJSON() {
				if err := shared.EmitJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else if result.Valid {
				cmd.Println("Configuration is valid")
			} else {
				cmd.Println("Configuration is invalid:")
				for _, e := range result.Errors {
					cmd.Printf("  - %s\n", e)
				}
			}

			if !result.Valid {
				return &shared.ExitError{Code: shared.ExitConfig, Message: fmt.Sprintf("%d configuration problem(s)", len(result.Errors))}
			}
			return nil
		},
	}
}

func validate(path string) ValidationResult {
	result := ValidationResult{
		JSONResponse: shared.NewJSONResponse("config validate"),
		Path:         path,
		Valid:        true,
	}

	_, err := config.Load(path)
	if err == nil {
		return result
	}

	result.Valid = false
	result.Success = false
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			result.Errors = append(result.Errors, e.Error())
		}
	} else {
		result.Errors = []string{err.Error()}
	}
	return result
}
