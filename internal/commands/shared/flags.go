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
package shared

import "time"

// Global flag values - set by root command
var (
	verboseFlag     bool
	jsonFlag        bool
	configFlag      string
	addrFlag        string
	addressFileFlag string
	timeoutFlag     time.Duration

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Flags holds pointers to the persistent flag values.
type Flags struct {
	Verbose     *bool
	JSON        *bool
	Config      *string
	Addr        *string
	AddressFile *string
	Timeout     *time.Duration
}

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by root command to register flags.
func RegisterFlagPointers() Flags {
	return Flags{
		Verbose:     &verboseFlag,
		JSON:        &jsonFlag,
		Config:      &configFlag,
		Addr:        &addrFlag,
		AddressFile: &addressFileFlag,
		Timeout:     &timeoutFlag,
	}
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetJSON returns the JSON output flag value
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the config file path
func GetConfigPath() string {
	return configFlag
}

// GetAddressFile returns the --address-file flag value
func GetAddressFile() string {
	return addressFileFlag
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// SetConfigPathForTest sets the config path for testing purposes
func SetConfigPathForTest(path string) {
	configFlag = path
}

// SetTargetForTest sets the daemon target flags for testing purposes
func SetTargetForTest(addr, addressFile string) {
	addrFlag = addr
	addressFileFlag = addressFile
}
