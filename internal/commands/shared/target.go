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

import (
	"github.com/tombee/daemoncore/internal/client"
	"github.com/tombee/daemoncore/internal/config"
	"github.com/tombee/daemoncore/internal/lifecycle"
)

// ResolveTarget returns the daemon target: --addr if given, otherwise the
// endpoint advertised in the address file. The address file is
// --address-file, the address_file of --config, or the default location,
// in that order.
func ResolveTarget() (string, error) {
	if addrFlag != "" {
		return addrFlag, nil
	}

	path := addressFileFlag
	if path == "" && configFlag != "" {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return "", NewConfigError("failed to load config", err)
		}
		path = cfg.AddressFile
	}
	if path == "" {
		path = config.DefaultAddressFile()
	}

	addr, err := lifecycle.ReadAddressFile(path)
	if err != nil {
		return "", NewUnavailableError("daemon address unknown (is dcore running? use --addr)", err)
	}
	if addr.Addr == "" {
		return "unix://" + addr.SocketPath, nil
	}
	return addr.Addr, nil
}

// NewClient returns a client for the resolved target honouring --timeout.
func NewClient() (*client.Client, error) {
	target, err := ResolveTarget()
	if err != nil {
		return nil, err
	}
	var opts []client.Option
	if timeoutFlag > 0 {
		opts = append(opts, client.WithTimeout(timeoutFlag))
	}
	c, err := client.New(target, opts...)
	if err != nil {
		return nil, NewUsageError("invalid daemon address", err)
	}
	return c, nil
}
