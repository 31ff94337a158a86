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

package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Address is the content of the address file.
type Address struct {
	Network    string    `json:"network"`
	Addr       string    `json:"addr"`
	UDPAddr    string    `json:"udp_addr,omitempty"`
	SocketPath string    `json:"socket_path,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	PID        int       `json:"pid"`
	Started    time.Time `json:"started"`
}

// WriteAddressFile replaces path with addr. The content is written to a
// temporary file in the same directory and renamed over path.
func WriteAddressFile(path string, addr Address) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create address file directory: %w", err)
	}

	data, err := json.MarshalIndent(addr, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode address: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary address file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write address file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set address file permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync address file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close address file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace address file: %w", err)
	}
	return nil
}

// ReadAddressFile reads the address file at path.
func ReadAddressFile(path string) (Address, error) {
	var addr Address
	data, err := os.ReadFile(path)
	if err != nil {
		return addr, fmt.Errorf("failed to read address file: %w", err)
	}
	if err := json.Unmarshal(data, &addr); err != nil {
		return addr, fmt.Errorf("failed to parse address file %s: %w", path, err)
	}
	if addr.Addr == "" && addr.SocketPath == "" {
		return addr, fmt.Errorf("address file %s names no endpoint", path)
	}
	return addr, nil
}

// RemoveAddressFile deletes path. A missing file is not an error.
func RemoveAddressFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove address file: %w", err)
	}
	return nil
}
