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

// Package listener opens the command endpoints of a daemon.
package listener

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/tombee/daemoncore/internal/config"
	"github.com/tombee/daemoncore/internal/stream"
)

// Set is the group of command endpoints opened from one ListenConfig.
// Unused endpoints are nil.
type Set struct {
	TCP  *stream.Listener
	UDP  *stream.Datagram
	Unix *stream.Listener

	socketPath string
}

// Open opens every endpoint cfg describes. The datagram endpoint defaults to
// the host and port the TCP listener bound to, so a port of 0 yields one
// shared ephemeral port. On failure nothing is left open.
func Open(cfg config.ListenConfig, maxSize int) (*Set, error) {
	s := &Set{}

	if cfg.TCPAddr != "" {
		ln, err := newTCPListener(cfg)
		if err != nil {
			return nil, err
		}
		s.TCP = stream.NewListener(ln, maxSize)
	}

	if !cfg.UDPDisabled() && (cfg.UDPAddr != "" || s.TCP != nil) {
		addr := cfg.UDPAddr
		if addr == "" {
			addr = s.TCP.Addr().String()
		}
		conn, err := newUDPConn(addr, cfg.AllowRemote)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.UDP = stream.NewDatagram(conn, maxSize)
	}

	if cfg.SocketPath != "" {
		path, err := config.ExpandHome(cfg.SocketPath)
		if err != nil {
			s.Close()
			return nil, err
		}
		ln, err := newUnixListener(path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Unix = stream.NewListener(ln, maxSize)
		s.socketPath = path
	}

	return s, nil
}

// TCPAddr returns the bound TCP address, or "" without a TCP listener.
func (s *Set) TCPAddr() string {
	if s.TCP == nil {
		return ""
	}
	return s.TCP.Addr().String()
}

// UDPAddr returns the bound UDP address, or "" without a datagram endpoint.
func (s *Set) UDPAddr() string {
	if s.UDP == nil {
		return ""
	}
	return s.UDP.LocalAddr().String()
}

// SocketPath returns the unix socket path, or "".
func (s *Set) SocketPath() string { return s.socketPath }

// Close closes every open endpoint and removes the unix socket file.
func (s *Set) Close() error {
	var errs *multierror.Error
	if s.TCP != nil {
		if err := s.TCP.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close tcp listener: %w", err))
		}
	}
	if s.UDP != nil {
		if err := s.UDP.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close udp socket: %w", err))
		}
	}
	if s.Unix != nil {
		if err := s.Unix.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close unix listener: %w", err))
		}
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, fmt.Errorf("remove socket file: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

// newUnixListener creates a Unix socket listener.
func newUnixListener(socketPath string) (net.Listener, error) {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove existing socket file if present
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on Unix socket: %w", err)
	}

	// Owner only
	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return ln, nil
}

// newTCPListener creates the reliable command listener.
func newTCPListener(cfg config.ListenConfig) (net.Listener, error) {
	if err := checkRemote(cfg.TCPAddr, cfg.AllowRemote); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on TCP: %w", err)
	}
	return ln, nil
}

// newUDPConn creates the datagram command socket.
func newUDPConn(addr string, allowRemote bool) (*net.UDPConn, error) {
	if err := checkRemote(addr, allowRemote); err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid UDP address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}
	return conn, nil
}

// checkRemote blocks non-localhost bindings unless explicitly allowed.
func checkRemote(addr string, allowRemote bool) error {
	if allowRemote || !isRemoteAddr(addr) {
		return nil
	}
	return fmt.Errorf(
		"binding to %s exposes the daemon to the network.\n"+
			"Anyone who can reach it can raise signals and stop the daemon.\n\n"+
			"If you understand the risks, use: --allow-remote",
		addr,
	)
}

// isRemoteAddr returns true if the address binds to non-localhost interfaces.
func isRemoteAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// addr might be just a port like ":9618"
		host = addr
		if strings.HasPrefix(addr, ":") {
			host = ""
		}
	}

	// Empty host or 0.0.0.0 means all interfaces
	if host == "" || host == "0.0.0.0" || host == "::" {
		return true
	}

	if host == "localhost" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}

// ParseTarget parses a daemon address into a network and address for
// stream.Dial. Supports:
//   - unix:///path/to/socket
//   - tcp://host:port
//   - udp://host:port
//   - host:port (tcp)
func ParseTarget(target string) (network, addr string, err error) {
	switch {
	case target == "":
		return "", "", fmt.Errorf("empty daemon address")
	case strings.HasPrefix(target, "unix://"):
		return "unix", strings.TrimPrefix(target, "unix://"), nil
	case strings.HasPrefix(target, "tcp://"):
		return "tcp", strings.TrimPrefix(target, "tcp://"), nil
	case strings.HasPrefix(target, "udp://"):
		return "udp", strings.TrimPrefix(target, "udp://"), nil
	case strings.Contains(target, "://"):
		return "", "", fmt.Errorf("invalid daemon address %q (must start with unix://, tcp:// or udp://)", target)
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		return "", "", fmt.Errorf("invalid daemon address %q: %w", target, err)
	}
	return "tcp", target, nil
}

// IsLocal reports whether a dial target names this host.
func IsLocal(network, addr string) bool {
	if network == "unix" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host {
	case "", "0.0.0.0", "::", "localhost":
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
