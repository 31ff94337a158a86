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

package stream

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dial connects to addr and returns a stream in encode mode. network is one
// of tcp, tcp4, tcp6, unix, udp, udp4, udp6. timeout bounds the dial and is
// kept as the stream's read and write timeout.
func Dial(ctx context.Context, network, addr string, timeout time.Duration, maxSize int) (Stream, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, wrapIOError("dial "+addr, timeout, err)
	}

	var s Stream
	switch c := conn.(type) {
	case *net.UDPConn:
		s = newDatagram(c, maxSize, true)
	default:
		s = NewReliable(conn, maxSize)
	}
	s.SetTimeout(timeout)
	s.Encode()
	return s, nil
}

// NetworkFor returns the reliable or datagram network name for kind.
func NetworkFor(kind Kind) string {
	if kind == KindDatagram {
		return "udp"
	}
	return "tcp"
}

// ParseKind converts "tcp" or "udp" style names to a Kind.
func ParseKind(network string) (Kind, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix", "reliable":
		return KindReliable, nil
	case "udp", "udp4", "udp6", "datagram":
		return KindDatagram, nil
	default:
		return 0, fmt.Errorf("stream: unknown network %q", network)
	}
}
