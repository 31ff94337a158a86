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
package daemon

import (
	"net"

	"github.com/tombee/daemoncore/internal/reactor"
	"github.com/tombee/daemoncore/internal/stream"
)

// LocalAdmin allows commands below PermAdministrator from anyone and the
// rest only from this host: a unix socket or a loopback peer.
func LocalAdmin() reactor.Authorizer {
	return reactor.AuthorizerFunc(func(perm reactor.Permission, _ int, s stream.Stream) bool {
		if perm < reactor.PermAdministrator {
			return true
		}
		return isLocalPeer(s)
	})
}

func isLocalPeer(s stream.Stream) bool {
	if r, ok := s.(*stream.Reliable); ok && r.Conn().LocalAddr().Network() == "unix" {
		return true
	}
	host, _, err := net.SplitHostPort(s.Peer())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
