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

// Package protocol lists the well-known command codes understood by every
// dcore daemon and the timeouts clients use when sending them.
package protocol

import "time"

// Reserved command codes. Application commands should stay below
// CmdRaiseSignal.
const (
	// CmdRaiseSignal raises the signal number that follows in the payload.
	CmdRaiseSignal = 60000

	// CmdReconfig asks the daemon to reload its configuration.
	CmdReconfig = 60004

	// CmdOffGraceful asks the daemon to finish in-flight work and exit.
	CmdOffGraceful = 60005

	// CmdOffFast asks the daemon to exit immediately.
	CmdOffFast = 60006

	// CmdNop replies with a single true. It is useful to check that a daemon
	// is serving.
	CmdNop = 60011

	// CmdQueryInstance replies with the daemon's instance id.
	CmdQueryInstance = 60041
)

// Signal delivery timeouts. Local targets are reached over a datagram, remote
// ones over a reliable stream.
const (
	LocalSignalTimeout  = 3 * time.Second
	RemoteSignalTimeout = 20 * time.Second
)

var names = map[int]string{
	CmdRaiseSignal:   "DC_RAISESIGNAL",
	CmdReconfig:      "DC_RECONFIG",
	CmdOffGraceful:   "DC_OFF_GRACEFUL",
	CmdOffFast:       "DC_OFF_FAST",
	CmdNop:           "DC_NOP",
	CmdQueryInstance: "DC_QUERY_INSTANCE",
}

// CommandName returns the name of a reserved code, or "" for any other.
func CommandName(code int) string {
	return names[code]
}
