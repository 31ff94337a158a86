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

package reactor

import (
	"time"
)

// poller waits for descriptors to become readable. Add, Remove, Wait and
// Ready are only called from the loop goroutine; Wake may be called from any
// goroutine.
type poller interface {
	Add(fd int) error
	Remove(fd int) error

	// Wait blocks until a descriptor is readable, Wake is called, or timeout
	// passes. A negative timeout waits forever. An interrupted wait returns
	// no descriptors and no error.
	Wait(timeout time.Duration) ([]int, error)

	// Ready polls a single descriptor without blocking.
	Ready(fd int) (bool, error)

	Wake()
	Close() error
}

// timeoutMillis rounds a wait up to whole milliseconds so a short timeout
// does not turn into a busy poll.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}
