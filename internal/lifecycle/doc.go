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

/*
Package lifecycle manages the files a running daemon leaves behind.

# PID File

The PID file holds an exclusive flock for as long as the daemon runs, so a
second daemon pointed at the same file fails fast instead of overwriting it:

	pf := lifecycle.NewPIDFile("/run/dcore/dcore.pid")
	if err := pf.Create(os.Getpid()); err != nil {
	    // another daemon owns this file
	}
	defer pf.Remove()

A file left behind by a crashed daemon is unlocked and names a dead process;
Create takes it over.

# Address File

The address file publishes the primary command endpoint so that tools can
find the daemon without configuration. It is replaced atomically, so readers
never observe a partial write:

	err := lifecycle.WriteAddressFile(path, lifecycle.Address{
	    Network: "tcp",
	    Addr:    "127.0.0.1:9618",
	})
*/
package lifecycle
