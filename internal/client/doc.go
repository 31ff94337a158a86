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
Package client sends commands and signals to a running dcore daemon.

A Client is bound to one daemon address. The address is either a plain
host:port, which is reached over TCP, or carries a scheme:

	c, err := client.New("tcp://127.0.0.1:9618")
	if err != nil {
	    log.Fatal(err)
	}

	// Ask the daemon to reload its configuration
	err = c.SendSignal(ctx, int(syscall.SIGHUP))

	// Read the daemon's instance id
	id, err := c.QueryInstance(ctx)

# Raw Commands

StartCommand dials the daemon and writes the command code; the caller
writes the payload and ends the message:

	s, err := c.StartCommand(ctx, 4200)
	if err != nil {
	    return err
	}
	defer s.Close()
	s.PutString("payload")
	s.EndOfMessage()

# Signal Delivery

SendSignal reaches a daemon on this host over a datagram with a 3 second
timeout, and a remote daemon over a TCP stream with a 20 second timeout.
Unix-socket addresses always use the socket.
*/
package client
