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

//go:build unix && !linux

package reactor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller waits with poll(2). Wake writes to a self-pipe whose read end
// is always part of the set.
type pollPoller struct {
	fds  []int
	pipe [2]int

	mu     sync.Mutex
	closed bool
}

func newPoller() (poller, error) {
	p := &pollPoller{}
	if err := unix.Pipe(p.pipe[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range p.pipe {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			p.Close()
			return nil, fmt.Errorf("set nonblock: %w", err)
		}
	}
	return p, nil
}

func (p *pollPoller) Add(fd int) error {
	for _, cur := range p.fds {
		if cur == fd {
			return fmt.Errorf("poll add %d: %w", fd, unix.EEXIST)
		}
	}
	p.fds = append(p.fds, fd)
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	for i, cur := range p.fds {
		if cur == fd {
			p.fds = append(p.fds[:i], p.fds[i+1:]...)
			return nil
		}
	}
	return nil
}

func (p *pollPoller) Wait(timeout time.Duration) ([]int, error) {
	set := make([]unix.PollFd, 0, len(p.fds)+1)
	set = append(set, unix.PollFd{Fd: int32(p.pipe[0]), Events: unix.POLLIN})
	for _, fd := range p.fds {
		set = append(set, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	n, err := unix.Poll(set, timeoutMillis(timeout))
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]int, 0, n)
	if set[0].Revents != 0 {
		p.drainWake()
	}
	for _, pfd := range set[1:] {
		if pfd.Revents&readableEvents != 0 {
			ready = append(ready, int(pfd.Fd))
		}
	}
	return ready, nil
}

func (p *pollPoller) Ready(fd int) (bool, error) {
	return pollReady(fd)
}

func (p *pollPoller) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.pipe[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *pollPoller) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	_, _ = unix.Write(p.pipe[1], []byte{0})
}

func (p *pollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(unix.Close(p.pipe[0]), unix.Close(p.pipe[1]))
}
