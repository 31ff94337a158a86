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

package log

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Request describes one inbound command for logging purposes.
type Request struct {
	// Command is the command code read from the stream.
	Command int

	// Handler is the description given at registration.
	Handler string

	// Peer is the remote address of the client.
	Peer string

	// Transport is "reliable" or "datagram".
	Transport string
}

// LogRequest logs an incoming command at debug level.
func LogRequest(logger *slog.Logger, req *Request) {
	logger.Debug("command received",
		"event", "command_request",
		CommandKey, req.Command,
		HandlerKey, req.Handler,
		PeerKey, req.Peer,
		"transport", req.Transport,
	)
}

// LogResponse logs a completed command. Failures are logged at warn level
// since they only affect one request.
func LogResponse(logger *slog.Logger, req *Request, took time.Duration, err error) {
	attrs := []any{
		"event", "command_response",
		CommandKey, req.Command,
		HandlerKey, req.Handler,
		PeerKey, req.Peer,
		DurationKey, took.Milliseconds(),
	}

	if err != nil {
		attrs = append(attrs, "error", err)
		logger.Warn("command failed", attrs...)
		return
	}
	logger.Debug("command completed", attrs...)
}

// CommandMiddleware wraps command handler invocations with request and
// response logging.
type CommandMiddleware struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewCommandMiddleware creates a new command logging middleware.
func NewCommandMiddleware(logger *slog.Logger) *CommandMiddleware {
	return &CommandMiddleware{
		logger: logger,
		now:    time.Now,
	}
}

// Handle logs req, runs handler and logs the outcome. The handler's error is
// returned unchanged.
func (m *CommandMiddleware) Handle(req *Request, handler func() error) error {
	start := m.now()
	LogRequest(m.logger, req)

	err := handler()

	LogResponse(m.logger, req, m.now().Sub(start), err)
	return err
}

// Throttled emits at most burst messages at once and one per interval
// afterwards. Messages over the limit are counted and reported with the next
// message that gets through.
type Throttled struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed int
}

// NewThrottled creates a rate-limited logger.
func NewThrottled(logger *slog.Logger, interval time.Duration, burst int) *Throttled {
	return &Throttled{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Warn logs msg at warn level if the limiter allows it. It reports whether
// the message was written.
func (t *Throttled) Warn(msg string, args ...any) bool {
	if !t.limiter.Allow() {
		t.suppressed++
		return false
	}
	if t.suppressed > 0 {
		args = append(args, "suppressed", t.suppressed)
		t.suppressed = 0
	}
	t.logger.Log(context.Background(), slog.LevelWarn, msg, args...)
	return true
}
