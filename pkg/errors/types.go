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

package errors

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration or capacity problem.
// Use this for duplicate registrations, full dispatch tables, nil handlers,
// invalid sizes and bad configuration files. A ConfigError is never
// recoverable: the caller that built the reactor is expected to log it and
// exit.
type ConfigError struct {
	// Key is the configuration key or table that has the problem
	// (e.g., "command_table", "reactor.max_sockets")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// RequestError represents a failure scoped to a single inbound request.
// The request is dropped and the daemon keeps serving; a RequestError never
// escapes the event loop.
type RequestError struct {
	// Op is the request phase that failed (e.g., "accept", "read_command")
	Op string

	// Command is the command code, or -1 if it was never read
	Command int

	// Peer is the remote address, if known
	Peer string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	msg := fmt.Sprintf("request %s failed", e.Op)
	if e.Command >= 0 {
		msg = fmt.Sprintf("%s (command %d)", msg, e.Command)
	}
	if e.Peer != "" {
		msg = fmt.Sprintf("%s from %s", msg, e.Peer)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RequestError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *RequestError) ErrorType() string { return "request" }

// IsRetryable implements ErrorClassifier. The peer may retry a dropped
// request; the daemon itself never does.
func (e *RequestError) IsRetryable() bool { return true }

// NotFoundError represents a lookup miss in one of the dispatch tables.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "command", "signal", "timer")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when a read, accept or dial exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "command read", "accept")
	Operation string

	// Duration is the timeout that was exceeded
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }
