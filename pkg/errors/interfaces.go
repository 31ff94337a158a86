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

// Package errors defines the two failure tiers of the daemon core.
//
// Configuration errors ([ConfigError]) come from construction and
// registration and end the process. Request errors ([RequestError]) are
// scoped to one inbound request and are logged and dropped by the event loop.
package errors

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type
// for metrics labels, log fields, or specific handling paths.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "config", "request", "not_found", "timeout"
	ErrorType() string

	// IsRetryable returns true if the operation may be retried.
	IsRetryable() bool
}
