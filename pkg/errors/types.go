// Copyright 2025 The Trawl Authors
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

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType identifies the error category for classification.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable reports whether retrying could succeed. Bad input stays bad.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "worker", "batch", "runtime")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType identifies the error category for classification.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable reports whether retrying could succeed.
func (e *NotFoundError) IsRetryable() bool { return false }

// TransportKind classifies a transport failure for retry decisions.
type TransportKind string

const (
	// TransportTransient covers connection drops, timeouts and closed
	// streams. Callers retry with backoff.
	TransportTransient TransportKind = "transient"

	// TransportPermanent covers auth failures, unknown workers and
	// malformed messages. Callers surface these to the lifecycle and
	// abort instead of retrying.
	TransportPermanent TransportKind = "permanent"
)

// TransportError represents a failure in the worker-master channel,
// in either Direct (Redis) or Gateway (gRPC) mode.
type TransportError struct {
	// Op is the operation that failed (e.g., "poll_task", "send_heartbeat")
	Op string

	// Kind classifies the failure for retry decisions
	Kind TransportKind

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("transport %s (%s)", e.Op, e.Kind)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether the failure is expected to clear on retry.
func (e *TransportError) IsTransient() bool {
	return e.Kind == TransportTransient
}

// ErrorType identifies the error category for classification.
func (e *TransportError) ErrorType() string { return "transport" }

// IsRetryable reports whether retrying could succeed.
func (e *TransportError) IsRetryable() bool { return e.IsTransient() }

// Transient wraps err as a transient transport failure of op.
func Transient(op string, err error) *TransportError {
	return &TransportError{Op: op, Kind: TransportTransient, Cause: err}
}

// Permanent wraps err as a permanent transport failure of op.
func Permanent(op string, err error) *TransportError {
	return &TransportError{Op: op, Kind: TransportPermanent, Cause: err}
}

// RuntimeBuildError represents a failed runtime environment build.
// The task that needed the runtime is marked failed; the worker moves on.
type RuntimeBuildError struct {
	// RuntimeHash identifies the environment that failed to build
	RuntimeHash string

	// Stage is where the build failed (e.g., "interpreter", "venv", "install")
	Stage string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RuntimeBuildError) Error() string {
	return fmt.Sprintf("runtime build %s failed at %s: %v", e.RuntimeHash, e.Stage, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RuntimeBuildError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category for classification.
func (e *RuntimeBuildError) ErrorType() string { return "runtime_build" }

// IsRetryable reports whether retrying could succeed. A build that
// failed on this worker will fail the same way until the spec changes.
func (e *RuntimeBuildError) IsRetryable() bool { return false }

// StateError represents a rejected state machine transition.
// Callers log these at warn level and leave the state untouched.
type StateError struct {
	// Entity is the kind of state machine (e.g., "run", "batch", "crawl task")
	Entity string

	// ID identifies the instance
	ID string

	// From and To name the rejected transition
	From string
	To   string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s to %s", e.Entity, e.ID, e.From, e.To)
}

// ErrorType identifies the error category for classification.
func (e *StateError) ErrorType() string { return "state" }

// IsRetryable reports whether retrying could succeed.
func (e *StateError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "transport.mode", "redis_url")
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

// ErrorType identifies the error category for classification.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable reports whether retrying could succeed.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "task execution", "poll")
	Operation string

	// Duration is how long the operation ran before timing out
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

// ErrorType identifies the error category for classification.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable reports whether retrying could succeed.
func (e *TimeoutError) IsRetryable() bool { return true }
