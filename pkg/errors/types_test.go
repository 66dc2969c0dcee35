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

package errors_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *trawlerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &trawlerrors.ValidationError{
				Field:      "priority",
				Message:    "must be an integer",
				Suggestion: "Use a numeric priority, lower is higher",
			},
			wantMsg: "validation failed on priority: must be an integer",
		},
		{
			name: "without field",
			err: &trawlerrors.ValidationError{
				Message: "empty task payload",
			},
			wantMsg: "validation failed: empty task payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
			if tt.err.IsRetryable() {
				t.Error("validation errors must not be retryable")
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &trawlerrors.NotFoundError{Resource: "worker", ID: "w-404"}
	if got := err.Error(); got != "worker not found: w-404" {
		t.Errorf("Error() = %q", got)
	}
	if err.ErrorType() != "not_found" {
		t.Errorf("ErrorType() = %q, want not_found", err.ErrorType())
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name          string
		err           *trawlerrors.TransportError
		wantTransient bool
	}{
		{
			name:          "transient",
			err:           trawlerrors.Transient("poll_task", cause),
			wantTransient: true,
		},
		{
			name:          "permanent",
			err:           trawlerrors.Permanent("register", errors.New("invalid api key")),
			wantTransient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.IsTransient() != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", tt.err.IsTransient(), tt.wantTransient)
			}
			if tt.err.IsRetryable() != tt.wantTransient {
				t.Errorf("IsRetryable() = %v, want %v", tt.err.IsRetryable(), tt.wantTransient)
			}
			if !strings.Contains(tt.err.Error(), tt.err.Op) {
				t.Errorf("Error() = %q, want it to mention op %q", tt.err.Error(), tt.err.Op)
			}
		})
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := trawlerrors.Transient("send_log_batch", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause through TransportError")
	}

	var te *trawlerrors.TransportError
	wrapped := trawlerrors.Wrap(err, "sending batch 3")
	if !errors.As(wrapped, &te) {
		t.Fatal("errors.As should find TransportError through fmt wrapping")
	}
	if te.Op != "send_log_batch" {
		t.Errorf("unwrapped Op = %q, want send_log_batch", te.Op)
	}
}

func TestRuntimeBuildError(t *testing.T) {
	cause := errors.New("pip exited with status 1")
	err := &trawlerrors.RuntimeBuildError{RuntimeHash: "ab12cd", Stage: "install", Cause: cause}

	want := "runtime build ab12cd failed at install: pip exited with status 1"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if err.IsRetryable() {
		t.Error("runtime build errors must not be retryable")
	}
}

func TestStateError(t *testing.T) {
	err := &trawlerrors.StateError{Entity: "batch", ID: "b-1", From: "COMPLETED", To: "RUNNING"}
	want := "batch b-1: invalid transition COMPLETED to RUNNING"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *trawlerrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &trawlerrors.ConfigError{
				Key:    "transport.mode",
				Reason: "must be direct or gateway",
			},
			wantMsg: "config error at transport.mode: must be direct or gateway",
		},
		{
			name: "without key",
			err: &trawlerrors.ConfigError{
				Reason: "file unreadable",
			},
			wantMsg: "config error: file unreadable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("yaml: line 3: mapping values are not allowed")
	err := &trawlerrors.ConfigError{Key: "worker_config.yaml", Reason: "parse failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause through ConfigError")
	}
}

func TestTimeoutError(t *testing.T) {
	err := &trawlerrors.TimeoutError{Operation: "task execution", Duration: 2 * time.Second}
	want := "task execution operation timed out after 2s"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !err.IsRetryable() {
		t.Error("timeouts should be retryable")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "transient transport", err: trawlerrors.Transient("poll_task", errors.New("eof")), want: true},
		{name: "permanent transport", err: trawlerrors.Permanent("register", errors.New("denied")), want: false},
		{name: "wrapped transient", err: trawlerrors.Wrap(trawlerrors.Transient("ack", errors.New("eof")), "acking"), want: true},
		{name: "runtime build", err: &trawlerrors.RuntimeBuildError{RuntimeHash: "x", Stage: "venv", Cause: errors.New("no space")}, want: false},
		{name: "plain error", err: errors.New("who knows"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trawlerrors.Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
