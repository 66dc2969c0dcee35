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

// Package httpclient builds the HTTP clients the platform uses to talk
// to its collaborators: artifact downloads and metadata sync on the
// master's HTTP surface, and worker registration calls. Every client
// shares the same behavior: capped-exponential retry of transient
// failures on idempotent methods, structured request logs with secrets
// redacted from URLs, correlation ID propagation, and TLS 1.2+.
package httpclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Config tunes one client. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// Timeout bounds the whole request, retries included.
	Timeout time.Duration

	// RetryAttempts is how many times a failed request is retried.
	// 0 disables retry entirely.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry; it doubles per
	// attempt up to MaxBackoff.
	RetryBackoff time.Duration

	// MaxBackoff caps the per-attempt delay.
	MaxBackoff time.Duration

	// UserAgent is sent when the request carries none.
	UserAgent string

	// AllowNonIdempotentRetry extends retry to POST and friends. Only
	// safe when the server deduplicates (idempotency keys, receipt
	// caches); the registration endpoints here do not, so it defaults
	// off.
	AllowNonIdempotentRetry bool
}

// DefaultConfig returns the settings the platform's collaborator calls
// use unless a caller overrides them.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		UserAgent:     "trawl/1.0",
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("httpclient: timeout must be positive, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("httpclient: retry_attempts must be non-negative, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("httpclient: retry_backoff must be positive when retrying, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("httpclient: max_backoff %v below retry_backoff %v", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("httpclient: user_agent must not be empty")
	}
	return nil
}

// New builds an *http.Client from cfg. The transport stack is
// base TLS/pooling → logging+headers → retry (outermost, when
// enabled), so every attempt of a retried request is logged.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
	}

	var rt http.RoundTripper = &observedTransport{base: base, userAgent: cfg.UserAgent}
	if cfg.RetryAttempts > 0 {
		rt = &retryTransport{
			base:        rt,
			attempts:    cfg.RetryAttempts + 1,
			backoff:     cfg.RetryBackoff,
			maxBackoff:  cfg.MaxBackoff,
			retryUnsafe: cfg.AllowNonIdempotentRetry,
		}
	}

	return &http.Client{Transport: rt, Timeout: cfg.Timeout}, nil
}
