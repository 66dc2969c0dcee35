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

package httpclient

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// retryTransport re-issues requests that failed transiently, with
// doubling backoff plus jitter. Bodies are not rewound, so only
// body-less idempotent methods are retried unless the caller opted in.
type retryTransport struct {
	base        http.RoundTripper
	attempts    int
	backoff     time.Duration
	maxBackoff  time.Duration
	retryUnsafe bool
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.retryable(req.Method) {
		return t.base.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	delay := t.backoff
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			wait := delay
			// A server that named its own retry delay knows better
			// than our schedule, as long as it asks for less.
			if ra := retryAfter(resp); ra > 0 && ra < wait {
				wait = ra
			}
			wait += time.Duration(rand.Int63n(int64(wait)/5 + 1))
			select {
			case <-time.After(wait):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
			if delay < t.maxBackoff {
				delay *= 2
				if delay > t.maxBackoff {
					delay = t.maxBackoff
				}
			}
		}

		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}

		resp, err = t.base.RoundTrip(req)
		switch {
		case err != nil:
			if !transientError(err) {
				return nil, err
			}
		case retryableStatus(resp.StatusCode):
			// Loop for another attempt.
		default:
			return resp, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *retryTransport) retryable(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return t.retryUnsafe
	}
}

// retryableStatus covers the responses worth a second try: server
// errors and the two throttling codes.
func retryableStatus(code int) bool {
	return code >= 500 ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

// transientError reports whether a transport error is worth retrying.
// Context ends are the caller's decision, never retried.
func transientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return transientError(urlErr.Err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network unreachable",
		"temporary failure",
		"eof",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// retryAfter reads the Retry-After header of the previous response,
// accepting both the delta-seconds and HTTP-date forms.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
