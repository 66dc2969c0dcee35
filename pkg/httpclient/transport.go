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
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trawlhq/trawl/internal/tracing"
)

// observedTransport stamps the User-Agent and correlation ID onto the
// request and logs the outcome with secrets stripped from the URL.
type observedTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *observedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if id := tracing.FromContextOrEmpty(req.Context()); id.IsValid() {
		req.Header.Set("X-Correlation-ID", id.String())
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		slog.Warn("http request failed",
			slog.String("method", req.Method),
			slog.String("url", redactURL(req.URL)),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("error", err.Error()))
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	slog.Log(req.Context(), level, "http request",
		slog.String("method", req.Method),
		slog.String("url", redactURL(req.URL)),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", elapsed.Milliseconds()))
	return resp, nil
}

// Query parameter names whose values never belong in a log line. The
// artifact store passes signed download URLs around, so the generic
// signature names matter as much as the worker credentials.
var redactedParams = []string{
	"api_key", "apikey", "worker_key", "install_key",
	"token", "secret", "password", "signature", "x-amz-signature",
	"credential", "key",
}

// redactURL renders u with sensitive query parameter values replaced.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	changed := false
	for name := range q {
		if sensitiveParam(name) {
			q.Set(name, "[REDACTED]")
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	clean := *u
	clean.RawQuery = q.Encode()
	return clean.String()
}

func sensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range redactedParams {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
