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

package tracing

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// CorrelationID ties together the HTTP hops of one logical request:
// registration calls, artifact sync, artifact downloads. RFC 4122 UUID
// format.
type CorrelationID string

type correlationKeyType struct{}

var correlationKey = correlationKeyType{}

// Headers used to carry the correlation ID. X-Request-ID is accepted on
// ingest for callers that already set one.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// NewCorrelationID generates a fresh correlation ID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

func (c CorrelationID) String() string { return string(c) }

// IsValid reports whether the ID is well-formed.
func (c CorrelationID) IsValid() bool {
	return uuidRegex.MatchString(string(c))
}

// ToContext attaches the correlation ID to the context.
func ToContext(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// FromContext returns the context's correlation ID, generating one if
// the context has none.
func FromContext(ctx context.Context) CorrelationID {
	if id, ok := ctx.Value(correlationKey).(CorrelationID); ok {
		return id
	}
	return NewCorrelationID()
}

// FromContextOrEmpty returns the context's correlation ID, or "" if the
// context has none.
func FromContextOrEmpty(ctx context.Context) CorrelationID {
	if id, ok := ctx.Value(correlationKey).(CorrelationID); ok {
		return id
	}
	return ""
}

// ExtractFromRequest reads the correlation ID from the request headers,
// preferring X-Correlation-ID over X-Request-ID.
func ExtractFromRequest(r *http.Request) (CorrelationID, bool) {
	if id := r.Header.Get(HeaderCorrelationID); id != "" {
		return CorrelationID(id), true
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return CorrelationID(id), true
	}
	return "", false
}

// InjectIntoRequest copies the context's correlation ID onto an
// outbound request, if one is set.
func InjectIntoRequest(ctx context.Context, req *http.Request) {
	if id := FromContextOrEmpty(ctx); id != "" {
		req.Header.Set(HeaderCorrelationID, id.String())
	}
}

// InjectIntoResponse echoes the correlation ID back to the caller.
func InjectIntoResponse(w http.ResponseWriter, id CorrelationID) {
	if id != "" {
		w.Header().Set(HeaderCorrelationID, id.String())
	}
}

// CorrelationMiddleware adopts the caller's correlation ID, rejects a
// malformed one, generates one when absent, and echoes the chosen ID on
// the response. Handlers downstream read it from the request context.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id CorrelationID
		if got, found := ExtractFromRequest(r); found {
			if !got.IsValid() {
				http.Error(w, "invalid correlation ID: must be a UUID", http.StatusBadRequest)
				return
			}
			id = got
		} else {
			id = NewCorrelationID()
		}

		r = r.WithContext(ToContext(r.Context(), id))
		InjectIntoResponse(w, id)
		next.ServeHTTP(w, r)
	})
}
