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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationContextRoundTrip(t *testing.T) {
	id := NewCorrelationID()
	require.True(t, id.IsValid())

	ctx := ToContext(context.Background(), id)
	assert.Equal(t, id, FromContext(ctx))
	assert.Equal(t, id, FromContextOrEmpty(ctx))
}

func TestFromContextGeneratesWhenMissing(t *testing.T) {
	id := FromContext(context.Background())
	assert.True(t, id.IsValid())

	assert.Equal(t, CorrelationID(""), FromContextOrEmpty(context.Background()))
}

func TestExtractFromRequestPrefersCorrelationHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-id")
	req.Header.Set(HeaderCorrelationID, "corr-id")

	id, found := ExtractFromRequest(req)
	require.True(t, found)
	assert.Equal(t, CorrelationID("corr-id"), id)
}

func TestCorrelationMiddleware(t *testing.T) {
	var seen CorrelationID
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContextOrEmpty(r.Context())
	}))

	t.Run("adopts valid id", func(t *testing.T) {
		id := NewCorrelationID()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderCorrelationID, id.String())
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, id, seen)
		assert.Equal(t, id.String(), rec.Header().Get(HeaderCorrelationID))
	})

	t.Run("rejects malformed id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderCorrelationID, "not-a-uuid")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("generates when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, seen.IsValid())
		assert.Equal(t, seen.String(), rec.Header().Get(HeaderCorrelationID))
	})
}

func TestInjectIntoRequest(t *testing.T) {
	id := NewCorrelationID()
	ctx := ToContext(context.Background(), id)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	InjectIntoRequest(ctx, req)
	assert.Equal(t, id.String(), req.Header.Get(HeaderCorrelationID))

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	InjectIntoRequest(context.Background(), bare)
	assert.Empty(t, bare.Header.Get(HeaderCorrelationID))
}
