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

package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

func TestRegisterByKeyIssuesIdentity(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/workers/register-by-key", r.URL.Path)

		var req ExchangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ik-install", req.InstallKey)
		assert.Equal(t, "crawler-1", req.Name)

		json.NewEncoder(w).Encode(map[string]string{
			"worker_id":  "w-issued",
			"api_key":    "ak-issued",
			"secret_key": "sk-issued",
		})
	}))
	defer srv.Close()

	ex, err := NewExchange(srv.URL, srv.Client())
	require.NoError(t, err)

	id, err := ex.RegisterByKey(context.Background(), ExchangeRequest{
		InstallKey: "ik-install",
		Name:       "crawler-1",
		Host:       "10.0.0.5",
		Port:       8711,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
	assert.Equal(t, "w-issued", id.WorkerID)
	assert.Equal(t, "ak-issued", id.APIKey)
	assert.Equal(t, "sk-issued", id.SecretKey)
	assert.Equal(t, "crawler-1", id.Name)
	assert.False(t, id.CreatedAt.IsZero())
}

func TestRegisterByKeyStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rejected key", http.StatusUnauthorized, `{}`, false},
		{"forbidden key", http.StatusForbidden, `{}`, false},
		{"master down", http.StatusInternalServerError, `{}`, true},
		{"unexpected status", http.StatusTeapot, `{}`, false},
		{"garbage body", http.StatusOK, `not json`, false},
		{"incomplete credentials", http.StatusOK, `{"worker_id":"w-1"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ex, err := NewExchange(srv.URL, srv.Client())
			require.NoError(t, err)

			_, err = ex.RegisterByKey(context.Background(), ExchangeRequest{InstallKey: "ik-1"})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, trawlerrors.Retryable(err))
		})
	}
}

func TestResolveExchangesAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"worker_id": "w-issued",
			"api_key":   "ak-issued",
		})
	}))
	defer srv.Close()

	ex, err := NewExchange(srv.URL, srv.Client())
	require.NoError(t, err)
	m, _ := newTestManager(t, fileVault())

	id, err := m.Resolve(context.Background(), ResolveOptions{
		InstallKey: "ik-install",
		Name:       "crawler-1",
		Exchange:   ex,
	})
	require.NoError(t, err)
	assert.Equal(t, "w-issued", id.WorkerID)

	reloaded, err := m.Load()
	require.NoError(t, err, "exchanged identity must survive restart")
	assert.Equal(t, "w-issued", reloaded.WorkerID)
	assert.Equal(t, "ak-issued", reloaded.APIKey)
}

func TestRegisterByKeyValidatesInput(t *testing.T) {
	_, err := NewExchange("", nil)
	var verr *trawlerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "master_url", verr.Field)

	ex, err := NewExchange("http://master.internal:8710", nil)
	require.NoError(t, err)
	_, err = ex.RegisterByKey(context.Background(), ExchangeRequest{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "install_key", verr.Field)
}
