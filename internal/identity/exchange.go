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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
	"github.com/trawlhq/trawl/pkg/httpclient"
)

// ExchangeRequest is the install-key registration payload. The key is
// one-shot: the master invalidates it when it issues credentials.
type ExchangeRequest struct {
	InstallKey string `json:"install_key"`
	Name       string `json:"name,omitempty"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
}

type exchangeResponse struct {
	WorkerID  string `json:"worker_id"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Exchange trades an install key for persistent credentials against
// the master's register-by-key endpoint.
type Exchange struct {
	base   string
	client *http.Client
}

// NewExchange creates an exchange client for the master at baseURL.
// A nil client gets the shared retrying HTTP client; the registration
// POST itself is never retried since the key is one-shot.
func NewExchange(baseURL string, client *http.Client) (*Exchange, error) {
	if baseURL == "" {
		return nil, &trawlerrors.ValidationError{Field: "master_url", Message: "required"}
	}
	if client == nil {
		c, err := httpclient.New(httpclient.DefaultConfig())
		if err != nil {
			return nil, err
		}
		client = c
	}
	return &Exchange{base: strings.TrimRight(baseURL, "/"), client: client}, nil
}

// RegisterByKey performs the exchange and returns the issued identity.
func (e *Exchange) RegisterByKey(ctx context.Context, req ExchangeRequest) (*Identity, error) {
	if req.InstallKey == "" {
		return nil, &trawlerrors.ValidationError{Field: "install_key", Message: "required"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, trawlerrors.Permanent("register_by_key", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.base+"/api/v1/workers/register-by-key", bytes.NewReader(body))
	if err != nil {
		return nil, trawlerrors.Permanent("register_by_key", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, trawlerrors.Transient("register_by_key", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, trawlerrors.Permanent("register_by_key",
			fmt.Errorf("install key rejected (status %d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, trawlerrors.Transient("register_by_key",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	default:
		return nil, trawlerrors.Permanent("register_by_key",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var issued exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		return nil, trawlerrors.Permanent("register_by_key", err)
	}
	if issued.WorkerID == "" || issued.APIKey == "" {
		return nil, trawlerrors.Permanent("register_by_key",
			fmt.Errorf("master returned incomplete credentials"))
	}

	return &Identity{
		WorkerID:  issued.WorkerID,
		Name:      req.Name,
		APIKey:    issued.APIKey,
		SecretKey: issued.SecretKey,
		CreatedAt: time.Now().UTC(),
	}, nil
}
