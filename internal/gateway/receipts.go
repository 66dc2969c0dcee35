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

package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Receipt kinds. A task receipt must never settle a control delivery or
// the other way round.
const (
	kindTask    = "task"
	kindControl = "control"
)

// receiptClaims pins a receipt to one delivery: the stream, the entry
// and the worker it was handed to. Receipts are self-contained so any
// gateway instance can settle an ack it did not issue.
type receiptClaims struct {
	jwt.RegisteredClaims
	Kind    string `json:"knd"`
	Stream  string `json:"stm"`
	EntryID string `json:"eid"`
	TaskID  string `json:"tid,omitempty"`
}

// signer mints and verifies HMAC-signed receipts.
type signer struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration
}

func newSigner(secret []byte, ttl time.Duration) *signer {
	return &signer{secret: secret, ttl: ttl, skew: 30 * time.Second}
}

func (s *signer) mint(kind, workerID, stream, entryID, taskID string) (string, error) {
	now := time.Now().UTC()
	claims := &receiptClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Kind:    kind,
		Stream:  stream,
		EntryID: entryID,
		TaskID:  taskID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// verify checks the signature and binds the receipt to the caller: a
// receipt minted for one worker cannot settle another's delivery.
func (s *signer) verify(receipt, kind, workerID string) (*receiptClaims, error) {
	claims := &receiptClaims{}
	parser := jwt.NewParser(jwt.WithLeeway(s.skew))
	_, err := parser.ParseWithClaims(receipt, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind || claims.Subject != workerID {
		return nil, errors.New("receipt does not match this delivery")
	}
	if claims.Stream == "" || claims.EntryID == "" {
		return nil, errors.New("receipt names no delivery")
	}
	return claims, nil
}
