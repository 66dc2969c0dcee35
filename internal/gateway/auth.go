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
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/trawlhq/trawl/internal/gatewayapi"
	trawllog "github.com/trawlhq/trawl/internal/log"
	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

// KeyStore resolves the stored bcrypt hash of a worker's API key.
type KeyStore interface {
	HashFor(ctx context.Context, workerID string) (string, error)
}

// RedisKeyStore keeps key hashes in one hash keyed by worker id,
// written at provisioning time by the install-key registration flow.
// Only the bcrypt hash is ever stored; the plaintext key exists on the
// worker alone.
type RedisKeyStore struct {
	client *redis.Client
	key    string
}

// NewRedisKeyStore builds a store over the shared namespace.
func NewRedisKeyStore(client *redis.Client, namespace string) *RedisKeyStore {
	if namespace == "" {
		namespace = "trawl"
	}
	return &RedisKeyStore{client: client, key: namespace + ":gateway:keys"}
}

// HashFor returns the stored hash for workerID.
func (s *RedisKeyStore) HashFor(ctx context.Context, workerID string) (string, error) {
	hash, err := s.client.HGet(ctx, s.key, workerID).Result()
	if errors.Is(err, redis.Nil) {
		return "", &trawlerrors.NotFoundError{Resource: "api_key", ID: workerID}
	}
	if err != nil {
		return "", trawlerrors.Transient("key_lookup", err)
	}
	return hash, nil
}

// Seed stores the hash of a freshly issued key, overwriting any
// previous one for the worker.
func (s *RedisKeyStore) Seed(ctx context.Context, workerID, apiKey string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return trawlerrors.Permanent("key_seed", err)
	}
	if err := s.client.HSet(ctx, s.key, workerID, string(hash)).Err(); err != nil {
		return trawlerrors.Transient("key_seed", err)
	}
	return nil
}

// Revoke drops a worker's key. In-flight sessions survive up to the
// verification cache TTL.
func (s *RedisKeyStore) Revoke(ctx context.Context, workerID string) error {
	if err := s.client.HDel(ctx, s.key, workerID).Err(); err != nil {
		return trawlerrors.Transient("key_revoke", err)
	}
	return nil
}

// StaticKeys serves fixed hashes from memory, for dev setups and tests.
type StaticKeys map[string]string

// HashFor returns the configured hash for workerID.
func (s StaticKeys) HashFor(_ context.Context, workerID string) (string, error) {
	hash, ok := s[workerID]
	if !ok {
		return "", &trawlerrors.NotFoundError{Resource: "api_key", ID: workerID}
	}
	return hash, nil
}

// verifiedTTL bounds how long a successful bcrypt check is remembered,
// so a revoked key stops working within minutes rather than for the
// process lifetime.
const verifiedTTL = 5 * time.Minute

type cachedKey struct {
	sum     [sha256.Size]byte
	expires time.Time
}

// authenticator checks per-RPC credentials: the metadata API key
// against the stored bcrypt hash, or a verified client certificate
// whose common name is the claimed worker id. Successful checks are
// cached by key digest, because bcrypt on every poll would cost more
// than the poll itself.
type authenticator struct {
	keys   KeyStore
	logger *slog.Logger

	mu       sync.Mutex
	verified map[string]cachedKey
}

func newAuthenticator(keys KeyStore, logger *slog.Logger) *authenticator {
	return &authenticator{
		keys:     keys,
		logger:   logger,
		verified: make(map[string]cachedKey),
	}
}

var (
	errMissingWorker = status.Error(codes.Unauthenticated, "missing worker id metadata")
	errMissingKey    = status.Error(codes.Unauthenticated, "missing api key metadata")
	errBadCreds      = status.Error(codes.Unauthenticated, "invalid credentials")
)

func (a *authenticator) authenticate(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	workerID := first(md, gatewayapi.MetaWorkerID)
	if workerID == "" {
		return "", errMissingWorker
	}
	if a.peerCertMatches(ctx, workerID) {
		return workerID, nil
	}
	apiKey := first(md, gatewayapi.MetaAPIKey)
	if apiKey == "" {
		return "", errMissingKey
	}

	sum := sha256.Sum256([]byte(apiKey))
	if a.cacheHit(workerID, sum) {
		return workerID, nil
	}

	hash, err := a.keys.HashFor(ctx, workerID)
	if err != nil {
		var nf *trawlerrors.NotFoundError
		if errors.As(err, &nf) {
			a.logger.Warn("rpc from unknown worker", trawllog.String("worker_id", workerID))
			return "", errBadCreds
		}
		return "", status.Error(codes.Unavailable, "credential store unavailable")
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) != nil {
		a.logger.Warn("rejected api key", trawllog.String("worker_id", workerID))
		return "", errBadCreds
	}
	a.remember(workerID, sum)
	return workerID, nil
}

func first(md metadata.MD, key string) string {
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (a *authenticator) cacheHit(workerID string, sum [sha256.Size]byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.verified[workerID]
	if !ok || time.Now().After(c.expires) {
		return false
	}
	return c.sum == sum
}

func (a *authenticator) remember(workerID string, sum [sha256.Size]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.verified[workerID] = cachedKey{sum: sum, expires: time.Now().Add(verifiedTTL)}
}

// peerCertMatches accepts a verified TLS client certificate whose
// common name equals the claimed worker id. VerifiedChains is only
// populated when the server was configured with a client CA, so this
// path is inert unless mTLS was set up.
func (a *authenticator) peerCertMatches(ctx context.Context, workerID string) bool {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return false
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return false
	}
	chains := info.State.VerifiedChains
	if len(chains) == 0 || len(chains[0]) == 0 {
		return false
	}
	return chains[0][0].Subject.CommonName == workerID
}

type workerCtxKey struct{}

func withWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, workerID)
}

// workerFrom returns the worker id the interceptors authenticated.
func workerFrom(ctx context.Context) string {
	id, _ := ctx.Value(workerCtxKey{}).(string)
	return id
}

func (a *authenticator) unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		workerID, err := a.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(withWorker(ctx, workerID), req)
	}
}

func (a *authenticator) stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		workerID, err := a.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: withWorker(ss.Context(), workerID)})
	}
}

// authedStream overrides Context with the authenticated one.
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }
