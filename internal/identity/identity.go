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

// Package identity persists the worker's credentials: a stable
// worker_id plus the api_key/secret_key pair the master issued for it.
// The identity file lives under the data directory with 0600 perms;
// the secret key moves into the OS keyring when one is usable, leaving
// the file without it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

const (
	// keyringService names every keyring entry this process writes.
	keyringService = "trawl"

	filePerm = os.FileMode(0o600)
	dirPerm  = os.FileMode(0o700)
)

// Identity is a worker's persistent credential set.
type Identity struct {
	WorkerID  string    `yaml:"worker_id" json:"worker_id"`
	Name      string    `yaml:"name,omitempty" json:"name,omitempty"`
	APIKey    string    `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	SecretKey string    `yaml:"secret_key,omitempty" json:"secret_key,omitempty"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// Generate mints a fresh local identity. Used in direct mode where the
// worker proves itself through Redis rather than issued credentials.
func Generate(name string) *Identity {
	return &Identity{
		WorkerID:  uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

// Options configures a Manager.
type Options struct {
	// Logger for warnings. Defaults to slog.Default().
	Logger *slog.Logger

	// Vault overrides the OS keyring, mainly for tests. Nil probes the
	// real keyring.
	Vault *Vault
}

// Manager loads and saves the identity file.
type Manager struct {
	path   string
	vault  *Vault
	logger *slog.Logger
}

// NewManager creates a manager for the identity file at path.
func NewManager(path string, opts Options) (*Manager, error) {
	if path == "" {
		return nil, &trawlerrors.ValidationError{Field: "path", Message: "required"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	vault := opts.Vault
	if vault == nil {
		vault = NewVault()
	}
	return &Manager{path: path, vault: vault, logger: logger}, nil
}

// Load reads the identity file. A missing file is a NotFoundError so
// callers can distinguish first boot from a corrupt file. When the
// file carries no secret key, the keyring is consulted.
func (m *Manager) Load() (*Identity, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &trawlerrors.NotFoundError{Resource: "identity", ID: m.path}
		}
		return nil, &trawlerrors.ConfigError{Key: "identity_file", Reason: "failed to read identity file", Cause: err}
	}

	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, &trawlerrors.ConfigError{Key: "identity_file", Reason: "failed to parse identity file", Cause: err}
	}
	if id.WorkerID == "" {
		return nil, &trawlerrors.ConfigError{Key: "identity_file", Reason: "identity file has no worker_id"}
	}

	if info, err := os.Stat(m.path); err == nil && info.Mode().Perm()&0o077 != 0 {
		m.logger.Warn("identity file is readable by other users",
			slog.String("path", m.path),
			slog.String("mode", info.Mode().Perm().String()))
	}

	if id.SecretKey == "" && m.vault.Available() {
		secret, err := m.vault.get(id.WorkerID)
		switch {
		case err == nil:
			id.SecretKey = secret
		case errors.Is(err, errSecretNotFound):
			// Identity was saved without a secret. Fine in direct mode.
		default:
			m.logger.Warn("keyring lookup failed", slog.Any("error", err))
		}
	}

	return &id, nil
}

// Save writes the identity file atomically with 0600 perms. When the
// keyring is usable the secret key is stored there instead of on disk;
// a keyring failure falls back to the file with a warning.
func (m *Manager) Save(id *Identity) error {
	if id == nil || id.WorkerID == "" {
		return &trawlerrors.ValidationError{Field: "worker_id", Message: "required"}
	}
	if err := os.MkdirAll(filepath.Dir(m.path), dirPerm); err != nil {
		return &trawlerrors.ConfigError{Key: "identity_file", Reason: "failed to create identity directory", Cause: err}
	}

	onDisk := *id
	if id.SecretKey != "" && m.vault.Available() {
		if err := m.vault.set(id.WorkerID, id.SecretKey); err != nil {
			m.logger.Warn("keyring store failed, keeping secret in identity file", slog.Any("error", err))
		} else {
			onDisk.SecretKey = ""
		}
	}

	data, err := yaml.Marshal(&onDisk)
	if err != nil {
		return &trawlerrors.ConfigError{Key: "identity_file", Reason: "failed to encode identity", Cause: err}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return &trawlerrors.ConfigError{Key: "identity_file", Reason: "failed to write identity file", Cause: err}
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return &trawlerrors.ConfigError{Key: "identity_file", Reason: "failed to write identity file", Cause: err}
	}
	// Rename keeps the tmp file's mode but an earlier save may have
	// left looser perms behind.
	if err := os.Chmod(m.path, filePerm); err != nil {
		m.logger.Warn("failed to tighten identity file permissions", slog.Any("error", err))
	}
	return nil
}

// Delete removes the identity file and any keyring entry for it.
// Missing pieces are not errors.
func (m *Manager) Delete() error {
	id, err := m.Load()
	if err == nil && m.vault.Available() {
		if err := m.vault.delete(id.WorkerID); err != nil && !errors.Is(err, errSecretNotFound) {
			m.logger.Warn("keyring delete failed", slog.Any("error", err))
		}
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return &trawlerrors.ConfigError{Key: "identity_file", Reason: "failed to remove identity file", Cause: err}
	}
	return nil
}

// ResolveOptions carries the boot-time inputs that outrank the
// identity file.
type ResolveOptions struct {
	// WorkerID set by flag, environment or config file wins outright;
	// such externally managed credentials are never persisted.
	WorkerID string
	APIKey   string
	Name     string

	// InstallKey is the one-shot credential for first boot in gateway
	// mode. Requires Exchange.
	InstallKey string
	Host       string
	Port       int
	Exchange   *Exchange

	// AllowLocal mints a local identity when nothing else applies.
	// Direct-mode workers set this; gateway workers must not.
	AllowLocal bool
}

// Resolve returns the identity to run under, in precedence order:
// explicit worker_id, the identity file, an install-key exchange, a
// freshly minted local identity. Exchanged and minted identities are
// saved before returning.
func (m *Manager) Resolve(ctx context.Context, opts ResolveOptions) (*Identity, error) {
	if opts.WorkerID != "" {
		return &Identity{WorkerID: opts.WorkerID, Name: opts.Name, APIKey: opts.APIKey}, nil
	}

	id, err := m.Load()
	if err == nil {
		return id, nil
	}
	var notFound *trawlerrors.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	if opts.InstallKey != "" {
		if opts.Exchange == nil {
			return nil, &trawlerrors.ValidationError{Field: "master_url", Message: "required for install-key registration"}
		}
		id, err := opts.Exchange.RegisterByKey(ctx, ExchangeRequest{
			InstallKey: opts.InstallKey,
			Name:       opts.Name,
			Host:       opts.Host,
			Port:       opts.Port,
		})
		if err != nil {
			return nil, err
		}
		if err := m.Save(id); err != nil {
			return nil, fmt.Errorf("registered but failed to persist identity: %w", err)
		}
		m.logger.Info("worker registered via install key", slog.String("worker_id", id.WorkerID))
		return id, nil
	}

	if opts.AllowLocal {
		id := Generate(opts.Name)
		if err := m.Save(id); err != nil {
			return nil, err
		}
		m.logger.Info("minted local worker identity", slog.String("worker_id", id.WorkerID))
		return id, nil
	}

	return nil, trawlerrors.Permanent("identity",
		errors.New("no identity: set --worker-id or provide an install key"))
}
