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
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// errSecretNotFound normalizes the keyring's not-found signal.
var errSecretNotFound = errors.New("secret not found in keyring")

// Vault wraps the OS keyring. Supported platforms:
//   - macOS: Keychain Access
//   - Linux: Secret Service API (GNOME Keyring, KWallet)
//   - Windows: Credential Manager
//
// A locked or absent keyring service makes the vault unavailable and
// the identity file keeps the secret instead.
type Vault struct {
	service   string
	available bool
}

// NewVault probes the system keyring and reports availability through
// Available. The probe reads a key that never exists; anything but a
// clean not-found means the service is locked or missing.
func NewVault() *Vault {
	v := &Vault{service: keyringService, available: true}
	_, err := keyring.Get(v.service, "__trawl_availability_test__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		v.available = false
	}
	return v
}

// Available reports whether the keyring service is usable.
func (v *Vault) Available() bool {
	return v.available
}

func (v *Vault) key(workerID string) string {
	return "worker/" + workerID + "/secret_key"
}

func (v *Vault) get(workerID string) (string, error) {
	value, err := keyring.Get(v.service, v.key(workerID))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", errSecretNotFound
		}
		return "", fmt.Errorf("keyring error: %w", err)
	}
	return value, nil
}

func (v *Vault) set(workerID, secret string) error {
	if err := keyring.Set(v.service, v.key(workerID), secret); err != nil {
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

func (v *Vault) delete(workerID string) error {
	if err := keyring.Delete(v.service, v.key(workerID)); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return errSecretNotFound
		}
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}
