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

package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns the conventional config file location:
// <data_dir>/worker_config.yaml, next to the runtimes, WALs and
// identity the file describes. WORKER_CONFIG_PATH overrides it.
func DefaultPath() string {
	if path := os.Getenv("WORKER_CONFIG_PATH"); path != "" {
		return path
	}
	return filepath.Join(defaultDataDir(), "worker_config.yaml")
}

// Write persists cfg as YAML at path, creating parent directories as
// needed. The file is written through a temp sibling and renamed so a
// crash never leaves a torn config, and kept 0600 because it may hold
// an API key.
func Write(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
