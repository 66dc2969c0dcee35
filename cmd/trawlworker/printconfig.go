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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trawlhq/trawl/internal/config"
)

func newPrintConfigCommand() *cobra.Command {
	var (
		format string
		query  string
	)

	cmd := &cobra.Command{
		Use:   "print-config",
		Short: "Dump the effective configuration",
		Long: `Print the configuration the worker would run with: defaults, then
the config file, then environment variables. API keys are masked.

The --query flag runs a jq expression over the configuration, e.g.:

  trawlworker print-config --query .transport.mode
  trawlworker print-config --query '.execution | {max_concurrent, grace_period}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrintConfig(cmd, format, query)
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (yaml, json)")
	cmd.Flags().StringVar(&query, "query", "", "jq expression applied to the configuration")

	return cmd
}

func runPrintConfig(cmd *cobra.Command, format, query string) error {
	path := configPath(cmd)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	maskSecrets(cfg)

	// Round-trip through JSON so both formats and jq see the same
	// field names (the struct tags agree on snake_case).
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}

	if query != "" {
		doc, err = applyQuery(query, doc)
		if err != nil {
			return err
		}
	}

	switch format {
	case "json":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		cmd.Print(string(data))
	default:
		return fmt.Errorf("unknown format %q (expected yaml or json)", format)
	}
	return nil
}

// applyQuery evaluates a jq expression against the config document.
// A single result is returned bare; multiple results become an array.
func applyQuery(expression string, doc any) (any, error) {
	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid --query: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("invalid --query: %w", err)
	}

	var results []any
	iter := code.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func maskSecrets(cfg *config.Config) {
	cfg.Transport.APIKey = maskKey(cfg.Transport.APIKey)
}

// maskKey keeps enough of a key to recognize it without exposing it.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
