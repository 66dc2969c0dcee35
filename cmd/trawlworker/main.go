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
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/trawlhq/trawl/internal/config"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes. 124 mirrors the executor's timeout convention: a worker
// that could not drain within its grace period exits the way a timed
// out task does.
const (
	exitOK      = 0
	exitFailure = 1
	exitTimeout = 124
)

// exitError carries an explicit process exit code up through cobra.
type exitError struct {
	code  int
	cause error
}

func (e *exitError) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error { return e.cause }

func main() {
	rootCmd := newRootCommand()
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDoctorCommand())
	rootCmd.AddCommand(newPrintConfigCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		code := exitFailure
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		if ee == nil || ee.cause != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trawlworker",
		Short: "Trawl worker - distributed crawl task execution",
		Long: `Trawlworker is the execution half of the Trawl platform: a long-lived
process that pulls crawl and code tasks from a master, runs them in
hash-cached Python environments, and streams logs and results back
over Redis Streams (direct mode) or a gRPC gateway.

Run 'trawlworker init' for interactive first-time setup.
Run 'trawlworker doctor' to check the host before starting.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: <data_dir>/worker_config.yaml)")

	// Config keys use snake_case; accept the same spelling on flags.
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	return cmd
}

// configPath resolves the --config flag, falling back to the
// conventional location inside the data directory.
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return config.DefaultPath()
}
