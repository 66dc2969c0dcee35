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
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/trawlhq/trawl/internal/config"
	"github.com/trawlhq/trawl/internal/worker"
)

var (
	statusOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	statusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	statusFail = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	muted      = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	header     = lipgloss.NewStyle().Bold(true)
)

// doctorReport is the machine-readable doctor output.
type doctorReport struct {
	ConfigPath  string         `json:"config_path"`
	ConfigValid bool           `json:"config_valid"`
	ConfigError string         `json:"config_error,omitempty"`
	Checks      []worker.Check `json:"checks"`
	Healthy     bool           `json:"healthy"`
}

func newDoctorCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check host health before starting the worker",
		Long: `Run the worker's preflight checks without starting it:

  - config file loads and validates
  - a python interpreter is present
  - the package manager (uv or pip) is on PATH
  - the data directory is writable
  - the configured transport endpoint is reachable
  - a worker identity exists or can be established

Exits 0 when every check passes, 1 otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON format")

	return cmd
}

func runDoctor(cmd *cobra.Command, jsonOut bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	path := configPath(cmd)
	report := doctorReport{ConfigPath: path, ConfigValid: true}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		// Without a loadable config no further check is meaningful.
		report.ConfigValid = false
		report.ConfigError = err.Error()
		return renderDoctor(cmd, report, jsonOut)
	}
	if err := cfg.Validate(); err != nil {
		report.ConfigValid = false
		report.ConfigError = err.Error()
	}

	report.Checks = worker.Preflight(ctx, cfg)
	report.Healthy = report.ConfigValid && worker.Healthy(report.Checks)

	return renderDoctor(cmd, report, jsonOut)
}

func renderDoctor(cmd *cobra.Command, report doctorReport, jsonOut bool) error {
	if jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
	} else {
		cmd.Println(header.Render("Trawl worker preflight"))
		cmd.Println(muted.Render("config: " + report.ConfigPath))
		cmd.Println()

		if report.ConfigValid {
			cmd.Println(statusOK.Render("✓") + " configuration")
		} else {
			cmd.Println(statusFail.Render("✗") + " configuration")
			cmd.Println(muted.Render("    " + report.ConfigError))
		}
		for _, c := range report.Checks {
			switch c.Status {
			case worker.CheckOK:
				cmd.Printf("%s %s %s\n", statusOK.Render("✓"), c.Name, muted.Render(c.Detail))
			case worker.CheckWarn:
				cmd.Printf("%s %s %s\n", statusWarn.Render("⚠"), c.Name, muted.Render(c.Detail))
			default:
				cmd.Printf("%s %s %s\n", statusFail.Render("✗"), c.Name, muted.Render(c.Detail))
			}
		}
		cmd.Println()
		if report.Healthy {
			cmd.Println(statusOK.Render("All checks passed."))
		} else {
			cmd.Println(statusFail.Render("Some checks failed."))
		}
	}

	if !report.Healthy {
		// The rendered report is the diagnostic; no extra error line.
		return &exitError{code: exitFailure}
	}
	return nil
}
