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
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trawlhq/trawl/internal/config"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive first-time setup",
		Long: `Create a worker config file interactively: transport mode, the
master endpoint and an optional install key. Requires a terminal; in
scripts, write the config file directly or use environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, force bool) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("init needs an interactive terminal; write %s directly instead", configPath(cmd))
	}

	path := configPath(cmd)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.Default()

	var (
		mode       = string(config.ModeDirect)
		redisURL   = "redis://localhost:6379/0"
		endpoint   string
		installKey string
		name       = cfg.Name
	)

	modeForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Worker name").
				Description("Shown in heartbeats and the master's worker list").
				Value(&name),
			huh.NewSelect[string]().
				Title("Transport mode").
				Description("direct talks to Redis Streams; gateway goes through the gRPC proxy").
				Options(
					huh.NewOption("direct (Redis Streams)", string(config.ModeDirect)),
					huh.NewOption("gateway (gRPC proxy)", string(config.ModeGateway)),
				).
				Value(&mode),
		),
	)
	if err := modeForm.Run(); err != nil {
		return err
	}

	switch config.TransportMode(mode) {
	case config.ModeDirect:
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Redis URL").
					Description("e.g. redis://localhost:6379/0").
					Value(&redisURL).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("redis URL is required in direct mode")
						}
						return nil
					}),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}
		cfg.Transport.Mode = config.ModeDirect
		cfg.Transport.RedisURL = redisURL

	case config.ModeGateway:
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Gateway endpoint").
					Description("host:port of the gRPC gateway").
					Value(&endpoint).
					Validate(validateEndpoint),
				huh.NewInput().
					Title("Install key").
					Description("One-shot key from the master admin UI; exchanged for credentials on first boot. Leave empty if the worker already has an API key.").
					EchoMode(huh.EchoModePassword).
					Value(&installKey),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}
		host, portStr, _ := net.SplitHostPort(endpoint)
		port, _ := strconv.Atoi(portStr)
		cfg.Transport.Mode = config.ModeGateway
		cfg.Transport.GatewayHost = host
		cfg.Transport.GatewayPort = port
	}

	cfg.Name = name

	if err := config.Write(cfg, path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	cmd.Println(statusOK.Render("✓") + " wrote " + path)
	if installKey != "" {
		cmd.Println(muted.Render("Start the worker once with the install key to obtain credentials:"))
		cmd.Println(muted.Render("  trawlworker run --worker-key " + maskKey(installKey)))
		cmd.Println(muted.Render("(pass the real key; it is never stored in the config file)"))
	} else {
		cmd.Println(muted.Render("Start the worker with: trawlworker run"))
	}
	return nil
}

func validateEndpoint(s string) error {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("expected host:port")
	}
	if host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("port must be numeric")
	}
	return nil
}
