// Copyright 2025 Kadir Pekel
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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/runlet/pkg/config"
	"github.com/kadirpekel/runlet/pkg/server"
)

// ServeCmd starts the broker.
type ServeCmd struct {
	Config string `short:"c" help:"Path to config file." type:"path"`
	Port   int    `help:"Override the listen port."`
	Watch  bool   `help:"Watch the config file and hot-reload tool sources."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := c.loadConfig(ctx)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	// Hot reload: a changed config file invalidates cached tool catalogs
	// so the next request rebuilds them against the new sources.
	if c.Watch && loader != nil {
		loader.SetOnChange(func(newCfg *config.Config) {
			if err := srv.Reload(newCfg); err != nil {
				slog.Error("Config reload rejected", "error", err)
			}
		})
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("\nrunlet broker ready\n")
	fmt.Printf("   MCP:     http://%s/mcp\n", cfg.Server.Address())
	fmt.Printf("   Health:  http://%s/health\n", cfg.Server.Address())
	if cfg.Observability.MetricsEnabled {
		fmt.Printf("   Metrics: http://%s%s\n", cfg.Server.Address(), cfg.Observability.MetricsPath)
	}
	if cfg.Auth.Enabled {
		fmt.Printf("   Auth:    OAuth (issuer %s)\n", cfg.Auth.Issuer)
	} else {
		fmt.Printf("   Auth:    anonymous sessions\n")
	}
	fmt.Printf("   Sources: %d configured\n", len(cfg.Sources))
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

func (c *ServeCmd) loadConfig(ctx context.Context) (*config.Config, *config.Loader, error) {
	if c.Config == "" {
		// Zero-config: anonymous sessions, in-memory stores, no sources.
		cfg := &config.Config{}
		cfg.SetDefaults()
		slog.Info("No config file given, using defaults")
		return cfg, nil, nil
	}

	cfg, loader, err := config.LoadConfigFile(ctx, c.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "path", c.Config)
	return cfg, loader, nil
}
