// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quadracode/quadracode/internal/log"
	"github.com/quadracode/quadracode/pkg/config"
	"github.com/quadracode/quadracode/pkg/registry"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Serve the agent registry HTTP API",
	RunE:  runRegistry,
}

func init() {
	rootCmd.AddCommand(registryCmd)
}

func runRegistry(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger := log.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := registry.NewStore(cfg.Registry.HealthTimeout(), logger)
	srv := registry.NewServer(store, logger)
	logger.Info("registry listening", zap.String("addr", cfg.Registry.ListenAddr))
	return srv.ListenAndServe(ctx, cfg.Registry.ListenAddr)
}
