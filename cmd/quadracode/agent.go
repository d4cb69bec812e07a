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
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quadracode/quadracode/internal/log"
	"github.com/quadracode/quadracode/pkg/checkpoint"
	"github.com/quadracode/quadracode/pkg/config"
	"github.com/quadracode/quadracode/pkg/engine"
	"github.com/quadracode/quadracode/pkg/fabric"
	"github.com/quadracode/quadracode/pkg/fleet"
	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/predict"
	"github.com/quadracode/quadracode/pkg/prp"
	"github.com/quadracode/quadracode/pkg/registry"
	"github.com/quadracode/quadracode/pkg/runtime"
	"github.com/quadracode/quadracode/pkg/scheduler"
	"github.com/quadracode/quadracode/pkg/skeptic"
	"github.com/quadracode/quadracode/pkg/timetravel"
	"github.com/quadracode/quadracode/pkg/workspace"
)

// Housekeeping intervals for the periodic scheduler. The heartbeat period
// comes from config; these two are operational constants.
const (
	depthProbeInterval = 30 * time.Second
	deadLetterSweep    = time.Minute
)

var (
	agentRole    string
	agentID      string
	agentHotpath bool
)

// rolePrompts are the built-in system prompts, used when the profile does
// not supply one.
var rolePrompts = map[string]string{
	"orchestrator": "You are the orchestrator of a multi-agent engineering fleet. " +
		"Decompose work into tickets, route them to worker agents, and manage the " +
		"fleet with the agent tools. Never delete a hotpath resident.",
	"worker": "You are a worker agent. Refine each ticket through hypothesize, " +
		"execute, test, conclude and propose. Never claim completion without " +
		"passing test results.",
	"skeptic": "You are the skeptic. Challenge conclusions that lack evidence: " +
		"demand test results and artifacts before any work is accepted.",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run one agent process (orchestrator, worker or skeptic)",
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentRole, "role", "", "agent role: orchestrator, worker, skeptic")
	agentCmd.Flags().StringVar(&agentID, "agent-id", "", "registry identity and mailbox name")
	agentCmd.Flags().BoolVar(&agentHotpath, "hotpath", false, "register as hotpath resident")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if agentRole != "" {
		cfg.Profile.Role = agentRole
	}
	if agentID != "" {
		cfg.Profile.AgentID = agentID
	}
	if agentHotpath {
		cfg.Profile.Hotpath = true
	}
	if cfg.Profile.AgentID == "" {
		if cfg.Profile.Role == "worker" {
			cfg.Profile.AgentID = "agent-" + uuid.NewString()[:8]
		} else {
			cfg.Profile.AgentID = cfg.Profile.Role
		}
	}

	if err := log.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger := log.With(
		zap.String("agent_id", cfg.Profile.AgentID),
		zap.String("role", cfg.Profile.Role))

	// With a config file present, watch it and apply the dynamic knobs.
	// Wiring such as addresses and identities still requires a restart.
	if cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, logger)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		watcher.OnApply(func(next *config.Config) {
			if err := log.Init(next.Logging.Level, next.Logging.Format); err != nil {
				logger.Warn("logging reload failed", zap.Error(err))
			}
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mailbox := fabric.NewRedisMailbox(fabric.RedisOptions{
		Addr:             cfg.Fabric.RedisAddr,
		Password:         cfg.Fabric.RedisPassword,
		DB:               cfg.Fabric.RedisDB,
		DeadLetterMaxLen: int64(cfg.Fabric.DeadLetterMaxLen),
	}, logger)
	defer mailbox.Close()

	store, err := checkpoint.NewSQLiteStore(cfg.Checkpoint.Path, logger)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	emitter := observability.NewRedisEmitter(
		cfg.Fabric.RedisAddr, cfg.Fabric.RedisPassword, cfg.Fabric.RedisDB, logger)
	defer emitter.Close()

	provider := buildProvider(cfg, logger)
	client := registry.NewClient(cfg.Registry.URL, cfg.Registry.RegistryTimeout())

	eng := engine.New(cfg.Context, engine.Options{
		Provider:  provider,
		Emitter:   emitter,
		Predictor: predict.New(cfg.Predictor.WindowSize, cfg.Predictor.TriggerThreshold),
		Registry:  client,
		Logger:    logger,
	})

	machine := prp.NewMachine(cfg.PRP.Strict, cfg.PRP.NoveltySimilarityThreshold, emitter, logger)
	handler := skeptic.NewHandler(machine, emitter, logger)

	recorder, err := timetravel.NewRecorder(cfg.TimeTravel.Dir, logger)
	if err != nil {
		return fmt.Errorf("open time-travel recorder: %w", err)
	}
	defer recorder.Close()

	var snaps *workspace.Manager
	if cfg.Workspace.Root != "" {
		snaps, err = workspace.NewManager(cfg.Workspace.SnapshotDir, cfg.Workspace.SnapshotRetention, logger)
		if err != nil {
			return fmt.Errorf("open workspace snapshots: %w", err)
		}
	}

	var executor runtime.ToolExecutor
	var tools []llm.Tool
	switch cfg.Profile.Role {
	case "orchestrator":
		executor = fleet.NewController(client, &fleet.ExecSpawner{Logger: logger},
			0, cfg.Registry.HealthTimeout(), emitter, logger)
		tools = fleet.Tools()
	case "worker":
		executor = prp.NewLedgerExecutor(machine, logger)
		tools = prp.Tools()
	}

	basePrompt, err := resolvePrompt(cfg.Profile.SystemPrompt)
	if err != nil {
		return err
	}
	if basePrompt == "" {
		basePrompt = rolePrompts[cfg.Profile.Role]
	}

	// Registration failure is not fatal: heartbeats re-register once the
	// registry comes back.
	hotpath := cfg.Profile.Hotpath
	if _, err := client.Register(ctx, registry.RegisterRequest{
		AgentID: cfg.Profile.AgentID,
		Host:    cfg.Profile.Host,
		Port:    cfg.Profile.Port,
		Hotpath: &hotpath,
	}); err != nil {
		logger.Warn("registry registration failed", zap.Error(err))
	}

	schedCfg := scheduler.Config{
		AgentID:           cfg.Profile.AgentID,
		Mailbox:           mailbox,
		Registry:          client,
		Emitter:           emitter,
		Logger:            logger,
		HeartbeatInterval: cfg.Registry.HeartbeatInterval(),
	}
	if cfg.Profile.Role == "orchestrator" {
		// One process owns fleet-wide housekeeping.
		schedCfg.ProbeInterval = depthProbeInterval
		schedCfg.SweepInterval = deadLetterSweep
		schedCfg.DeadLetterMaxLen = cfg.Fabric.DeadLetterMaxLen
	}
	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	}()

	loop, err := runtime.New(cfg, runtime.Options{
		Mailbox:    mailbox,
		Store:      store,
		Engine:     eng,
		Machine:    machine,
		Skeptic:    handler,
		Recorder:   recorder,
		Snaps:      snaps,
		Executor:   executor,
		Emitter:    emitter,
		Logger:     logger,
		BasePrompt: basePrompt,
		Tools:      tools,
	})
	if err != nil {
		return err
	}

	logger.Info("agent starting", zap.String("mailbox", fabric.MailboxName(loop.Self())))
	return loop.Run(ctx)
}

// buildProvider selects the model provider and applies rate limiting.
func buildProvider(cfg *config.Config, logger *zap.Logger) llm.Provider {
	var provider llm.Provider
	if cfg.LLM.Provider == "mock" {
		provider = llm.NewMock()
	} else {
		provider = llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Endpoint:    cfg.LLM.Endpoint,
			Timeout:     time.Duration(cfg.LLM.TimeoutS) * time.Second,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Logger:      logger,
		})
	}
	return llm.NewRateLimited(provider, cfg.LLM.RequestsPerSecond, logger)
}

// resolvePrompt returns the system prompt, reading it from a file when the
// value carries the "@" prefix.
func resolvePrompt(value string) (string, error) {
	if !strings.HasPrefix(value, "@") {
		return value, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(value, "@"))
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return string(data), nil
}
