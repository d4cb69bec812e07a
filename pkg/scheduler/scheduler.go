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
// Package scheduler runs the agent's periodic housekeeping: registry
// heartbeats, mailbox depth telemetry, and dead-letter retention. Jobs are
// driven by a cron engine using @every specs derived from configuration.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/fabric"
	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/registry"
)

// jobTimeout bounds one run of any periodic job.
const jobTimeout = 30 * time.Second

// Heartbeater is the registry surface the heartbeat job needs. Satisfied
// by *registry.Client.
type Heartbeater interface {
	Heartbeat(ctx context.Context, agentID string, status registry.Status) (registry.Agent, error)
}

// Config contains scheduler configuration.
type Config struct {
	// AgentID identifies this agent in heartbeats.
	AgentID string

	// Mailbox is probed for depths and swept for dead-letter retention.
	Mailbox fabric.Mailbox

	// Registry receives heartbeats. Nil disables the heartbeat job.
	Registry Heartbeater

	// Status reports the agent's current health for heartbeats. Nil means
	// always healthy.
	Status func() registry.Status

	Emitter observability.Emitter
	Logger  *zap.Logger

	// HeartbeatInterval and ProbeInterval pace the heartbeat and depth
	// probe jobs. Zero disables the job.
	HeartbeatInterval time.Duration
	ProbeInterval     time.Duration

	// SweepInterval paces the dead-letter sweep; DeadLetterMaxLen is the
	// retention bound it enforces.
	SweepInterval    time.Duration
	DeadLetterMaxLen int
}

// Scheduler owns the cron engine and its registered jobs.
type Scheduler struct {
	cfg    Config
	engine *cron.Cron
	logger *zap.Logger
}

// New builds a scheduler. At least one job must be enabled.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Mailbox == nil {
		return nil, fmt.Errorf("mailbox is required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = observability.NewNop()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Status == nil {
		cfg.Status = func() registry.Status { return registry.StatusHealthy }
	}
	if cfg.DeadLetterMaxLen <= 0 {
		cfg.DeadLetterMaxLen = 1000
	}

	s := &Scheduler{
		cfg:    cfg,
		engine: cron.New(),
		logger: cfg.Logger,
	}

	registered := 0
	if cfg.Registry != nil && cfg.HeartbeatInterval > 0 {
		if err := s.add(cfg.HeartbeatInterval, s.runHeartbeat); err != nil {
			return nil, err
		}
		registered++
	}
	if cfg.ProbeInterval > 0 {
		if err := s.add(cfg.ProbeInterval, s.runDepthProbe); err != nil {
			return nil, err
		}
		registered++
	}
	if cfg.SweepInterval > 0 {
		if err := s.add(cfg.SweepInterval, s.runDeadLetterSweep); err != nil {
			return nil, err
		}
		registered++
	}
	if registered == 0 {
		return nil, fmt.Errorf("no jobs enabled")
	}

	return s, nil
}

func (s *Scheduler) add(interval time.Duration, job func(context.Context)) error {
	spec := fmt.Sprintf("@every %s", interval)
	_, err := s.engine.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		job(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	return nil
}

// Start begins executing jobs on their intervals.
func (s *Scheduler) Start() {
	s.engine.Start()
	s.logger.Info("scheduler started",
		zap.Duration("heartbeat_interval", s.cfg.HeartbeatInterval),
		zap.Duration("probe_interval", s.cfg.ProbeInterval),
		zap.Duration("sweep_interval", s.cfg.SweepInterval))
}

// Stop halts scheduling and waits for in-flight jobs up to the context
// deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.engine.Stop()
	select {
	case <-cronCtx.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timeout, a job may still be running")
		return ctx.Err()
	}
}
