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
// Package runtime is the mailbox-driven agent loop: read, lock the session,
// run the pipeline, publish outbound, checkpoint, ack. Workers run sessions
// in parallel; a named mutex keeps each session single-writer.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/checkpoint"
	"github.com/quadracode/quadracode/pkg/config"
	"github.com/quadracode/quadracode/pkg/engine"
	"github.com/quadracode/quadracode/pkg/fabric"
	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/prp"
	"github.com/quadracode/quadracode/pkg/skeptic"
	"github.com/quadracode/quadracode/pkg/state"
	"github.com/quadracode/quadracode/pkg/timetravel"
	"github.com/quadracode/quadracode/pkg/workspace"
)

// ErrCheckpointUnavailable marks the fatal condition: the loop stops reading
// and exits once checkpoint writes keep failing.
var ErrCheckpointUnavailable = errors.New("checkpoint store unavailable")

// ToolExecutor runs one tool call against the turn's session and returns
// its raw output. Execution failures are content, not turn failures:
// return the error text as output. Executors that need no session state
// ignore it.
type ToolExecutor interface {
	Execute(ctx context.Context, sess *state.SessionState, call llm.ToolCall) (string, error)
}

// Loop is one agent process runtime.
type Loop struct {
	cfg      *config.Config
	self     string
	mailbox  fabric.Mailbox
	store    checkpoint.Store
	engine   *engine.Engine
	machine  *prp.Machine
	skeptic  *skeptic.Handler
	recorder *timetravel.Recorder
	snaps    *workspace.Manager
	executor ToolExecutor
	emitter  observability.Emitter
	logger   *zap.Logger

	basePrompt string
	tools      []llm.Tool

	locks *sessionLocks
	sem   chan struct{}
	wg    sync.WaitGroup

	fatalOnce sync.Once
	fatal     chan error
}

// Options carries the loop's collaborators. Mailbox, Store and Engine are
// required; the rest degrade to no-ops when absent.
type Options struct {
	Mailbox  fabric.Mailbox
	Store    checkpoint.Store
	Engine   *engine.Engine
	Machine  *prp.Machine
	Skeptic  *skeptic.Handler
	Recorder *timetravel.Recorder
	Snaps    *workspace.Manager
	Executor ToolExecutor
	Emitter  observability.Emitter
	Logger   *zap.Logger

	// BasePrompt is the role system prompt; Tools the driver tool surface.
	BasePrompt string
	Tools      []llm.Tool
}

// New builds the loop for the configured agent identity.
func New(cfg *config.Config, opts Options) (*Loop, error) {
	if opts.Mailbox == nil || opts.Store == nil || opts.Engine == nil {
		return nil, fmt.Errorf("runtime requires a mailbox, a checkpoint store and an engine")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Emitter == nil {
		opts.Emitter = observability.NewNop()
	}
	self := cfg.Profile.AgentID
	if self == "" {
		self = cfg.Profile.Role
	}
	workers := cfg.Runtime.Workers
	if workers <= 0 {
		workers = 1
	}
	l := &Loop{
		cfg:        cfg,
		self:       self,
		mailbox:    opts.Mailbox,
		store:      opts.Store,
		engine:     opts.Engine,
		machine:    opts.Machine,
		skeptic:    opts.Skeptic,
		recorder:   opts.Recorder,
		snaps:      opts.Snaps,
		executor:   opts.Executor,
		emitter:    opts.Emitter,
		logger:     opts.Logger,
		basePrompt: opts.BasePrompt,
		tools:      opts.Tools,
		locks:      newSessionLocks(),
		sem:        make(chan struct{}, workers),
		fatal:      make(chan error, 1),
	}
	if l.snaps != nil && cfg.Workspace.Root != "" {
		l.engine.OnExhaustionChanged = l.validateOnExhaustion
	}
	return l, nil
}

// Self returns the loop's mailbox recipient name.
func (l *Loop) Self() string { return l.self }

// Run reads the agent's mailbox until the context is cancelled or a fatal
// storage error occurs. Shutdown drains in-flight turns up to the grace
// period.
func (l *Loop) Run(ctx context.Context) error {
	blockTimeout := time.Duration(l.cfg.Fabric.BlockTimeoutS) * time.Second
	if blockTimeout <= 0 {
		blockTimeout = 2 * time.Second
	}
	batch := l.cfg.Fabric.ReadBatch
	if batch <= 0 {
		batch = 8
	}

	l.logger.Info("runtime loop started",
		zap.String("agent_id", l.self),
		zap.Int("workers", cap(l.sem)))

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-l.fatal:
			runErr = err
			break loop
		default:
		}

		entries, err := l.mailbox.ReadWait(ctx, l.self, batch, blockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break loop
			}
			l.logger.Warn("mailbox read failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				break loop
			}
			continue
		}
		for _, entry := range entries {
			select {
			case l.sem <- struct{}{}:
			case <-ctx.Done():
				break loop
			}
			l.wg.Add(1)
			go func(entry fabric.Entry) {
				defer l.wg.Done()
				defer func() { <-l.sem }()
				l.dispatch(ctx, entry)
			}(entry)
		}
	}

	l.drain()
	l.logger.Info("runtime loop stopped", zap.String("agent_id", l.self))
	return runErr
}

// drain waits for in-flight turns up to the shutdown grace period.
func (l *Loop) drain() {
	grace := time.Duration(l.cfg.Runtime.ShutdownGraceS) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		l.logger.Warn("shutdown grace expired with turns in flight")
	}
}

// dispatch runs one envelope through the turn handler and applies the
// resulting disposition.
func (l *Loop) dispatch(ctx context.Context, entry fabric.Entry) {
	disp, reason, err := l.handle(ctx, entry)
	if err != nil {
		l.fatalOnce.Do(func() { l.fatal <- err })
		return
	}

	switch disp {
	case fabric.DispositionAck:
		if err := l.mailbox.Ack(ctx, l.self, entry.StreamID); err != nil {
			l.logger.Warn("ack failed, entry will be redelivered",
				zap.String("stream_id", entry.StreamID), zap.Error(err))
		}
	case fabric.DispositionDeadLetter:
		if err := l.mailbox.DeadLetter(ctx, l.self, entry, reason); err != nil {
			l.logger.Warn("dead-letter failed",
				zap.String("stream_id", entry.StreamID), zap.Error(err))
		}
	case fabric.DispositionRetry:
		// Leave the entry unacked for redelivery.
		l.logger.Debug("turn deferred",
			zap.String("stream_id", entry.StreamID), zap.String("reason", reason))
	}
}
