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
// Package engine is the context engineering pipeline: pre_process,
// govern_context, driver and post_process. Each stage mutates session state
// through append-reduced deltas and emits one telemetry event.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/config"
	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/predict"
	"github.com/quadracode/quadracode/pkg/registry"
	"github.com/quadracode/quadracode/pkg/state"
	"github.com/quadracode/quadracode/pkg/tokens"
)

// AgentLister is the registry surface the residency probe needs.
type AgentLister interface {
	List(ctx context.Context, healthyOnly, hotpathOnly bool) ([]registry.Agent, error)
}

// Engine runs the four pipeline stages for one agent process.
type Engine struct {
	cfg       config.ContextConfig
	provider  llm.Provider
	counter   *tokens.Counter
	emitter   observability.Emitter
	predictor *predict.Predictor
	registry  AgentLister
	curator   Curator
	scorer    Scorer
	governor  Governor
	loader    *Loader
	logger    *zap.Logger

	// OnExhaustionChanged, when set, is invoked after post_process detects
	// an exhaustion mode change (workspace integrity hook).
	OnExhaustionChanged func(sess *state.SessionState)
}

// Options carries optional collaborators; nil fields get defaults.
type Options struct {
	Provider  llm.Provider
	Emitter   observability.Emitter
	Predictor *predict.Predictor
	Registry  AgentLister
	Curator   Curator
	Scorer    Scorer
	Governor  Governor
	Loader    *Loader
	Logger    *zap.Logger
}

// New wires an engine from config. The curator and scorer honor
// cfg.CuratorMode / cfg.ScorerMode (heuristic or llm).
func New(cfg config.ContextConfig, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Emitter == nil {
		opts.Emitter = observability.NewNop()
	}
	if opts.Provider == nil {
		opts.Provider = llm.NewMock()
	}
	if opts.Loader == nil {
		opts.Loader = NewLoader(cfg.LoaderBatchSize)
	}
	e := &Engine{
		cfg:       cfg,
		provider:  opts.Provider,
		counter:   tokens.GetCounter(),
		emitter:   opts.Emitter,
		predictor: opts.Predictor,
		registry:  opts.Registry,
		curator:   opts.Curator,
		scorer:    opts.Scorer,
		governor:  opts.Governor,
		loader:    opts.Loader,
		logger:    opts.Logger,
	}
	if e.curator == nil {
		if cfg.CuratorMode == "llm" {
			e.curator = NewLLMCurator(opts.Provider, cfg, opts.Logger)
		} else {
			e.curator = NewHeuristicCurator(cfg, opts.Provider, opts.Logger)
		}
	}
	if e.scorer == nil {
		if cfg.ScorerMode == "llm" {
			e.scorer = NewLLMScorer(opts.Provider, opts.Logger)
		} else {
			e.scorer = NewHeuristicScorer(cfg)
		}
	}
	if e.governor == nil {
		e.governor = NewHeuristicGovernor()
	}
	return e
}

// messagesTokens counts the conversation history.
func (e *Engine) messagesTokens(sess *state.SessionState) int {
	total := 0
	for _, m := range sess.Messages {
		total += e.counter.CountMessage(m.Content)
	}
	return total
}

// messagesBudget is the share of the optimal context reserved for history.
func (e *Engine) messagesBudget() int {
	return int(e.cfg.MessagesBudgetRatio * float64(e.cfg.OptimalContextSize))
}

// segmentsBudget is the remainder available to context segments.
func (e *Engine) segmentsBudget() int {
	return e.cfg.OptimalContextSize - e.messagesBudget()
}

// PreProcessResult summarizes what pre_process did.
type PreProcessResult struct {
	MessagesTokens   int
	SegmentsTokens   int
	TotalTokens      int
	Compressed       bool
	CuratorActions   []Action
	LoadedSegments   []string
	HotpathViolation []string
	Quality          Quality
}

// PreProcess computes usage, compresses history, curates segments, loads
// new context, probes hotpath residency, scores quality and updates the
// exhaustion diagnosis.
func (e *Engine) PreProcess(ctx context.Context, sess *state.SessionState) (*PreProcessResult, error) {
	res := &PreProcessResult{}
	res.MessagesTokens = e.messagesTokens(sess)
	res.SegmentsTokens = sess.SegmentTokens()

	if len(sess.Messages) > e.cfg.MinCompressCount || res.MessagesTokens > e.messagesBudget() {
		if err := e.compressHistory(ctx, sess); err != nil {
			return nil, fmt.Errorf("history compression failed: %w", err)
		}
		res.Compressed = true
		res.MessagesTokens = e.messagesTokens(sess)
	}

	if sess.SegmentTokens() > e.segmentsBudget() {
		actions, err := e.curator.Curate(ctx, sess, e.segmentsBudget())
		if err != nil {
			return nil, fmt.Errorf("curation failed: %w", err)
		}
		res.CuratorActions = actions
	}

	loaded, err := e.loader.LoadNext(ctx, sess)
	if err != nil {
		e.logger.Warn("progressive load failed", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	res.LoadedSegments = loaded

	res.HotpathViolation = e.probeHotpath(ctx, sess)

	quality, err := e.scorer.Score(ctx, sess)
	if err != nil {
		e.logger.Warn("quality scoring failed", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	res.Quality = quality

	res.SegmentsTokens = sess.SegmentTokens()
	res.TotalTokens = res.MessagesTokens + res.SegmentsTokens
	e.updateExhaustion(sess, res.TotalTokens)

	e.emitter.Emit(observability.StreamContextMetrics, "pre_process", sess.SessionID, map[string]interface{}{
		"total_tokens":    res.TotalTokens,
		"messages_tokens": res.MessagesTokens,
		"segments_tokens": res.SegmentsTokens,
		"compressed":      res.Compressed,
		"curator_actions": len(res.CuratorActions),
		"loaded_segments": len(res.LoadedSegments),
		"quality":         res.Quality.Overall,
		"exhaustion_mode": string(sess.Exhaustion.Mode),
	})
	return res, nil
}

// updateExhaustion owns the saturation and prediction modes; other modes
// are set by the driver, tests and the skeptic path.
func (e *Engine) updateExhaustion(sess *state.SessionState, totalTokens int) {
	switch {
	case totalTokens > e.cfg.OptimalContextSize:
		prob := float64(totalTokens) / float64(e.cfg.ContextWindowMax)
		if prob > 1 {
			prob = 1
		}
		sess.SetExhaustion(state.ExhaustionContextSaturation, prob, "compress_context")
	case e.predictor != nil:
		if prob, trigger := e.predictor.ShouldTrigger(sess.Ledger); trigger {
			sess.SetExhaustion(state.ExhaustionPredicted, prob, "invite_rehypothesize")
		} else if sess.Exhaustion.Mode == state.ExhaustionContextSaturation || sess.Exhaustion.Mode == state.ExhaustionPredicted {
			sess.SetExhaustion(state.ExhaustionNone, prob, "recovered")
		}
	default:
		if sess.Exhaustion.Mode == state.ExhaustionContextSaturation {
			sess.SetExhaustion(state.ExhaustionNone, 0, "recovered")
		}
	}
}

// probeHotpath reports hotpath agents that are not currently healthy.
func (e *Engine) probeHotpath(ctx context.Context, sess *state.SessionState) []string {
	if e.registry == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	all, err := e.registry.List(probeCtx, false, true)
	if err != nil {
		e.logger.Warn("hotpath probe failed", zap.Error(err))
		return nil
	}
	healthy, err := e.registry.List(probeCtx, true, true)
	if err != nil {
		e.logger.Warn("hotpath probe failed", zap.Error(err))
		return nil
	}
	healthySet := make(map[string]bool, len(healthy))
	for _, a := range healthy {
		healthySet[a.AgentID] = true
	}
	var violations []string
	for _, a := range all {
		if !healthySet[a.AgentID] {
			violations = append(violations, a.AgentID)
			e.emitter.Emit(observability.StreamAutonomousEvents, "hotpath_violation", sess.SessionID, map[string]interface{}{
				"agent_id": a.AgentID,
			})
		}
	}
	return violations
}
