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
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/config"
	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/state"
	"github.com/quadracode/quadracode/pkg/tokens"
)

// ActionKind is a curator decision for one segment.
type ActionKind string

const (
	ActionRetain      ActionKind = "retain"
	ActionCompress    ActionKind = "compress"
	ActionSummarize   ActionKind = "summarize"
	ActionExternalize ActionKind = "externalize"
	ActionDiscard     ActionKind = "discard"
)

// Action records one curator decision as applied.
type Action struct {
	SegmentID string     `json:"segment_id"`
	Kind      ActionKind `json:"action"`
	Freed     int        `json:"freed_tokens"`
}

// Curator shrinks the segment set to fit a token budget.
type Curator interface {
	Curate(ctx context.Context, sess *state.SessionState, budget int) ([]Action, error)
}

// Priority ceilings for the heuristic decision ladder.
const (
	discardMaxPriority   = 2
	summarizeMaxPriority = 4
)

// digestSegmentID holds rolled-up low-priority segments.
const digestSegmentID = "curated-digest"

// HeuristicCurator applies the deterministic decision ladder: ineligible
// segments are retained; the rest are visited in ascending priority, then
// ascending last_used_at, until the projection fits the budget.
type HeuristicCurator struct {
	cfg      config.ContextConfig
	counter  *tokens.Counter
	provider llm.Provider
	logger   *zap.Logger
}

// NewHeuristicCurator builds the default curator. A nil provider degrades
// the compress action to head truncation.
func NewHeuristicCurator(cfg config.ContextConfig, provider llm.Provider, logger *zap.Logger) *HeuristicCurator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeuristicCurator{cfg: cfg, counter: tokens.GetCounter(), provider: provider, logger: logger}
}

// Curate implements Curator.
func (c *HeuristicCurator) Curate(ctx context.Context, sess *state.SessionState, budget int) ([]Action, error) {
	var actions []Action
	var digest []string

	for _, seg := range curationOrder(sess) {
		if sess.SegmentTokens() <= budget {
			break
		}
		current := sess.Segment(seg.ID)
		if current == nil {
			continue
		}
		action := c.decide(*current)
		freed, err := c.apply(ctx, sess, *current, action, &digest)
		if err != nil {
			return actions, err
		}
		actions = append(actions, Action{SegmentID: seg.ID, Kind: action, Freed: freed})
	}

	if len(digest) > 0 {
		content := "Digest of curated context:\n" + strings.Join(digest, "\n")
		_ = sess.RemoveSegment(digestSegmentID)
		if err := sess.AddSegment(state.ContextSegment{
			ID:                  digestSegmentID,
			Kind:                state.KindOther,
			Content:             content,
			TokenCount:          c.counter.Count(content),
			Priority:            summarizeMaxPriority,
			CompressionEligible: true,
		}); err != nil {
			return actions, err
		}
	}
	return actions, nil
}

// decide picks the action for one segment.
func (c *HeuristicCurator) decide(seg state.ContextSegment) ActionKind {
	switch {
	case seg.Priority <= discardMaxPriority:
		return ActionDiscard
	case seg.Priority <= summarizeMaxPriority:
		return ActionSummarize
	case c.cfg.ExternalizeWriteEnabled || seg.RestorableReference != "":
		return ActionExternalize
	default:
		return ActionCompress
	}
}

func (c *HeuristicCurator) apply(ctx context.Context, sess *state.SessionState, seg state.ContextSegment, action ActionKind, digest *[]string) (int, error) {
	before := seg.TokenCount
	switch action {
	case ActionDiscard:
		sess.RemoveSegment(seg.ID)
		return before, nil

	case ActionSummarize:
		*digest = append(*digest, fmt.Sprintf("- [%s] %s", seg.Kind, firstLine(seg.Content)))
		sess.RemoveSegment(seg.ID)
		return before, nil

	case ActionExternalize:
		ref := seg.RestorableReference
		if ref == "" {
			var err error
			ref, err = c.externalize(seg)
			if err != nil {
				return 0, err
			}
		}
		stub := fmt.Sprintf("[externalized %s segment, restore from %s]", seg.Kind, ref)
		replaceSegmentContent(sess, seg.ID, stub, c.counter.Count(stub), ref)
		return before - c.counter.Count(stub), nil

	case ActionCompress:
		compressed := c.compress(ctx, seg)
		replaceSegmentContent(sess, seg.ID, compressed, c.counter.Count(compressed), seg.RestorableReference)
		return before - c.counter.Count(compressed), nil

	default:
		return 0, nil
	}
}

// compress replaces content with a model summary, degrading to head
// truncation when no provider is available or the call fails.
func (c *HeuristicCurator) compress(ctx context.Context, seg state.ContextSegment) string {
	if c.provider != nil {
		resp, err := c.provider.Chat(ctx, []llm.Message{
			{Role: "system", Content: "Compress this context segment for an autonomous agent. Keep identifiers, paths and conclusions; drop everything reconstructible."},
			{Role: "user", Content: seg.Content},
		}, nil)
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			return resp.Content
		}
		if err != nil {
			c.logger.Warn("segment compression call failed, truncating", zap.String("segment_id", seg.ID), zap.Error(err))
		}
	}
	return truncateHead(seg.Content, seg.TokenCount/2, c.counter)
}

// externalize writes the segment content under the externalize dir and
// returns the reference path.
func (c *HeuristicCurator) externalize(seg state.ContextSegment) (string, error) {
	dir := c.cfg.ExternalizeDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create externalize dir: %w", err)
	}
	path := filepath.Join(dir, seg.ID+".txt")
	if err := os.WriteFile(path, []byte(seg.Content), 0o644); err != nil {
		return "", fmt.Errorf("failed to externalize segment %s: %w", seg.ID, err)
	}
	return path, nil
}

// curationOrder returns compression-eligible segments in ascending
// priority, then ascending last_used_at.
func curationOrder(sess *state.SessionState) []state.ContextSegment {
	var eligible []state.ContextSegment
	for _, seg := range sess.Segments {
		if seg.CompressionEligible {
			eligible = append(eligible, seg)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].LastUsedAt.Before(eligible[j].LastUsedAt)
	})
	return eligible
}

func replaceSegmentContent(sess *state.SessionState, id, content string, tokenCount int, ref string) {
	for i := range sess.Segments {
		if sess.Segments[i].ID == id {
			sess.Segments[i].Content = content
			sess.Segments[i].TokenCount = tokenCount
			sess.Segments[i].RestorableReference = ref
			return
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 160
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

// truncateHead keeps the leading portion of content within targetTokens.
func truncateHead(content string, targetTokens int, counter *tokens.Counter) string {
	if targetTokens <= 0 {
		targetTokens = 1
	}
	if counter.Count(content) <= targetTokens {
		return content
	}
	// Binary search on byte length.
	lo, hi := 0, len(content)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(content[:mid]) <= targetTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return content[:lo] + "\n[truncated]"
}

// LLMCurator asks the model for per-segment decisions and applies them,
// falling back to the heuristic ladder when the reply cannot be parsed.
type LLMCurator struct {
	provider llm.Provider
	fallback *HeuristicCurator
	counter  *tokens.Counter
	logger   *zap.Logger
}

// NewLLMCurator builds an LLM-guided curator.
func NewLLMCurator(provider llm.Provider, cfg config.ContextConfig, logger *zap.Logger) *LLMCurator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMCurator{
		provider: provider,
		fallback: NewHeuristicCurator(cfg, provider, logger),
		counter:  tokens.GetCounter(),
		logger:   logger,
	}
}

// Curate implements Curator.
func (c *LLMCurator) Curate(ctx context.Context, sess *state.SessionState, budget int) ([]Action, error) {
	eligible := curationOrder(sess)
	if len(eligible) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Decide one action per segment: retain, compress, summarize, externalize or discard. ")
	fmt.Fprintf(&sb, "Current segment tokens %d, budget %d. Reply with a JSON object mapping segment id to action.\n", sess.SegmentTokens(), budget)
	for _, seg := range eligible {
		fmt.Fprintf(&sb, "- id=%s kind=%s priority=%d tokens=%d: %s\n", seg.ID, seg.Kind, seg.Priority, seg.TokenCount, firstLine(seg.Content))
	}

	resp, err := c.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You curate context for an autonomous agent. Respond with JSON only."},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		c.logger.Warn("llm curation failed, using heuristic", zap.Error(err))
		return c.fallback.Curate(ctx, sess, budget)
	}

	decisions, err := parseCuratorReply(resp.Content)
	if err != nil {
		c.logger.Warn("unparseable llm curation reply, using heuristic", zap.Error(err))
		return c.fallback.Curate(ctx, sess, budget)
	}

	var actions []Action
	var digest []string
	for _, seg := range eligible {
		if sess.SegmentTokens() <= budget {
			break
		}
		action, ok := decisions[seg.ID]
		if !ok || action == ActionRetain {
			continue
		}
		current := sess.Segment(seg.ID)
		if current == nil {
			continue
		}
		freed, err := c.fallback.apply(ctx, sess, *current, action, &digest)
		if err != nil {
			return actions, err
		}
		actions = append(actions, Action{SegmentID: seg.ID, Kind: action, Freed: freed})
	}
	if len(digest) > 0 {
		content := "Digest of curated context:\n" + strings.Join(digest, "\n")
		_ = sess.RemoveSegment(digestSegmentID)
		if err := sess.AddSegment(state.ContextSegment{
			ID:                  digestSegmentID,
			Kind:                state.KindOther,
			Content:             content,
			TokenCount:          c.counter.Count(content),
			Priority:            summarizeMaxPriority,
			CompressionEligible: true,
		}); err != nil {
			return actions, err
		}
	}
	return actions, nil
}

func parseCuratorReply(reply string) (map[string]ActionKind, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]ActionKind, len(raw))
	for id, a := range raw {
		kind := ActionKind(strings.ToLower(strings.TrimSpace(a)))
		switch kind {
		case ActionRetain, ActionCompress, ActionSummarize, ActionExternalize, ActionDiscard:
			out[id] = kind
		default:
			return nil, fmt.Errorf("unknown action %q for segment %s", a, id)
		}
	}
	return out, nil
}
