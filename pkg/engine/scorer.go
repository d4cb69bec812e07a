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
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/config"
	"github.com/quadracode/quadracode/pkg/llm"
	"github.com/quadracode/quadracode/pkg/state"
)

// Quality scores engineered context across six dimensions, each in [0,1].
type Quality struct {
	Relevance    float64 `json:"relevance"`
	Coherence    float64 `json:"coherence"`
	Completeness float64 `json:"completeness"`
	Freshness    float64 `json:"freshness"`
	Diversity    float64 `json:"diversity"`
	Efficiency   float64 `json:"efficiency"`
	Overall      float64 `json:"overall"`
}

// Scorer computes a context quality score.
type Scorer interface {
	Score(ctx context.Context, sess *state.SessionState) (Quality, error)
}

// HeuristicScorer derives the six dimensions from observable state.
type HeuristicScorer struct {
	cfg config.ContextConfig
	now func() time.Time
}

// NewHeuristicScorer builds the default scorer.
func NewHeuristicScorer(cfg config.ContextConfig) *HeuristicScorer {
	return &HeuristicScorer{cfg: cfg, now: time.Now}
}

// Score implements Scorer.
func (s *HeuristicScorer) Score(_ context.Context, sess *state.SessionState) (Quality, error) {
	q := Quality{
		Relevance:    s.relevance(sess),
		Coherence:    s.coherence(sess),
		Completeness: s.completeness(sess),
		Freshness:    s.freshness(sess),
		Diversity:    s.diversity(sess),
		Efficiency:   s.efficiency(sess),
	}
	q.Overall = overall(q)
	return q, nil
}

// relevance is the share of segments touched within the last ten minutes.
func (s *HeuristicScorer) relevance(sess *state.SessionState) float64 {
	if len(sess.Segments) == 0 {
		return 1
	}
	cutoff := s.now().Add(-10 * time.Minute)
	used := 0
	for _, seg := range sess.Segments {
		if seg.LastUsedAt.After(cutoff) {
			used++
		}
	}
	return float64(used) / float64(len(sess.Segments))
}

// coherence penalizes duplicate first lines across segments.
func (s *HeuristicScorer) coherence(sess *state.SessionState) float64 {
	if len(sess.Segments) == 0 {
		return 1
	}
	seen := map[string]bool{}
	dupes := 0
	for _, seg := range sess.Segments {
		key := firstLine(seg.Content)
		if seen[key] {
			dupes++
		}
		seen[key] = true
	}
	return 1 - float64(dupes)/float64(len(sess.Segments))
}

// completeness rewards a summary once history is long, and a plan segment
// once cycles have started.
func (s *HeuristicScorer) completeness(sess *state.SessionState) float64 {
	score := 1.0
	if len(sess.Messages) > s.cfg.RetentionCount && sess.ConversationSummary() == nil {
		score -= 0.5
	}
	if sess.PRP.CycleCount > 0 && len(sess.SegmentsByKind(state.KindPlan)) == 0 {
		score -= 0.25
	}
	if score < 0 {
		score = 0
	}
	return score
}

// freshness decays with the mean segment age (one-hour scale).
func (s *HeuristicScorer) freshness(sess *state.SessionState) float64 {
	if len(sess.Segments) == 0 {
		return 1
	}
	now := s.now()
	var totalAge float64
	for _, seg := range sess.Segments {
		totalAge += now.Sub(seg.CreatedAt).Hours()
	}
	return math.Exp(-totalAge / float64(len(sess.Segments)))
}

// diversity is the spread of segment kinds.
func (s *HeuristicScorer) diversity(sess *state.SessionState) float64 {
	if len(sess.Segments) == 0 {
		return 1
	}
	kinds := map[state.SegmentKind]bool{}
	for _, seg := range sess.Segments {
		kinds[seg.Kind] = true
	}
	const kindCount = 7
	return float64(len(kinds)) / math.Min(float64(len(sess.Segments)), kindCount)
}

// efficiency is the unused share of the context window.
func (s *HeuristicScorer) efficiency(sess *state.SessionState) float64 {
	if s.cfg.ContextWindowMax == 0 {
		return 1
	}
	used := float64(sess.SegmentTokens()) / float64(s.cfg.ContextWindowMax)
	if used > 1 {
		used = 1
	}
	return 1 - used
}

func overall(q Quality) float64 {
	return 0.25*q.Relevance + 0.15*q.Coherence + 0.2*q.Completeness +
		0.1*q.Freshness + 0.1*q.Diversity + 0.2*q.Efficiency
}

// LLMScorer asks the model to grade the six dimensions, falling back to
// zeroed output errors on unparseable replies.
type LLMScorer struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewLLMScorer builds a rubric-based scorer.
func NewLLMScorer(provider llm.Provider, logger *zap.Logger) *LLMScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMScorer{provider: provider, logger: logger}
}

// Score implements Scorer.
func (s *LLMScorer) Score(ctx context.Context, sess *state.SessionState) (Quality, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Grade this agent context on relevance, coherence, completeness, freshness, diversity and efficiency, each 0 to 1. Reply with JSON only.\nMessages: %d, segments: %d, segment tokens: %d.\n",
		len(sess.Messages), len(sess.Segments), sess.SegmentTokens())
	for _, seg := range sess.Segments {
		fmt.Fprintf(&sb, "- [%s p%d %dtok] %s\n", seg.Kind, seg.Priority, seg.TokenCount, firstLine(seg.Content))
	}

	resp, err := s.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: "You grade context quality. Respond with a JSON object of six numeric fields."},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return Quality{}, fmt.Errorf("llm scoring failed: %w", err)
	}

	start := strings.IndexByte(resp.Content, '{')
	end := strings.LastIndexByte(resp.Content, '}')
	if start < 0 || end <= start {
		return Quality{}, fmt.Errorf("no JSON object in scorer reply")
	}
	var q Quality
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &q); err != nil {
		return Quality{}, fmt.Errorf("unparseable scorer reply: %w", err)
	}
	q.Overall = overall(q)
	return q, nil
}
