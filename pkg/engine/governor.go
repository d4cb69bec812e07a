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
	"sort"
	"time"

	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/state"
)

// PromptOutline is the governed injection plan for the driver.
type PromptOutline struct {
	SystemBanner      string   `json:"system_banner"`
	FocusSegmentID    string   `json:"focus_segment_id,omitempty"`
	OrderedSegmentIDs []string `json:"ordered_segment_ids"`
}

// Governor plans segment ordering for injection. Implementations may
// propose any ordering; GovernContext enforces the guarantees.
type Governor interface {
	Plan(ctx context.Context, sess *state.SessionState, maxSegments, criticalPriority int) (PromptOutline, error)
}

// HeuristicGovernor orders by priority descending, most recently used
// first within a priority band.
type HeuristicGovernor struct{}

// NewHeuristicGovernor builds the default governor.
func NewHeuristicGovernor() *HeuristicGovernor { return &HeuristicGovernor{} }

// Plan implements Governor.
func (g *HeuristicGovernor) Plan(_ context.Context, sess *state.SessionState, maxSegments, criticalPriority int) (PromptOutline, error) {
	ordered := append([]state.ContextSegment{}, sess.Segments...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].LastUsedAt.After(ordered[j].LastUsedAt)
	})

	outline := PromptOutline{SystemBanner: "Engineered context follows, highest priority first."}
	for _, seg := range ordered {
		if len(outline.OrderedSegmentIDs) >= maxSegments && seg.Priority < criticalPriority {
			continue
		}
		outline.OrderedSegmentIDs = append(outline.OrderedSegmentIDs, seg.ID)
		if outline.FocusSegmentID == "" && seg.Kind != state.KindConversationSummary {
			outline.FocusSegmentID = seg.ID
		}
	}
	return outline, nil
}

// GovernContext runs the configured governor and enforces its guarantees:
// ordered ids are a subset of current segments, the count respects
// max_governed_segments, and critical-priority segments are always
// included. Included segments get their last_used_at touched.
func (e *Engine) GovernContext(ctx context.Context, sess *state.SessionState) (PromptOutline, error) {
	outline, err := e.governor.Plan(ctx, sess, e.cfg.GovernorMaxSegments, e.cfg.CriticalPriority)
	if err != nil {
		return PromptOutline{}, err
	}

	byID := make(map[string]*state.ContextSegment, len(sess.Segments))
	for i := range sess.Segments {
		byID[sess.Segments[i].ID] = &sess.Segments[i]
	}

	// Subset guarantee, preserving the governor's order.
	var filtered []string
	seen := map[string]bool{}
	for _, id := range outline.OrderedSegmentIDs {
		if byID[id] == nil || seen[id] {
			continue
		}
		seen[id] = true
		filtered = append(filtered, id)
	}

	// Critical segments are non-negotiable.
	for _, seg := range sess.Segments {
		if seg.Priority >= e.cfg.CriticalPriority && !seen[seg.ID] {
			filtered = append(filtered, seg.ID)
			seen[seg.ID] = true
		}
	}

	// Cap length, never dropping critical entries.
	if max := e.cfg.GovernorMaxSegments; max > 0 && len(filtered) > max {
		var kept []string
		for _, id := range filtered {
			if byID[id].Priority >= e.cfg.CriticalPriority {
				kept = append(kept, id)
			}
		}
		for _, id := range filtered {
			if len(kept) >= max {
				break
			}
			if byID[id].Priority < e.cfg.CriticalPriority {
				kept = append(kept, id)
			}
		}
		filtered = kept
	}
	// Hard window bound: the segments injected alongside the conversation
	// never push the prompt past the model window. Critical segments claim
	// their share first so the squeeze lands on low-priority entries.
	windowDropped := 0
	if windowMax := e.cfg.ContextWindowMax; windowMax > 0 {
		budget := windowMax - e.messagesTokens(sess)
		fits := make(map[string]bool, len(filtered))
		used := 0
		for pass := 0; pass < 2; pass++ {
			for _, id := range filtered {
				seg := byID[id]
				critical := seg.Priority >= e.cfg.CriticalPriority
				if fits[id] || critical != (pass == 0) {
					continue
				}
				if used+seg.TokenCount > budget {
					continue
				}
				used += seg.TokenCount
				fits[id] = true
			}
		}
		if len(fits) < len(filtered) {
			var kept []string
			for _, id := range filtered {
				if fits[id] {
					kept = append(kept, id)
				}
			}
			windowDropped = len(filtered) - len(kept)
			filtered = kept
		}
	}

	outline.OrderedSegmentIDs = filtered
	seen = make(map[string]bool, len(filtered))
	for _, id := range filtered {
		seen[id] = true
	}
	if outline.FocusSegmentID != "" && !seen[outline.FocusSegmentID] {
		outline.FocusSegmentID = ""
	}

	now := time.Now().UTC()
	for _, id := range filtered {
		sess.TouchSegment(id, now)
	}

	e.emitter.Emit(observability.StreamContextMetrics, "govern_context", sess.SessionID, map[string]interface{}{
		"ordered_segments": len(outline.OrderedSegmentIDs),
		"focus_segment":    outline.FocusSegmentID,
		"window_dropped":   windowDropped,
	})
	return outline, nil
}
