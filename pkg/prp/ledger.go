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
package prp

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/state"
)

// Proposal is the input to ProposeHypothesis. Differentiation is the note
// that overrides a novelty block against a similar failed attempt.
type Proposal struct {
	Hypothesis      string
	Strategy        string
	Dependencies    []int
	Differentiation string
}

// ProposeHypothesis appends a new ledger entry with status proposed and
// returns its cycle id. The hypothesis is scored for novelty against every
// prior entry; a near-duplicate of a failed attempt with the same strategy
// is rejected unless the proposal carries a differentiation note.
func (m *Machine) ProposeHypothesis(sess *state.SessionState, p Proposal) (int, error) {
	if strings.TrimSpace(p.Hypothesis) == "" {
		return 0, fmt.Errorf("empty hypothesis")
	}

	tokens := tokenize(p.Hypothesis)
	maxSim := 0.0
	blocked := false
	blockedBy := 0
	for i := range sess.Ledger {
		prior := &sess.Ledger[i]
		sim := jaccard(tokens, tokenize(prior.Hypothesis))
		if sim > maxSim {
			maxSim = sim
		}
		if sim >= m.noveltyThreshold && prior.Strategy == p.Strategy &&
			(prior.Status == state.StatusFailed || prior.Status == state.StatusRejected) {
			blocked = true
			blockedBy = prior.CycleID
		}
	}
	novelty := 1 - maxSim

	if blocked && strings.TrimSpace(p.Differentiation) == "" {
		m.logger.Info("hypothesis blocked for low novelty",
			zap.String("session_id", sess.SessionID),
			zap.Int("similar_cycle", blockedBy),
			zap.Float64("novelty", novelty))
		return 0, fmt.Errorf("%w: similar to failed cycle %d (novelty %.2f)", ErrNoveltyBlocked, blockedBy, novelty)
	}

	cycleID := nextCycleID(sess)
	entry := state.LedgerEntry{
		CycleID:                     cycleID,
		Timestamp:                   time.Now().UTC(),
		Hypothesis:                  p.Hypothesis,
		Status:                      state.StatusProposed,
		Strategy:                    p.Strategy,
		NoveltyScore:                novelty,
		Dependencies:                append([]int{}, p.Dependencies...),
		PredictedSuccessProbability: m.predictSuccess(sess, tokens, novelty),
		Differentiation:             p.Differentiation,
	}
	sess.Ledger = append(sess.Ledger, entry)

	m.emitter.Emit(observability.StreamPRPTelemetry, "propose_hypothesis", sess.SessionID, map[string]interface{}{
		"cycle_id":                      cycleID,
		"novelty_score":                 novelty,
		"predicted_success_probability": entry.PredictedSuccessProbability,
		"differentiated":                p.Differentiation != "",
	})
	return cycleID, nil
}

// ConcludeHypothesis mutates the matching entry exactly once: status,
// outcome summary and optional test results. The exhaustion mode active at
// conclusion time is recorded as the trigger, and a snapshot event of the
// concluded fields is appended to the entry's history.
func (m *Machine) ConcludeHypothesis(sess *state.SessionState, cycleID int, status state.LedgerStatus, outcome string, results *state.TestResults) error {
	entry := sess.LedgerEntryByCycle(cycleID)
	if entry == nil {
		return fmt.Errorf("%w: %d", ErrUnknownCycle, cycleID)
	}
	if entry.Status != state.StatusProposed {
		return fmt.Errorf("%w: cycle %d is %s", ErrAlreadyConcluded, cycleID, entry.Status)
	}
	switch status {
	case state.StatusSucceeded, state.StatusFailed, state.StatusRejected:
	default:
		return fmt.Errorf("invalid conclusion status %q", status)
	}

	entry.Status = status
	entry.OutcomeSummary = outcome
	entry.TestResults = results
	entry.ExhaustionTrigger = sess.Exhaustion.Mode
	entry.History = append(entry.History, state.LedgerEvent{
		Timestamp:         time.Now().UTC(),
		Event:             "concluded",
		Status:            status,
		OutcomeSummary:    outcome,
		ExhaustionTrigger: entry.ExhaustionTrigger,
		TestResults:       results,
	})

	m.emitter.Emit(observability.StreamPRPTelemetry, "conclude_hypothesis", sess.SessionID, map[string]interface{}{
		"cycle_id": cycleID,
		"status":   string(status),
	})
	return nil
}

// QueryPastFailures returns failed and rejected entries, optionally
// filtered by a case-insensitive substring over hypothesis, strategy and
// outcome summary.
func (m *Machine) QueryPastFailures(sess *state.SessionState, pattern string) []state.LedgerEntry {
	pattern = strings.ToLower(pattern)
	var out []state.LedgerEntry
	for _, e := range sess.Ledger {
		if e.Status != state.StatusFailed && e.Status != state.StatusRejected {
			continue
		}
		if pattern != "" {
			haystack := strings.ToLower(e.Hypothesis + " " + e.Strategy + " " + e.OutcomeSummary)
			if !strings.Contains(haystack, pattern) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// predictSuccess combines the historical success rate, outcomes of similar
// prior entries, and a novelty multiplier.
func (m *Machine) predictSuccess(sess *state.SessionState, tokens map[string]struct{}, novelty float64) float64 {
	var concluded, succeeded int
	var similar, similarSucceeded int
	for _, e := range sess.Ledger {
		if e.Status == state.StatusProposed {
			continue
		}
		concluded++
		ok := e.Status == state.StatusSucceeded
		if ok {
			succeeded++
		}
		if jaccard(tokens, tokenize(e.Hypothesis)) >= 0.5 {
			similar++
			if ok {
				similarSucceeded++
			}
		}
	}

	hist := 0.5
	if concluded > 0 {
		hist = float64(succeeded) / float64(concluded)
	}
	simRate := hist
	if similar > 0 {
		simRate = float64(similarSucceeded) / float64(similar)
	}

	p := (0.5*hist + 0.5*simRate) * (0.4 + 0.6*novelty)
	if p < 0.05 {
		p = 0.05
	}
	if p > 0.95 {
		p = 0.95
	}
	return p
}

func nextCycleID(sess *state.SessionState) int {
	max := 0
	for _, e := range sess.Ledger {
		if e.CycleID > max {
			max = e.CycleID
		}
	}
	return max + 1
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenSplit.Split(strings.ToLower(s), -1) {
		if tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
