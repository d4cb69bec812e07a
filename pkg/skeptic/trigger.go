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
// Package skeptic converts conversational rejections from the skeptic agent
// into deterministic state triggers: the same rejection phrased two ways
// maps to the same trigger.
package skeptic

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/quadracode/quadracode/pkg/state"
)

// ErrMalformedTrigger marks an inbound skeptic message that cannot be
// parsed. The runtime re-queues the envelope a bounded number of times
// before dead-lettering it.
var ErrMalformedTrigger = errors.New("malformed skeptic trigger")

// Trigger is the structured form of a skeptic rejection.
type Trigger struct {
	CycleIteration    int                  `json:"cycle_iteration"`
	ExhaustionMode    state.ExhaustionMode `json:"exhaustion_mode"`
	RequiredArtifacts []string             `json:"required_artifacts"`
	Rationale         string               `json:"rationale,omitempty"`
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseTrigger parses a skeptic message: either the whole message is a JSON
// object, or it contains one inside a fenced code block.
func ParseTrigger(message string) (*Trigger, error) {
	candidates := []string{strings.TrimSpace(message)}
	if m := fencedBlock.FindStringSubmatch(message); m != nil {
		candidates = append(candidates, m[1])
	}

	var lastErr error
	for _, candidate := range candidates {
		trig, err := parseStrict(candidate)
		if err == nil {
			return trig, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedTrigger, lastErr)
}

func parseStrict(text string) (*Trigger, error) {
	if !strings.HasPrefix(text, "{") {
		return nil, errors.New("not a JSON object")
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	var trig Trigger
	if err := dec.Decode(&trig); err != nil {
		return nil, err
	}
	if trig.CycleIteration < 0 {
		return nil, fmt.Errorf("cycle_iteration must be >= 0, got %d", trig.CycleIteration)
	}
	if !state.ValidExhaustionMode(trig.ExhaustionMode) {
		return nil, fmt.Errorf("unknown exhaustion_mode %q", trig.ExhaustionMode)
	}
	return &trig, nil
}

// Categories for synthesized critiques.
const (
	CategoryInsufficientTesting  = "insufficient_testing"
	CategoryInsufficientEvidence = "insufficient_evidence"
	CategoryRegressionRisk       = "regression_risk"
	CategoryScopeCreep           = "scope_creep"
	CategoryUnsubstantiated      = "unsubstantiated_claim"
)

// inferCategory keys off the rationale wording.
func inferCategory(rationale string) string {
	lower := strings.ToLower(rationale)
	switch {
	case strings.Contains(lower, "test") || strings.Contains(lower, "coverage"):
		return CategoryInsufficientTesting
	case strings.Contains(lower, "evidence") || strings.Contains(lower, "proof") || strings.Contains(lower, "verify"):
		return CategoryInsufficientEvidence
	case strings.Contains(lower, "regress") || strings.Contains(lower, "break"):
		return CategoryRegressionRisk
	case strings.Contains(lower, "scope") || strings.Contains(lower, "unrelated"):
		return CategoryScopeCreep
	default:
		return CategoryUnsubstantiated
	}
}

// inferSeverity grades the rejection: demanded artifacts or a failing-test
// trigger are high, a reasoned rejection is medium, the rest low.
func inferSeverity(trig *Trigger) state.CritiqueSeverity {
	if len(trig.RequiredArtifacts) > 0 || trig.ExhaustionMode == state.ExhaustionTestFailure {
		return state.SeverityHigh
	}
	if strings.TrimSpace(trig.Rationale) != "" {
		return state.SeverityMedium
	}
	return state.SeverityLow
}
