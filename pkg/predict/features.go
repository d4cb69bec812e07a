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
// Package predict estimates the probability that the next refinement cycle
// ends in exhaustion, from rolling features over the refinement ledger.
package predict

import (
	"math"
	"time"

	"github.com/quadracode/quadracode/pkg/state"
)

// Features are the rolling statistics extracted from a ledger window.
type Features struct {
	TotalCycles            float64 `json:"total_cycles"`
	ExhaustionRate         float64 `json:"exhaustion_rate"`
	FailureRate            float64 `json:"failure_rate"`
	MeanHypothesisLen      float64 `json:"mean_hypothesis_len"`
	OutcomeLenMean         float64 `json:"outcome_len_mean"`
	OutcomeLenStddev       float64 `json:"outcome_len_stddev"`
	ConsecutiveExhaustion  float64 `json:"consecutive_exhaustion"`
	ConsecutiveFailures    float64 `json:"consecutive_failures"`
	SecondsSinceExhaustion float64 `json:"seconds_since_exhaustion"`
	SuccessRate            float64 `json:"success_rate"`
}

// exhausted reports whether an entry concluded under an exhaustion trigger.
func exhausted(e state.LedgerEntry) bool {
	return e.ExhaustionTrigger != "" && e.ExhaustionTrigger != state.ExhaustionNone
}

func failed(e state.LedgerEntry) bool {
	return e.Status == state.StatusFailed || e.Status == state.StatusRejected
}

// Extract computes features over the most recent window of the ledger.
// Proposed (unconcluded) entries count toward totals and length statistics
// but not toward outcome rates.
func Extract(ledger []state.LedgerEntry, window int, now time.Time) Features {
	if window > 0 && len(ledger) > window {
		ledger = ledger[len(ledger)-window:]
	}

	var f Features
	f.TotalCycles = float64(len(ledger))
	if len(ledger) == 0 {
		return f
	}

	var hypLen, outLen, outLenSq float64
	var concluded, exhaustions, failures, successes, outcomes int
	lastExhaustion := time.Time{}
	for _, e := range ledger {
		hypLen += float64(len(e.Hypothesis))
		if e.OutcomeSummary != "" {
			l := float64(len(e.OutcomeSummary))
			outLen += l
			outLenSq += l * l
			outcomes++
		}
		if e.Status == state.StatusProposed {
			continue
		}
		concluded++
		if exhausted(e) {
			exhaustions++
			if e.Timestamp.After(lastExhaustion) {
				lastExhaustion = e.Timestamp
			}
		}
		if failed(e) {
			failures++
		}
		if e.Status == state.StatusSucceeded {
			successes++
		}
	}

	f.MeanHypothesisLen = hypLen / float64(len(ledger))
	if outcomes > 0 {
		f.OutcomeLenMean = outLen / float64(outcomes)
		variance := outLenSq/float64(outcomes) - f.OutcomeLenMean*f.OutcomeLenMean
		if variance > 0 {
			f.OutcomeLenStddev = math.Sqrt(variance)
		}
	}
	if concluded > 0 {
		f.ExhaustionRate = float64(exhaustions) / float64(concluded)
		f.FailureRate = float64(failures) / float64(concluded)
		f.SuccessRate = float64(successes) / float64(concluded)
	}

	// Streaks run backwards from the most recent concluded entry.
	for i := len(ledger) - 1; i >= 0; i-- {
		if ledger[i].Status == state.StatusProposed {
			continue
		}
		if !exhausted(ledger[i]) {
			break
		}
		f.ConsecutiveExhaustion++
	}
	for i := len(ledger) - 1; i >= 0; i-- {
		if ledger[i].Status == state.StatusProposed {
			continue
		}
		if !failed(ledger[i]) {
			break
		}
		f.ConsecutiveFailures++
	}

	if !lastExhaustion.IsZero() {
		f.SecondsSinceExhaustion = now.Sub(lastExhaustion).Seconds()
	} else {
		f.SecondsSinceExhaustion = math.Inf(1)
	}
	return f
}
