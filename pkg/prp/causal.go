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
	"sort"

	"github.com/quadracode/quadracode/pkg/state"
)

// Confidence tiers for inferred causal edges. The outcome of a concluded
// predecessor is stronger evidence than a bare dependency declaration.
const (
	causalBase          = 0.55
	causalSucceededPred = 0.72
	causalFailedPred    = 0.85
)

// InferCausalChain derives predecessor edges among the given cycles from
// the ledger dependency graph, attaches them to the dependent entries and
// returns the edge list sorted by (from, to).
func (m *Machine) InferCausalChain(sess *state.SessionState, cycleIDs []int) []state.CausalLink {
	inSet := make(map[int]bool, len(cycleIDs))
	for _, id := range cycleIDs {
		inSet[id] = true
	}

	var links []state.CausalLink
	for i := range sess.Ledger {
		entry := &sess.Ledger[i]
		if !inSet[entry.CycleID] {
			continue
		}
		var attached []state.CausalLink
		for _, dep := range entry.Dependencies {
			if !inSet[dep] {
				continue
			}
			conf := causalBase
			if pred := sess.LedgerEntryByCycle(dep); pred != nil {
				switch pred.Status {
				case state.StatusSucceeded:
					conf = causalSucceededPred
				case state.StatusFailed, state.StatusRejected:
					conf = causalFailedPred
				}
			}
			attached = append(attached, state.CausalLink{From: dep, To: entry.CycleID, Confidence: conf})
		}
		if len(attached) > 0 {
			entry.CausalLinks = attached
			links = append(links, attached...)
		}
	}

	sort.Slice(links, func(i, j int) bool {
		if links[i].From != links[j].From {
			return links[i].From < links[j].From
		}
		return links[i].To < links[j].To
	})
	return links
}
