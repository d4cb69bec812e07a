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
package timetravel

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// CycleDiff compares two recorded cycles of one session.
type CycleDiff struct {
	TokenDelta     int      `json:"token_delta"`
	ToolCallsDelta int      `json:"tool_calls_delta"`
	StageDelta     int      `json:"stage_delta"`
	StatusChanges  []string `json:"status_changes,omitempty"`
}

// Diff replays both cycles and reports how the second differs from the
// first: token and activity deltas plus a line diff over the status
// trajectory (prp_state/exhaustion_mode per event).
func (r *Recorder) Diff(sessionID string, cycleA, cycleB int) (CycleDiff, error) {
	eventsA, err := r.Replay(sessionID, cycleA)
	if err != nil {
		return CycleDiff{}, err
	}
	eventsB, err := r.Replay(sessionID, cycleB)
	if err != nil {
		return CycleDiff{}, err
	}

	return CycleDiff{
		TokenDelta:     totalTokens(eventsB) - totalTokens(eventsA),
		ToolCallsDelta: countPrefix(eventsB, "tool:") - countPrefix(eventsA, "tool:"),
		StageDelta:     countPrefix(eventsB, "stage:") - countPrefix(eventsA, "stage:"),
		StatusChanges:  statusChanges(eventsA, eventsB),
	}, nil
}

// totalTokens returns the last total_tokens value reported in the cycle.
func totalTokens(events []Event) int {
	total := 0
	for _, ev := range events {
		if ev.Payload == nil {
			continue
		}
		if v, ok := ev.Payload["total_tokens"]; ok {
			switch n := v.(type) {
			case float64:
				total = int(n)
			case int:
				total = n
			}
		}
	}
	return total
}

func countPrefix(events []Event, prefix string) int {
	n := 0
	for _, ev := range events {
		if strings.HasPrefix(ev.Event, prefix) {
			n++
		}
	}
	return n
}

// statusChanges line-diffs the deduplicated status trajectories and renders
// insertions and deletions as +/- entries.
func statusChanges(a, b []Event) []string {
	textA := statusTrajectory(a)
	textB := statusTrajectory(b)
	if textA == textB {
		return nil
	}

	dmp := diffmatchpatch.New()
	runesA, runesB, lines := dmp.DiffLinesToRunes(textA, textB)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(runesA, runesB, false), lines)

	var out []string
	for _, d := range diffs {
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			if line == "" {
				continue
			}
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				out = append(out, "+"+line)
			case diffmatchpatch.DiffDelete:
				out = append(out, "-"+line)
			}
		}
	}
	return out
}

// statusTrajectory collapses consecutive repeats so the diff reflects
// transitions, not event volume.
func statusTrajectory(events []Event) string {
	var sb strings.Builder
	last := ""
	for _, ev := range events {
		line := fmt.Sprintf("%s/%s", ev.PRPState, ev.ExhaustionMode)
		if line == last {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
		last = line
	}
	return sb.String()
}
