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
package predict

import (
	"math"
	"time"

	"github.com/quadracode/quadracode/pkg/state"
)

// Default tuning.
const (
	DefaultWindow    = 128
	DefaultThreshold = 0.7
)

// weights is a fixed balanced logistic model. Rates are already in [0,1];
// counts are squashed with x/(x+k) and exhaustion recency decays
// exponentially with a ten-minute half-life.
type weights struct {
	bias              float64
	exhaustionRate    float64
	failureRate       float64
	consecExhaustion  float64
	consecFailures    float64
	successRate       float64
	exhaustionRecency float64
	totalCycles       float64
	outcomeStddev     float64
}

var defaultWeights = weights{
	bias:              -2.0,
	exhaustionRate:    2.2,
	failureRate:       1.8,
	consecExhaustion:  1.6,
	consecFailures:    1.4,
	successRate:       -2.0,
	exhaustionRecency: 1.2,
	totalCycles:       0.5,
	outcomeStddev:     0.2,
}

// Predictor scores the exhaustion risk of the next cycle.
type Predictor struct {
	window    int
	threshold float64
	w         weights
	now       func() time.Time
}

// New builds a predictor; zero window or threshold pick the defaults.
func New(window int, threshold float64) *Predictor {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Predictor{window: window, threshold: threshold, w: defaultWeights, now: time.Now}
}

// Probability returns P(exhaustion within the next cycle). With fewer than
// two distinct outcome classes in the window the model has nothing to
// separate and returns 0.
func (p *Predictor) Probability(ledger []state.LedgerEntry) float64 {
	window := ledger
	if p.window > 0 && len(window) > p.window {
		window = window[len(window)-p.window:]
	}
	if outcomeClasses(window) < 2 {
		return 0
	}

	f := Extract(ledger, p.window, p.now())
	z := p.w.bias +
		p.w.exhaustionRate*f.ExhaustionRate +
		p.w.failureRate*f.FailureRate +
		p.w.consecExhaustion*squash(f.ConsecutiveExhaustion, 3) +
		p.w.consecFailures*squash(f.ConsecutiveFailures, 3) +
		p.w.successRate*f.SuccessRate +
		p.w.exhaustionRecency*recency(f.SecondsSinceExhaustion) +
		p.w.totalCycles*squash(f.TotalCycles, 10) +
		p.w.outcomeStddev*squash(f.OutcomeLenStddev, 100)
	return sigmoid(z)
}

// ShouldTrigger reports whether the probability crosses the configured
// threshold, at which point the caller raises predicted_exhaustion.
func (p *Predictor) ShouldTrigger(ledger []state.LedgerEntry) (float64, bool) {
	prob := p.Probability(ledger)
	return prob, prob >= p.threshold
}

// Threshold returns the configured trigger threshold.
func (p *Predictor) Threshold() float64 { return p.threshold }

// outcomeClasses counts distinct concluded outcomes, pooling failed and
// rejected into one negative class.
func outcomeClasses(ledger []state.LedgerEntry) int {
	var pos, neg bool
	for _, e := range ledger {
		switch e.Status {
		case state.StatusSucceeded:
			pos = true
		case state.StatusFailed, state.StatusRejected:
			neg = true
		}
	}
	n := 0
	if pos {
		n++
	}
	if neg {
		n++
	}
	return n
}

func squash(x, k float64) float64 {
	if x <= 0 {
		return 0
	}
	return x / (x + k)
}

// recency maps seconds-since-last-exhaustion to (0,1], 1 meaning just now.
func recency(seconds float64) float64 {
	if math.IsInf(seconds, 1) {
		return 0
	}
	if seconds < 0 {
		seconds = 0
	}
	return math.Exp(-seconds / 600)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
