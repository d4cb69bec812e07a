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
package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimited throttles a Provider with a token bucket. Callers block until
// a token is available or the context ends; the provider itself still
// handles 429s, this wrapper just keeps the steady state under the quota.
type RateLimited struct {
	inner  Provider
	logger *zap.Logger

	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimited wraps a provider at the given requests-per-second rate.
// A rate of 0 or less disables limiting and returns the provider unwrapped.
func NewRateLimited(inner Provider, requestsPerSecond float64, logger *zap.Logger) Provider {
	if requestsPerSecond <= 0 {
		return inner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Single-token bucket: strict pacing, no burst. The runtime's workers
	// already provide concurrency; bursts only invite provider 429s.
	return &RateLimited{
		inner:      inner,
		logger:     logger,
		tokens:     1,
		maxTokens:  1,
		refillRate: requestsPerSecond,
		lastRefill: time.Now(),
	}
}

// Name implements Provider.
func (r *RateLimited) Name() string { return r.inner.Name() }

// Model implements Provider.
func (r *RateLimited) Model() string { return r.inner.Model() }

// Chat implements Provider, waiting for a token before delegating.
func (r *RateLimited) Chat(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Chat(ctx, messages, tools)
}

func (r *RateLimited) wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.tokens += now.Sub(r.lastRefill).Seconds() * r.refillRate
		if r.tokens > r.maxTokens {
			r.tokens = r.maxTokens
		}
		r.lastRefill = now

		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		deficit := 1 - r.tokens
		r.mu.Unlock()

		delay := time.Duration(deficit / r.refillRate * float64(time.Second))
		r.logger.Debug("provider call throttled", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
