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
// Package tokens provides token counting and budget tracking for context
// engineering. Counting uses tiktoken with cl100k_base encoding, a close
// approximation for Claude-family models.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in text. Safe for concurrent use.
type Counter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	globalCounter *Counter
	counterOnce   sync.Once
)

// GetCounter returns the process-wide token counter.
func GetCounter() *Counter {
	counterOnce.Do(func() {
		tkm, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Char-based estimation fallback when the encoding asset
			// is unavailable (offline builds).
			globalCounter = &Counter{encoder: nil}
			return
		}
		globalCounter = &Counter{encoder: tkm}
	})
	return globalCounter
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if c.encoder == nil {
		return len(text) / 4
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoder.Encode(text, nil, nil))
}

// CountAll counts tokens across multiple texts.
func (c *Counter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}

// messageOverhead approximates per-message role and framing tokens.
const messageOverhead = 10

// CountMessage counts a single role-tagged message including framing overhead.
func (c *Counter) CountMessage(content string) int {
	return messageOverhead + c.Count(content)
}

// Budget tracks token usage against a fixed ceiling with an output reserve.
type Budget struct {
	mu       sync.RWMutex
	max      int
	reserved int
	used     int
}

// NewBudget creates a budget of max tokens with reserved output headroom.
func NewBudget(max, reserved int) *Budget {
	return &Budget{max: max, reserved: reserved}
}

// Available returns tokens remaining for new input content.
func (b *Budget) Available() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.max - b.reserved - b.used
}

// CanFit reports whether n more tokens fit.
func (b *Budget) CanFit(n int) bool {
	return b.Available() >= n
}

// Use consumes n tokens; returns false without consuming when over budget.
func (b *Budget) Use(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max-b.reserved-b.used < n {
		return false
	}
	b.used += n
	return true
}

// Used returns tokens consumed so far.
func (b *Budget) Used() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.used
}

// Reset clears usage.
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = 0
}
