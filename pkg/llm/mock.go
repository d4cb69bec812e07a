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
	"fmt"
	"sync"
)

// Mock is a scripted provider for tests. Responses are consumed in FIFO
// order; when the script is empty every call returns Fallback.
type Mock struct {
	mu       sync.Mutex
	script   []*Response
	requests [][]Message

	// Fallback is returned once the script is exhausted. Nil means error.
	Fallback *Response

	// Err, when set, fails every call.
	Err error
}

// NewMock returns an empty mock with a plain-text fallback.
func NewMock() *Mock {
	return &Mock{
		Fallback: &Response{Content: "ok", StopReason: "end_turn", Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
	}
}

// Enqueue appends scripted responses.
func (m *Mock) Enqueue(responses ...*Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// Name implements Provider.
func (m *Mock) Name() string { return "mock" }

// Model implements Provider.
func (m *Mock) Model() string { return "mock-model" }

// Chat implements Provider.
func (m *Mock) Chat(_ context.Context, messages []Message, _ []Tool) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, append([]Message{}, messages...))
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.script) > 0 {
		resp := m.script[0]
		m.script = m.script[1:]
		return resp, nil
	}
	if m.Fallback == nil {
		return nil, fmt.Errorf("mock script exhausted")
	}
	return m.Fallback, nil
}

// Requests returns every conversation passed to Chat.
func (m *Mock) Requests() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Message{}, m.requests...)
}

// LastRequest returns the most recent conversation, or nil.
func (m *Mock) LastRequest() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

var _ Provider = (*Mock)(nil)
