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
package fabric

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryEntry is one stored entry plus its delivery count.
type memoryEntry struct {
	seq        int64
	envelope   Envelope
	deliveries int
}

// MemoryMailbox is an in-memory Mailbox with the same at-least-once,
// ack-is-delete contract as the Redis backend. Intended for tests and
// single-process runs.
type MemoryMailbox struct {
	mu               sync.Mutex
	streams          map[string][]*memoryEntry
	nextSeq          int64
	deadLetterMaxLen int
	notify           map[string]chan struct{}
}

// NewMemoryMailbox creates an empty in-memory mailbox set.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		streams:          make(map[string][]*memoryEntry),
		deadLetterMaxLen: 1000,
		notify:           make(map[string]chan struct{}),
	}
}

func (m *MemoryMailbox) notifyChan(recipient string) chan struct{} {
	ch, ok := m.notify[recipient]
	if !ok {
		ch = make(chan struct{}, 1)
		m.notify[recipient] = ch
	}
	return ch
}

// Publish appends the envelope and assigns a monotone stream id.
func (m *MemoryMailbox) Publish(_ context.Context, recipient string, env Envelope) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	e := &memoryEntry{seq: m.nextSeq, envelope: env}
	m.streams[recipient] = append(m.streams[recipient], e)
	select {
	case m.notifyChan(recipient) <- struct{}{}:
	default:
	}
	return streamID(e.seq), nil
}

func streamID(seq int64) string {
	return fmt.Sprintf("%d-0", seq)
}

// Read returns up to batch oldest-first pending entries.
func (m *MemoryMailbox) Read(_ context.Context, recipient string, batch int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream := m.streams[recipient]
	if batch > len(stream) {
		batch = len(stream)
	}
	entries := make([]Entry, 0, batch)
	for _, e := range stream[:batch] {
		e.deliveries++
		// Round-trip through the wire format so memory and Redis
		// backends agree on poison semantics.
		env := envelopeFromWire(stringValues(wireFields(e.envelope)))
		entries = append(entries, Entry{
			StreamID:   streamID(e.seq),
			Envelope:   env,
			Deliveries: e.deliveries,
		})
	}
	return entries, nil
}

// ReadWait blocks until an entry arrives or the timeout lapses.
func (m *MemoryMailbox) ReadWait(ctx context.Context, recipient string, batch int, timeout time.Duration) ([]Entry, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		entries, err := m.Read(ctx, recipient, batch)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		m.mu.Lock()
		ch := m.notifyChan(recipient)
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ch:
		}
	}
}

// Ack removes the entry. Idempotent on already-removed ids.
func (m *MemoryMailbox) Ack(_ context.Context, recipient, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream := m.streams[recipient]
	for i, e := range stream {
		if streamID(e.seq) == id {
			m.streams[recipient] = append(stream[:i], stream[i+1:]...)
			return nil
		}
	}
	return nil
}

// DeadLetter moves the entry to the dead-letter mailbox and acks the
// original. The dead-letter stream is trimmed to its retention bound.
func (m *MemoryMailbox) DeadLetter(ctx context.Context, recipient string, entry Entry, reason string) error {
	env := entry.Envelope
	env.Message = fmt.Sprintf("[dead-letter from %s/%s: %s] %s",
		MailboxName(recipient), entry.StreamID, reason, env.Message)
	if _, err := m.Publish(ctx, RecipientDeadLetter, env); err != nil {
		return err
	}
	m.mu.Lock()
	if dl := m.streams[RecipientDeadLetter]; len(dl) > m.deadLetterMaxLen {
		m.streams[RecipientDeadLetter] = dl[len(dl)-m.deadLetterMaxLen:]
	}
	m.mu.Unlock()
	return m.Ack(ctx, recipient, entry.StreamID)
}

// ListMailboxes returns all recipients with any history, sorted.
func (m *MemoryMailbox) ListMailboxes(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.streams))
	for name := range m.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Len returns the pending entry count.
func (m *MemoryMailbox) Len(_ context.Context, recipient string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.streams[recipient])), nil
}

// Close is a no-op for the memory backend.
func (m *MemoryMailbox) Close() error {
	return nil
}
