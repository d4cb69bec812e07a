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
	"time"
)

// Entry is one delivered mailbox item. StreamID is monotone within a
// mailbox; Deliveries counts how many reads have observed this entry.
type Entry struct {
	StreamID   string
	Envelope   Envelope
	Deliveries int
}

// Mailbox is the durable per-recipient stream contract. Delivery is
// at-least-once: consumers must dedupe by stream id. Deleting an entry
// (Ack) is the consumer's acknowledgement.
type Mailbox interface {
	// Publish appends atomically to mailbox/<recipient> and returns the
	// assigned stream id, monotone within that mailbox.
	Publish(ctx context.Context, recipient string, env Envelope) (string, error)

	// Read returns up to batch oldest-first entries not yet acked.
	Read(ctx context.Context, recipient string, batch int) ([]Entry, error)

	// ReadWait behaves like Read but blocks up to timeout when the
	// mailbox is empty. A timeout returns no entries and no error.
	ReadWait(ctx context.Context, recipient string, batch int, timeout time.Duration) ([]Entry, error)

	// Ack removes the entry. Idempotent on already-removed ids.
	Ack(ctx context.Context, recipient, streamID string) error

	// DeadLetter moves an entry to the dead-letter mailbox, recording the
	// origin mailbox and failure reason, then acks the original.
	DeadLetter(ctx context.Context, recipient string, entry Entry, reason string) error

	// ListMailboxes returns all known recipient names.
	ListMailboxes(ctx context.Context) ([]string, error)

	// Len returns the number of pending entries for a recipient.
	Len(ctx context.Context, recipient string) (int64, error)

	// Close releases backend resources.
	Close() error
}

// Disposition is the explicit result of handling one inbound entry.
type Disposition int

const (
	// DispositionAck removes the entry: handled (or skipped as duplicate).
	DispositionAck Disposition = iota
	// DispositionRetry leaves the entry for redelivery on the next read.
	DispositionRetry
	// DispositionDeadLetter moves the entry to the dead-letter mailbox.
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionAck:
		return "ack"
	case DispositionRetry:
		return "retry"
	case DispositionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}
