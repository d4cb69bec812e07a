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
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// readPollInterval is the poll period for blocking reads. XRANGE has no
// blocking form; polling keeps ack-is-delete semantics intact.
const readPollInterval = 100 * time.Millisecond

// RedisMailbox implements Mailbox on Redis streams. Entries live in
// mailbox/<recipient>; delivery counts live in a sibling hash keyed by
// stream id so poison entries can be dead-lettered after bounded retries.
type RedisMailbox struct {
	client           *redis.Client
	logger           *zap.Logger
	deadLetterMaxLen int64
}

// RedisOptions configures the Redis-backed mailbox.
type RedisOptions struct {
	Addr             string
	Password         string
	DB               int
	DeadLetterMaxLen int64
}

// NewRedisMailbox connects to the durable log.
func NewRedisMailbox(opts RedisOptions, logger *zap.Logger) *RedisMailbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DeadLetterMaxLen <= 0 {
		opts.DeadLetterMaxLen = 1000
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisMailbox{
		client:           client,
		logger:           logger,
		deadLetterMaxLen: opts.DeadLetterMaxLen,
	}
}

func deliveriesKey(recipient string) string {
	return MailboxName(recipient) + ":deliveries"
}

// Publish appends to the recipient's stream.
func (m *RedisMailbox) Publish(ctx context.Context, recipient string, env Envelope) (string, error) {
	id, err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: MailboxName(recipient),
		Values: wireFields(env),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", MailboxName(recipient), err)
	}
	return id, nil
}

// Read returns up to batch oldest-first pending entries and bumps their
// delivery counts.
func (m *RedisMailbox) Read(ctx context.Context, recipient string, batch int) ([]Entry, error) {
	msgs, err := m.client.XRangeN(ctx, MailboxName(recipient), "-", "+", int64(batch)).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", MailboxName(recipient), err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		n, err := m.client.HIncrBy(ctx, deliveriesKey(recipient), msg.ID, 1).Result()
		if err != nil {
			// Delivery accounting is advisory; surface the entry anyway.
			m.logger.Warn("delivery count update failed",
				zap.String("mailbox", recipient), zap.String("stream_id", msg.ID), zap.Error(err))
			n = 1
		}
		entries = append(entries, Entry{
			StreamID:   msg.ID,
			Envelope:   envelopeFromWire(stringValues(msg.Values)),
			Deliveries: int(n),
		})
	}
	return entries, nil
}

// ReadWait polls until entries arrive, the timeout lapses, or ctx ends.
func (m *RedisMailbox) ReadWait(ctx context.Context, recipient string, batch int, timeout time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(timeout)
	for {
		entries, err := m.Read(ctx, recipient, batch)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(readPollInterval):
		}
	}
}

// Ack deletes the entry and its delivery count. Idempotent.
func (m *RedisMailbox) Ack(ctx context.Context, recipient, streamID string) error {
	if err := m.client.XDel(ctx, MailboxName(recipient), streamID).Err(); err != nil {
		return fmt.Errorf("ack %s/%s: %w", recipient, streamID, err)
	}
	m.client.HDel(ctx, deliveriesKey(recipient), streamID)
	return nil
}

// DeadLetter republishes the entry to mailbox/dead-letter with origin
// metadata, trims the dead-letter stream to its retention bound, and acks
// the original.
func (m *RedisMailbox) DeadLetter(ctx context.Context, recipient string, entry Entry, reason string) error {
	values := wireFields(entry.Envelope)
	values["origin_mailbox"] = MailboxName(recipient)
	values["origin_stream_id"] = entry.StreamID
	values["dead_letter_reason"] = reason
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: MailboxName(RecipientDeadLetter),
		MaxLen: m.deadLetterMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("dead-letter %s/%s: %w", recipient, entry.StreamID, err)
	}
	m.logger.Warn("envelope dead-lettered",
		zap.String("mailbox", recipient),
		zap.String("stream_id", entry.StreamID),
		zap.String("reason", reason))
	return m.Ack(ctx, recipient, entry.StreamID)
}

// ListMailboxes scans for mailbox stream keys.
func (m *RedisMailbox) ListMailboxes(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		names  []string
	)
	for {
		keys, next, err := m.client.Scan(ctx, cursor, MailboxPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("list mailboxes: %w", err)
		}
		for _, key := range keys {
			// Skip the sibling delivery-count hashes.
			if len(key) > len(MailboxPrefix) && !isDeliveriesKey(key) {
				names = append(names, key[len(MailboxPrefix):])
			}
		}
		cursor = next
		if cursor == 0 {
			return names, nil
		}
	}
}

func isDeliveriesKey(key string) bool {
	const suffix = ":deliveries"
	return len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix
}

// Len returns the pending entry count for a recipient.
func (m *RedisMailbox) Len(ctx context.Context, recipient string) (int64, error) {
	n, err := m.client.XLen(ctx, MailboxName(recipient)).Result()
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", recipient, err)
	}
	return n, nil
}

// Close closes the Redis connection.
func (m *RedisMailbox) Close() error {
	return m.client.Close()
}

func stringValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
