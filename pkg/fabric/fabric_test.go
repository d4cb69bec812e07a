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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	_ Mailbox = (*RedisMailbox)(nil)
	_ Mailbox = (*MemoryMailbox)(nil)
)

// backends runs a subtest against both mailbox implementations.
func backends(t *testing.T, fn func(t *testing.T, mb Mailbox)) {
	t.Run("memory", func(t *testing.T) {
		mb := NewMemoryMailbox()
		defer mb.Close()
		fn(t, mb)
	})
	t.Run("redis", func(t *testing.T) {
		srv := miniredis.RunT(t)
		mb := NewRedisMailbox(RedisOptions{Addr: srv.Addr()}, zaptest.NewLogger(t))
		defer mb.Close()
		fn(t, mb)
	})
}

func payloadFor(session string) Payload {
	return Payload{SessionID: session, ThreadID: "thread-1"}
}

func TestPublishReadAck(t *testing.T) {
	backends(t, func(t *testing.T, mb Mailbox) {
		ctx := context.Background()

		id1, err := mb.Publish(ctx, "worker-1", NewEnvelope("orchestrator", "worker-1", "first", payloadFor("s1")))
		require.NoError(t, err)
		id2, err := mb.Publish(ctx, "worker-1", NewEnvelope("orchestrator", "worker-1", "second", payloadFor("s1")))
		require.NoError(t, err)
		assert.Less(t, id1, id2, "stream ids must be monotone within a mailbox")

		entries, err := mb.Read(ctx, "worker-1", 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "first", entries[0].Envelope.Message)
		assert.Equal(t, "second", entries[1].Envelope.Message)
		assert.Equal(t, "s1", entries[0].Envelope.Payload.SessionID)
		assert.Equal(t, 1, entries[0].Deliveries)

		require.NoError(t, mb.Ack(ctx, "worker-1", entries[0].StreamID))
		entries, err = mb.Read(ctx, "worker-1", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "second", entries[0].Envelope.Message)
		// Redelivery bumps the count.
		assert.Equal(t, 2, entries[0].Deliveries)
	})
}

func TestAckIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, mb Mailbox) {
		ctx := context.Background()
		id, err := mb.Publish(ctx, "worker-1", NewEnvelope("a", "worker-1", "m", payloadFor("s1")))
		require.NoError(t, err)
		require.NoError(t, mb.Ack(ctx, "worker-1", id))
		require.NoError(t, mb.Ack(ctx, "worker-1", id))
		n, err := mb.Len(ctx, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}

func TestMalformedPayloadIsPoisonNotError(t *testing.T) {
	backends(t, func(t *testing.T, mb Mailbox) {
		ctx := context.Background()
		env := NewEnvelope("a", "worker-1", "m", Payload{})
		_, err := mb.Publish(ctx, "worker-1", env)
		require.NoError(t, err)

		entries, err := mb.Read(ctx, "worker-1", 1)
		require.NoError(t, err, "malformed payloads must not fail the read")
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Envelope.Payload.Malformed())
		assert.NotEmpty(t, entries[0].Envelope.Payload.Raw)
	})
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		poison  bool
		session string
	}{
		{"valid", `{"session_id":"s1","thread_id":"t1"}`, false, "s1"},
		{"not json", `{{{`, true, ""},
		{"json array", `[1,2]`, true, ""},
		{"missing session", `{"thread_id":"t1"}`, true, ""},
		{"empty session", `{"session_id":""}`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := decodePayload(tt.raw)
			assert.Equal(t, tt.poison, p.Malformed())
			assert.Equal(t, tt.session, p.SessionID)
			if tt.poison {
				assert.Equal(t, tt.raw, p.Raw)
			}
		})
	}
}

func TestDeadLetter(t *testing.T) {
	backends(t, func(t *testing.T, mb Mailbox) {
		ctx := context.Background()
		_, err := mb.Publish(ctx, "worker-1", NewEnvelope("a", "worker-1", "bad", Payload{}))
		require.NoError(t, err)

		entries, err := mb.Read(ctx, "worker-1", 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		require.NoError(t, mb.DeadLetter(ctx, "worker-1", entries[0], "poison_envelope"))

		n, err := mb.Len(ctx, "worker-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "original must be acked")

		n, err = mb.Len(ctx, RecipientDeadLetter)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestReadWaitTimeout(t *testing.T) {
	backends(t, func(t *testing.T, mb Mailbox) {
		ctx := context.Background()
		start := time.Now()
		entries, err := mb.ReadWait(ctx, "empty", 1, 150*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})
}

func TestReadWaitDelivers(t *testing.T) {
	backends(t, func(t *testing.T, mb Mailbox) {
		ctx := context.Background()
		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = mb.Publish(ctx, "worker-1", NewEnvelope("a", "worker-1", "late", payloadFor("s1")))
		}()
		entries, err := mb.ReadWait(ctx, "worker-1", 1, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "late", entries[0].Envelope.Message)
	})
}

func TestListMailboxes(t *testing.T) {
	backends(t, func(t *testing.T, mb Mailbox) {
		ctx := context.Background()
		for _, r := range []string{"human", "skeptic", "orchestrator"} {
			_, err := mb.Publish(ctx, r, NewEnvelope("a", r, "m", payloadFor("s1")))
			require.NoError(t, err)
		}
		names, err := mb.ListMailboxes(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"human", "skeptic", "orchestrator"}, names)
	})
}

func TestFIFOAcrossBatches(t *testing.T) {
	backends(t, func(t *testing.T, mb Mailbox) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := mb.Publish(ctx, "w", NewEnvelope("a", "w", fmt.Sprintf("m%d", i), payloadFor("s1")))
			require.NoError(t, err)
		}
		var got []string
		for len(got) < 5 {
			entries, err := mb.Read(ctx, "w", 2)
			require.NoError(t, err)
			for _, e := range entries {
				got = append(got, e.Envelope.Message)
				require.NoError(t, mb.Ack(ctx, "w", e.StreamID))
			}
		}
		assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, got)
	})
}
