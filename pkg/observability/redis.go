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
package observability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// emitBufferSize bounds queued events; overflow drops with a counter rather
// than blocking the runtime loop.
const emitBufferSize = 1024

// RedisEmitter appends events to Redis streams off the caller's goroutine.
type RedisEmitter struct {
	client *redis.Client
	logger *zap.Logger
	queue  chan Event
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	dropped int64
	maxLen  int64
}

// NewRedisEmitter starts the background writer.
func NewRedisEmitter(addr, password string, db int, logger *zap.Logger) *RedisEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &RedisEmitter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		logger: logger,
		queue:  make(chan Event, emitBufferSize),
		done:   make(chan struct{}),
		maxLen: 10000,
	}
	go e.run()
	return e
}

// Emit queues an event; drops when the buffer is full.
func (e *RedisEmitter) Emit(stream, event, sessionID string, payload map[string]interface{}) {
	ev := Event{
		Stream:    stream,
		Event:     event,
		TS:        time.Now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	}
	select {
	case e.queue <- ev:
	default:
		e.mu.Lock()
		e.dropped++
		n := e.dropped
		e.mu.Unlock()
		if n%100 == 1 {
			e.logger.Warn("telemetry buffer full, dropping events", zap.Int64("dropped", n))
		}
	}
}

func (e *RedisEmitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.write(ev)
	}
}

func (e *RedisEmitter) write(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload := "{}"
	if ev.Payload != nil {
		if data, err := json.Marshal(ev.Payload); err == nil {
			payload = string(data)
		}
	}
	err := e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ev.Stream,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event":      ev.Event,
			"ts":         ev.TS.Format(time.RFC3339Nano),
			"session_id": ev.SessionID,
			"payload":    payload,
		},
	}).Err()
	if err != nil {
		e.logger.Warn("telemetry emit failed",
			zap.String("stream", ev.Stream), zap.String("event", ev.Event), zap.Error(err))
	}
}

// Flush waits for the queue to drain.
func (e *RedisEmitter) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(e.queue) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close drains the queue and closes the connection.
func (e *RedisEmitter) Close() error {
	e.once.Do(func() {
		close(e.queue)
	})
	<-e.done
	return e.client.Close()
}
