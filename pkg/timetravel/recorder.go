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
// Package timetravel keeps an append-only per-session event log that can
// replay any cycle after the fact. Writes never block the runtime loop.
package timetravel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/state"
)

// Event is one recorded moment of a session.
type Event struct {
	TS             time.Time              `json:"ts"`
	SessionID      string                 `json:"session_id"`
	CycleID        int                    `json:"cycle_id"`
	PRPState       state.PRPState         `json:"prp_state"`
	ExhaustionMode state.ExhaustionMode   `json:"exhaustion_mode"`
	Event          string                 `json:"event"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	StateUpdate    map[string]interface{} `json:"state_update,omitempty"`
}

const queueSize = 2048

// Recorder appends events as JSONL under dir/<session_id>.jsonl through a
// single background writer goroutine.
type Recorder struct {
	dir    string
	logger *zap.Logger
	queue  chan Event
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	files map[string]*os.File
}

// NewRecorder creates the log directory and starts the writer.
func NewRecorder(dir string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create time travel dir: %w", err)
	}
	r := &Recorder{
		dir:    dir,
		logger: logger,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	go r.run()
	return r, nil
}

// LogStage records a pipeline stage execution.
func (r *Recorder) LogStage(sess *state.SessionState, stage string, payload, stateUpdate map[string]interface{}) {
	r.enqueue(sess, "stage:"+stage, payload, stateUpdate)
}

// LogTool records a tool invocation or response.
func (r *Recorder) LogTool(sess *state.SessionState, toolName string, payload map[string]interface{}) {
	r.enqueue(sess, "tool:"+toolName, payload, nil)
}

// LogTransition records a state machine transition or runtime event.
func (r *Recorder) LogTransition(sess *state.SessionState, event string, payload, stateUpdate map[string]interface{}) {
	r.enqueue(sess, "transition:"+event, payload, stateUpdate)
}

// LogSnapshot records a workspace snapshot.
func (r *Recorder) LogSnapshot(sess *state.SessionState, reason string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["reason"] = reason
	r.enqueue(sess, "snapshot", payload, nil)
}

func (r *Recorder) enqueue(sess *state.SessionState, event string, payload, stateUpdate map[string]interface{}) {
	ev := Event{
		TS:             time.Now().UTC(),
		SessionID:      sess.SessionID,
		CycleID:        sess.PRP.CycleCount,
		PRPState:       sess.PRP.State,
		ExhaustionMode: sess.Exhaustion.Mode,
		Event:          event,
		Payload:        payload,
		StateUpdate:    stateUpdate,
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("time travel queue full, dropping event",
			zap.String("session_id", ev.SessionID), zap.String("event", ev.Event))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.write(ev)
	}
}

func (r *Recorder) write(ev Event) {
	f, err := r.file(ev.SessionID)
	if err != nil {
		r.logger.Warn("time travel open failed", zap.String("session_id", ev.SessionID), zap.Error(err))
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("time travel marshal failed", zap.Error(err))
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		r.logger.Warn("time travel write failed", zap.String("session_id", ev.SessionID), zap.Error(err))
	}
}

func (r *Recorder) file(sessionID string) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[sessionID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(r.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	r.files[sessionID] = f
	return f, nil
}

func (r *Recorder) path(sessionID string) string {
	return filepath.Join(r.dir, sessionID+".jsonl")
}

// Replay returns the recorded events of one cycle, in order. A negative
// cycle id returns the whole session log.
func (r *Recorder) Replay(sessionID string, cycleID int) ([]Event, error) {
	f, err := os.Open(r.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			r.logger.Warn("skipping corrupt time travel line", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if cycleID >= 0 && ev.CycleID != cycleID {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Flush waits until queued events reach disk.
func (r *Recorder) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(r.queue) == 0 {
			// One more tick so the in-flight event lands.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if len(r.queue) == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close drains the queue and closes open log files.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.queue) })
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, id)
	}
	return firstErr
}
