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
package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/fabric"
	"github.com/quadracode/quadracode/pkg/observability"
)

// runHeartbeat reports this agent's status to the registry. A missed
// heartbeat is logged, not fatal: the registry's liveness window tolerates
// gaps shorter than the health timeout.
func (s *Scheduler) runHeartbeat(ctx context.Context) {
	status := s.cfg.Status()
	if _, err := s.cfg.Registry.Heartbeat(ctx, s.cfg.AgentID, status); err != nil {
		s.logger.Warn("heartbeat failed",
			zap.String("agent_id", s.cfg.AgentID),
			zap.Error(err))
		return
	}
	s.logger.Debug("heartbeat sent",
		zap.String("agent_id", s.cfg.AgentID),
		zap.String("status", string(status)))
}

// runDepthProbe samples every mailbox's pending depth and emits one
// telemetry event carrying the full picture.
func (s *Scheduler) runDepthProbe(ctx context.Context) {
	names, err := s.cfg.Mailbox.ListMailboxes(ctx)
	if err != nil {
		s.logger.Warn("mailbox list failed", zap.Error(err))
		return
	}

	depths := make(map[string]interface{}, len(names))
	var total int64
	for _, name := range names {
		n, err := s.cfg.Mailbox.Len(ctx, name)
		if err != nil {
			s.logger.Warn("mailbox depth probe failed",
				zap.String("mailbox", name),
				zap.Error(err))
			continue
		}
		depths[name] = n
		total += n
	}

	s.cfg.Emitter.Emit(observability.StreamAutonomousEvents, "mailbox_depths", "", map[string]interface{}{
		"agent_id": s.cfg.AgentID,
		"depths":   depths,
		"total":    total,
	})
}

// runDeadLetterSweep enforces the dead-letter retention bound by acking the
// oldest entries beyond DeadLetterMaxLen. Backends that trim on write make
// this a no-op; it is the safety net for those that do not.
func (s *Scheduler) runDeadLetterSweep(ctx context.Context) {
	depth, err := s.cfg.Mailbox.Len(ctx, fabric.RecipientDeadLetter)
	if err != nil {
		s.logger.Warn("dead-letter depth check failed", zap.Error(err))
		return
	}
	excess := int(depth) - s.cfg.DeadLetterMaxLen
	if excess <= 0 {
		return
	}

	entries, err := s.cfg.Mailbox.Read(ctx, fabric.RecipientDeadLetter, excess)
	if err != nil {
		s.logger.Warn("dead-letter read failed", zap.Error(err))
		return
	}

	dropped := 0
	for _, entry := range entries {
		if err := s.cfg.Mailbox.Ack(ctx, fabric.RecipientDeadLetter, entry.StreamID); err != nil {
			s.logger.Warn("dead-letter ack failed",
				zap.String("stream_id", entry.StreamID),
				zap.Error(err))
			continue
		}
		dropped++
	}

	s.logger.Info("dead-letter sweep trimmed oldest entries",
		zap.Int("dropped", dropped),
		zap.Int64("depth_before", depth),
		zap.Int("max_len", s.cfg.DeadLetterMaxLen))
	s.cfg.Emitter.Emit(observability.StreamAutonomousEvents, "dead_letter_swept", "", map[string]interface{}{
		"dropped":      dropped,
		"depth_before": depth,
		"max_len":      s.cfg.DeadLetterMaxLen,
	})
}
