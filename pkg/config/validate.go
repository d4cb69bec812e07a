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
package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps all validation failures.
var ErrInvalidConfig = errors.New("invalid config")

var validRoles = map[string]bool{
	"orchestrator": true,
	"worker":       true,
	"skeptic":      true,
}

var validModes = map[string]bool{
	"heuristic": true,
	"llm":       true,
}

// Validate checks cross-field constraints. It returns the first violation
// found, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	if !validRoles[c.Profile.Role] {
		return fmt.Errorf("%w: unknown profile.role %q", ErrInvalidConfig, c.Profile.Role)
	}
	if c.Context.OptimalContextSize > c.Context.ContextWindowMax {
		return fmt.Errorf("%w: optimal_context_size %d exceeds context_window_max %d",
			ErrInvalidConfig, c.Context.OptimalContextSize, c.Context.ContextWindowMax)
	}
	if c.Context.MessagesBudgetRatio <= 0 || c.Context.MessagesBudgetRatio > 1 {
		return fmt.Errorf("%w: messages_budget_ratio must be in (0,1], got %v",
			ErrInvalidConfig, c.Context.MessagesBudgetRatio)
	}
	if c.Context.RetentionCount < 0 {
		return fmt.Errorf("%w: retention_count must be >= 0", ErrInvalidConfig)
	}
	if !validModes[c.Context.CuratorMode] {
		return fmt.Errorf("%w: curator_mode must be heuristic or llm, got %q",
			ErrInvalidConfig, c.Context.CuratorMode)
	}
	if !validModes[c.Context.ScorerMode] {
		return fmt.Errorf("%w: scorer_mode must be heuristic or llm, got %q",
			ErrInvalidConfig, c.Context.ScorerMode)
	}
	if c.Context.CriticalPriority < 1 || c.Context.CriticalPriority > 10 {
		return fmt.Errorf("%w: critical_priority must be in [1,10]", ErrInvalidConfig)
	}
	if c.Workspace.SnapshotRetention < 1 {
		return fmt.Errorf("%w: snapshot_retention must be >= 1", ErrInvalidConfig)
	}
	if c.Predictor.TriggerThreshold < 0 || c.Predictor.TriggerThreshold > 1 {
		return fmt.Errorf("%w: predictor.trigger_threshold must be in [0,1]", ErrInvalidConfig)
	}
	if c.Runtime.Workers < 1 {
		return fmt.Errorf("%w: runtime.workers must be >= 1", ErrInvalidConfig)
	}
	if c.Fabric.ReadBatch < 1 {
		return fmt.Errorf("%w: fabric.read_batch must be >= 1", ErrInvalidConfig)
	}
	return nil
}
