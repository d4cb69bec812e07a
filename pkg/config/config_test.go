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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "worker", cfg.Profile.Role)
	assert.Equal(t, 200000, cfg.Context.ContextWindowMax)
	assert.Equal(t, 160000, cfg.Context.OptimalContextSize)
	assert.Equal(t, 45, cfg.Registry.AgentHealthTimeout)
	assert.Equal(t, 5, cfg.Workspace.SnapshotRetention)
	assert.Equal(t, 0.7, cfg.Predictor.TriggerThreshold)
	assert.Equal(t, "heuristic", cfg.Context.CuratorMode)
}

func TestMessagesBudget(t *testing.T) {
	cfg := Default()
	cfg.Context.OptimalContextSize = 10000
	cfg.Context.MessagesBudgetRatio = 0.5
	assert.Equal(t, 5000, cfg.Context.MessagesBudget())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quadracode.yaml")
	content := []byte(`
profile:
  role: orchestrator
context:
  optimal_context_size: 50000
  context_window_max: 100000
registry:
  agent_health_timeout_s: 60
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "orchestrator", cfg.Profile.Role)
	assert.Equal(t, 50000, cfg.Context.OptimalContextSize)
	assert.Equal(t, 100000, cfg.Context.ContextWindowMax)
	assert.Equal(t, 60, cfg.Registry.AgentHealthTimeout)
	// Untouched fields keep defaults.
	assert.Equal(t, 8, cfg.Fabric.ReadBatch)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("QUADRACODE_PROFILE_ROLE", "skeptic")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "skeptic", cfg.Profile.Role)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad role", func(c *Config) { c.Profile.Role = "manager" }},
		{"optimal above window", func(c *Config) { c.Context.OptimalContextSize = c.Context.ContextWindowMax + 1 }},
		{"bad ratio", func(c *Config) { c.Context.MessagesBudgetRatio = 0 }},
		{"bad curator mode", func(c *Config) { c.Context.CuratorMode = "random" }},
		{"bad retention", func(c *Config) { c.Workspace.SnapshotRetention = 0 }},
		{"bad threshold", func(c *Config) { c.Predictor.TriggerThreshold = 1.5 }},
		{"no workers", func(c *Config) { c.Runtime.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
