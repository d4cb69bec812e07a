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
// Package config loads runtime configuration for Quadracode agent processes.
//
// Priority: config file > environment variables (QUADRACODE_ prefix) > defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for one agent process.
type Config struct {
	// Profile selects the agent role: orchestrator, worker, skeptic.
	Profile ProfileConfig `mapstructure:"profile"`

	// Logging configuration.
	Logging LoggingConfig `mapstructure:"logging"`

	// Fabric (mailbox stream) configuration.
	Fabric FabricConfig `mapstructure:"fabric"`

	// Checkpoint store configuration.
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`

	// Context engine configuration.
	Context ContextConfig `mapstructure:"context"`

	// Registry client and server configuration.
	Registry RegistryConfig `mapstructure:"registry"`

	// LLM provider configuration.
	LLM LLMConfig `mapstructure:"llm"`

	// Workspace integrity configuration.
	Workspace WorkspaceConfig `mapstructure:"workspace"`

	// Time-travel recorder configuration.
	TimeTravel TimeTravelConfig `mapstructure:"time_travel"`

	// Runtime loop configuration.
	Runtime RuntimeConfig `mapstructure:"runtime"`

	// PRP state machine configuration.
	PRP PRPConfig `mapstructure:"prp"`

	// Exhaustion predictor configuration.
	Predictor PredictorConfig `mapstructure:"predictor"`

	// Autonomy ceilings.
	Autonomy AutonomyConfig `mapstructure:"autonomy"`
}

// ProfileConfig parameterizes the shared runtime per agent role.
type ProfileConfig struct {
	// Role is one of: orchestrator, worker, skeptic.
	Role string `mapstructure:"role"`

	// AgentID is the registry identity and mailbox recipient name.
	// Defaults to the role for singleton roles, "agent-<uuid>" for workers.
	AgentID string `mapstructure:"agent_id"`

	// SystemPrompt is the base prompt for the role. A file path may be
	// given with the "@" prefix.
	SystemPrompt string `mapstructure:"system_prompt"`

	// Host and Port are advertised to the registry.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Hotpath marks the agent resident at registration time.
	Hotpath bool `mapstructure:"hotpath"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// FabricConfig configures the Redis-streams mailbox backend.
type FabricConfig struct {
	// RedisAddr is the address of the durable log.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// ReadBatch bounds entries read per loop iteration.
	ReadBatch int `mapstructure:"read_batch"`

	// BlockTimeoutS is the blocking-read timeout in seconds.
	BlockTimeoutS int `mapstructure:"block_timeout_s"`

	// PoisonMaxReads is the redelivery count after which a malformed
	// envelope is dead-lettered.
	PoisonMaxReads int `mapstructure:"poison_max_reads"`

	// DeadLetterMaxLen bounds the dead-letter mailbox length.
	DeadLetterMaxLen int `mapstructure:"dead_letter_max_len"`
}

// CheckpointConfig configures the per-session checkpoint store.
type CheckpointConfig struct {
	// Path is the SQLite database path; ":memory:" for tests.
	Path string `mapstructure:"path"`
}

// ContextConfig configures the context engineering pipeline.
type ContextConfig struct {
	ContextWindowMax        int     `mapstructure:"context_window_max"`
	OptimalContextSize      int     `mapstructure:"optimal_context_size"`
	MessagesBudgetRatio     float64 `mapstructure:"messages_budget_ratio"`
	MinCompressCount        int     `mapstructure:"min_compress_count"`
	RetentionCount          int     `mapstructure:"retention_count"`
	MaxToolPayloadChars     int     `mapstructure:"max_tool_payload_chars"`
	GovernorMaxSegments     int     `mapstructure:"governor_max_segments"`
	QualityThreshold        float64 `mapstructure:"quality_threshold"`
	CriticalPriority        int     `mapstructure:"critical_priority"`
	ReducerModel            string  `mapstructure:"reducer_model"`
	CuratorMode             string  `mapstructure:"curator_mode"` // heuristic or llm
	ScorerMode              string  `mapstructure:"scorer_mode"`  // heuristic or llm
	LoaderBatchSize         int     `mapstructure:"loader_batch_size"`
	ExternalizeWriteEnabled bool    `mapstructure:"externalize_write_enabled"`
	ExternalizeDir          string  `mapstructure:"externalize_dir"`
}

// RegistryConfig configures the agent registry.
type RegistryConfig struct {
	// URL is the registry base URL used by clients.
	URL string `mapstructure:"registry_url"`

	// ListenAddr is used when serving the registry.
	ListenAddr string `mapstructure:"listen_addr"`

	TimeoutS           int `mapstructure:"registry_timeout_s"`
	HeartbeatIntervalS int `mapstructure:"heartbeat_interval_s"`
	AgentHealthTimeout int `mapstructure:"agent_health_timeout_s"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"` // anthropic or mock
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Endpoint    string  `mapstructure:"endpoint"`
	TimeoutS    int     `mapstructure:"timeout_s"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`

	// RequestsPerSecond throttles provider calls; 0 disables limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// WorkspaceConfig configures workspace integrity snapshots.
type WorkspaceConfig struct {
	Root              string `mapstructure:"root"`
	SnapshotDir       string `mapstructure:"snapshot_dir"`
	SnapshotRetention int    `mapstructure:"snapshot_retention"`
	AutoRestore       bool   `mapstructure:"auto_restore"`
}

// TimeTravelConfig configures the per-session event recorder.
type TimeTravelConfig struct {
	Dir string `mapstructure:"time_travel_dir"`
}

// RuntimeConfig configures the mailbox-driven runtime loop.
type RuntimeConfig struct {
	Workers           int `mapstructure:"workers"`
	ShutdownGraceS    int `mapstructure:"shutdown_grace_s"`
	BackpressureDepth int `mapstructure:"backpressure_depth"`
}

// PRPConfig configures the refinement state machine.
type PRPConfig struct {
	// Strict rejects invalid transitions with an error; lenient logs a
	// violation and leaves state unchanged.
	Strict bool `mapstructure:"strict"`

	// NoveltySimilarityThreshold blocks re-proposing failed hypotheses
	// whose Jaccard similarity meets this value with a matching strategy.
	NoveltySimilarityThreshold float64 `mapstructure:"novelty_similarity_threshold"`
}

// PredictorConfig configures the exhaustion predictor.
type PredictorConfig struct {
	// TriggerThreshold is the probability above which predicted_exhaustion
	// is raised.
	TriggerThreshold float64 `mapstructure:"trigger_threshold"`

	// WindowSize bounds the ledger entries considered.
	WindowSize int `mapstructure:"window_size"`
}

// AutonomyConfig bounds autonomous operation.
type AutonomyConfig struct {
	MaxIterations  int `mapstructure:"autonomous_max_iterations"`
	RuntimeCeiling int `mapstructure:"autonomous_runtime_ceiling"`
}

// RegistryTimeout returns the registry client timeout as a duration.
func (c *RegistryConfig) RegistryTimeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

// HealthTimeout returns the liveness window as a duration.
func (c *RegistryConfig) HealthTimeout() time.Duration {
	return time.Duration(c.AgentHealthTimeout) * time.Second
}

// MessagesBudget returns the token budget for raw conversation history.
func (c *ContextConfig) MessagesBudget() int {
	return int(float64(c.OptimalContextSize) * c.MessagesBudgetRatio)
}

// Load reads configuration from the given file path (optional), applying
// environment overrides and defaults. An empty path loads env + defaults only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults with no file or env applied.
func Default() *Config {
	v := newViper()
	v.AutomaticEnv() // no-op for defaults; keeps parity with Load
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("QUADRACODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile.role", "worker")
	v.SetDefault("profile.host", "127.0.0.1")
	v.SetDefault("profile.port", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("fabric.redis_addr", "127.0.0.1:6379")
	v.SetDefault("fabric.redis_db", 0)
	v.SetDefault("fabric.read_batch", 8)
	v.SetDefault("fabric.block_timeout_s", 2)
	v.SetDefault("fabric.poison_max_reads", 3)
	v.SetDefault("fabric.dead_letter_max_len", 1000)

	v.SetDefault("checkpoint.path", "checkpoints/quadracode.db")

	v.SetDefault("context.context_window_max", 200000)
	v.SetDefault("context.optimal_context_size", 160000)
	v.SetDefault("context.messages_budget_ratio", 0.5)
	v.SetDefault("context.min_compress_count", 20)
	v.SetDefault("context.retention_count", 8)
	v.SetDefault("context.max_tool_payload_chars", 16000)
	v.SetDefault("context.governor_max_segments", 12)
	v.SetDefault("context.quality_threshold", 0.6)
	v.SetDefault("context.critical_priority", 9)
	v.SetDefault("context.reducer_model", "claude-haiku-4-5")
	v.SetDefault("context.curator_mode", "heuristic")
	v.SetDefault("context.scorer_mode", "heuristic")
	v.SetDefault("context.loader_batch_size", 3)
	v.SetDefault("context.externalize_write_enabled", true)
	v.SetDefault("context.externalize_dir", "externalized")

	v.SetDefault("registry.registry_url", "http://127.0.0.1:8700")
	v.SetDefault("registry.listen_addr", ":8700")
	v.SetDefault("registry.registry_timeout_s", 5)
	v.SetDefault("registry.heartbeat_interval_s", 15)
	v.SetDefault("registry.agent_health_timeout_s", 45)

	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.timeout_s", 120)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 1.0)
	v.SetDefault("llm.requests_per_second", 0.7)

	v.SetDefault("workspace.root", "workspace")
	v.SetDefault("workspace.snapshot_dir", "workspace_snapshots")
	v.SetDefault("workspace.snapshot_retention", 5)
	v.SetDefault("workspace.auto_restore", false)

	v.SetDefault("time_travel.time_travel_dir", "time_travel")

	v.SetDefault("runtime.workers", 4)
	v.SetDefault("runtime.shutdown_grace_s", 30)
	v.SetDefault("runtime.backpressure_depth", 256)

	v.SetDefault("prp.strict", false)
	v.SetDefault("prp.novelty_similarity_threshold", 0.7)

	v.SetDefault("predictor.trigger_threshold", 0.7)
	v.SetDefault("predictor.window_size", 128)

	v.SetDefault("autonomy.autonomous_max_iterations", 50)
	v.SetDefault("autonomy.autonomous_runtime_ceiling", 3600)
}
