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
package fleet

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// SpawnSpec describes the agent process to launch.
type SpawnSpec struct {
	AgentID    string `json:"agent_id"`
	Role       string `json:"role"`
	Hotpath    bool   `json:"hotpath"`
	ConfigPath string `json:"config_path,omitempty"`
}

// Spawner launches agent processes.
type Spawner interface {
	// Spawn starts the process and returns its pid. The process outlives
	// the context; ctx only bounds the launch itself.
	Spawn(ctx context.Context, spec SpawnSpec) (int, error)
}

// ExecSpawner launches agents by re-executing this binary's `agent`
// subcommand.
type ExecSpawner struct {
	// Binary is the executable to launch; empty means the current binary.
	Binary string
	Logger *zap.Logger
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(_ context.Context, spec SpawnSpec) (int, error) {
	binary := s.Binary
	if binary == "" {
		var err error
		binary, err = os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
	}

	args := []string{"agent", "--role", spec.Role, "--agent-id", spec.AgentID}
	if spec.Hotpath {
		args = append(args, "--hotpath")
	}
	if spec.ConfigPath != "" {
		args = append(args, "--config", spec.ConfigPath)
	}

	// Deliberately not CommandContext: the agent must outlive the spawn
	// call.
	cmd := exec.Command(binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start agent %s: %w", spec.AgentID, err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits.
	go func() {
		if err := cmd.Wait(); err != nil && s.Logger != nil {
			s.Logger.Warn("agent process exited",
				zap.String("agent_id", spec.AgentID),
				zap.Int("pid", pid),
				zap.Error(err))
		}
	}()
	return pid, nil
}
