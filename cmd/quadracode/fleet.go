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
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quadracode/quadracode/internal/log"
	"github.com/quadracode/quadracode/pkg/config"
	"github.com/quadracode/quadracode/pkg/fleet"
	"github.com/quadracode/quadracode/pkg/observability"
	"github.com/quadracode/quadracode/pkg/registry"
)

var (
	fleetSpawnRole    string
	fleetSpawnHotpath bool
	fleetListHealthy  bool
	fleetDeleteForce  bool
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Operate the agent fleet via the registry",
}

var fleetSpawnCmd = &cobra.Command{
	Use:   "spawn AGENT_ID",
	Short: "Launch an agent and wait for it to register healthy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := buildFleetController()
		if err != nil {
			return err
		}
		return printResult(ctrl.Spawn(cmd.Context(), fleet.SpawnSpec{
			AgentID:    args[0],
			Role:       fleetSpawnRole,
			Hotpath:    fleetSpawnHotpath,
			ConfigPath: cfgFile,
		}))
	},
}

var fleetDeleteCmd = &cobra.Command{
	Use:   "delete AGENT_ID",
	Short: "Remove an agent (refused for hotpath residents unless --force)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := buildFleetController()
		if err != nil {
			return err
		}
		if fleetDeleteForce {
			return printResult(ctrl.ForceDelete(cmd.Context(), args[0]))
		}
		return printResult(ctrl.Delete(cmd.Context(), args[0]))
	},
}

var fleetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctrl, err := buildFleetController()
		if err != nil {
			return err
		}
		return printResult(ctrl.List(cmd.Context(), fleetListHealthy))
	},
}

var fleetStatusCmd = &cobra.Command{
	Use:   "status AGENT_ID",
	Short: "Show one agent's registry record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := buildFleetController()
		if err != nil {
			return err
		}
		return printResult(ctrl.Status(cmd.Context(), args[0]))
	},
}

var fleetHotpathCmd = &cobra.Command{
	Use:   "hotpath [mark|clear AGENT_ID]",
	Short: "Manage hotpath residency flags",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := buildFleetController()
		if err != nil {
			return err
		}
		switch {
		case len(args) == 0:
			return printResult(ctrl.ListHotpath(cmd.Context()))
		case len(args) == 2 && args[0] == "mark":
			return printResult(ctrl.MarkHotpath(cmd.Context(), args[1]))
		case len(args) == 2 && args[0] == "clear":
			return printResult(ctrl.ClearHotpath(cmd.Context(), args[1]))
		default:
			return fmt.Errorf("usage: fleet hotpath [mark|clear AGENT_ID]")
		}
	},
}

func init() {
	fleetSpawnCmd.Flags().StringVar(&fleetSpawnRole, "role", "worker", "role for the new agent")
	fleetSpawnCmd.Flags().BoolVar(&fleetSpawnHotpath, "hotpath", false, "register the agent as hotpath resident")
	fleetDeleteCmd.Flags().BoolVar(&fleetDeleteForce, "force", false, "bypass hotpath protection")
	fleetListCmd.Flags().BoolVar(&fleetListHealthy, "healthy", false, "healthy agents only")

	fleetCmd.AddCommand(fleetSpawnCmd, fleetDeleteCmd, fleetListCmd, fleetStatusCmd, fleetHotpathCmd)
	rootCmd.AddCommand(fleetCmd)
}

func buildFleetController() (*fleet.Controller, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	logger := log.Logger()
	client := registry.NewClient(cfg.Registry.URL, cfg.Registry.RegistryTimeout())
	spawner := &fleet.ExecSpawner{Logger: logger}
	return fleet.NewController(client, spawner, 0, cfg.Registry.HealthTimeout(),
		observability.NewNop(), logger), nil
}

// printResult renders the operation result as JSON; failures set the exit
// code without a stack of wrapped errors.
func printResult(res fleet.OpResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	if !res.Success {
		os.Exit(1)
	}
	return nil
}
