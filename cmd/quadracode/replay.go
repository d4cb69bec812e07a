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
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quadracode/quadracode/pkg/config"
	"github.com/quadracode/quadracode/pkg/timetravel"
)

var replayDir string

var replayCmd = &cobra.Command{
	Use:   "replay SESSION_ID CYCLE",
	Short: "Print the recorded events of one refinement cycle",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		rec, err := openRecorder()
		if err != nil {
			return err
		}
		defer rec.Close()

		cycle, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("cycle must be an integer: %w", err)
		}
		events, err := rec.Replay(args[0], cycle)
		if err != nil {
			return err
		}
		return printJSON(events)
	},
}

var replayDiffCmd = &cobra.Command{
	Use:   "diff SESSION_ID CYCLE_A CYCLE_B",
	Short: "Compare two recorded cycles",
	Args:  cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		rec, err := openRecorder()
		if err != nil {
			return err
		}
		defer rec.Close()

		cycleA, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("cycle_a must be an integer: %w", err)
		}
		cycleB, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("cycle_b must be an integer: %w", err)
		}
		diff, err := rec.Diff(args[0], cycleA, cycleB)
		if err != nil {
			return err
		}
		return printJSON(diff)
	},
}

func init() {
	replayCmd.PersistentFlags().StringVar(&replayDir, "dir", "", "time-travel directory (default from config)")
	replayCmd.AddCommand(replayDiffCmd)
	rootCmd.AddCommand(replayCmd)
}

func openRecorder() (*timetravel.Recorder, error) {
	dir := replayDir
	if dir == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		dir = cfg.TimeTravel.Dir
	}
	return timetravel.NewRecorder(dir, zap.NewNop())
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
