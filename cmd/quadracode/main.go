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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "quadracode",
	Short:   "Quadracode - always-on multi-agent AI workload runtime",
	Long:    `Quadracode runs mailbox-driven agent processes (orchestrator, worker, skeptic) over a durable Redis-streams fabric, with per-session checkpointing, context engineering and a shared agent registry.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: env + built-in defaults)")
}
