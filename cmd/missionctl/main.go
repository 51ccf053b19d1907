// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command missionctl drives the Mission & Task Execution Engine from the
// terminal: validate configuration, run a single chat task, or run a
// mission end to end and stream its events.
//
// Usage:
//
//	missionctl validate --config config.yaml
//	missionctl chat --config config.yaml --agent assistant "summarize X"
//	missionctl mission --config config.yaml --agent assistant --mode adaptive "produce a report on X"
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`
	Chat     ChatCmd     `cmd:"" help:"Submit one chat task and stream the reply."`
	Mission  MissionCmd  `cmd:"" help:"Run a mission end to end and stream its events."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile  string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("missionctl %s\n", version)
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("missionctl"),
		kong.Description("Team-scoped AI agent mission & task execution engine."),
		kong.UsageOnError(),
	)

	if err := setupLogging(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(cli *CLI) error {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return err
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, _, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return err
		}
		output = file
	}
	logger.Init(level, output, "simple")
	return nil
}

// loadConfig loads and validates the engine configuration, applying
// defaults when no file is given.
func loadConfig(path string) (*config.EngineConfig, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, err
	}

	if path == "" {
		cfg := &config.EngineConfig{}
		cfg.SetDefaults()
		return cfg, nil
	}

	cfg, loader, err := config.LoadConfigFile(context.Background(), path)
	if err != nil {
		return nil, err
	}
	defer loader.Close()

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
