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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/engine"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/llmprovider"
	"github.com/teamforge/missionengine/pkg/metrics"
	"github.com/teamforge/missionengine/pkg/mission"
	"github.com/teamforge/missionengine/pkg/store"
	"github.com/teamforge/missionengine/pkg/tool"
	"github.com/teamforge/missionengine/pkg/tool/controltool"
	"github.com/teamforge/missionengine/pkg/tool/filetool"
	"github.com/teamforge/missionengine/pkg/tool/todotool"
	"github.com/teamforge/missionengine/pkg/tool/webtool"
	"github.com/teamforge/missionengine/pkg/toolconnector"
)

// ValidateCmd validates the configuration file: structural validation
// first (unknown fields, typos, wrong nesting, with suggestions), then the
// semantic checks a full load performs.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}

	structure, err := config.ValidateFileStructure(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	if structure.HasIssues() {
		fmt.Print(structure.FormatErrors())
	}
	if !structure.Valid() {
		return fmt.Errorf("configuration structure is invalid")
	}

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK: %d agents, %d tools, %d llms\n",
		len(cfg.Agents), len(cfg.Tools), len(cfg.LLMs))
	return nil
}

// ChatCmd submits one auto-approved task and streams its events.
type ChatCmd struct {
	Agent   string `help:"Agent name." default:"assistant"`
	Team    string `help:"Team id." default:"local"`
	User    string `help:"User id." default:"local"`
	Message string `arg:"" help:"The user message."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx := context.Background()

	eng, cleanup, err := buildEngine(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := eng.SubmitTask(ctx, c.Team, c.Agent, c.User, c.Message)
	if err != nil {
		return err
	}
	if _, err := eng.ApproveTask(ctx, t.ID); err != nil {
		return err
	}
	return streamExecution(eng, t.ID)
}

// MissionCmd creates, starts, and streams a mission.
type MissionCmd struct {
	Agent    string `help:"Agent name." default:"assistant"`
	Team     string `help:"Team id." default:"local"`
	User     string `help:"User id." default:"local"`
	Mode     string `help:"Execution mode (sequential, adaptive)." default:"sequential"`
	Approval string `help:"Approval policy (auto, checkpoint, manual)." default:"auto"`
	Budget   int    `help:"Token budget (0 = unlimited)."`
	Goal     string `arg:"" help:"The mission goal."`
}

func (c *MissionCmd) Run(cli *CLI) error {
	ctx := context.Background()

	eng, cleanup, err := buildEngine(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	m, err := eng.CreateMission(ctx, mission.CreateParams{
		TeamID:         c.Team,
		AgentName:      c.Agent,
		CreatorID:      c.User,
		Goal:           c.Goal,
		Mode:           store.ExecutionMode(c.Mode),
		ApprovalPolicy: store.ApprovalPolicy(c.Approval),
		TokenBudget:    c.Budget,
	})
	if err != nil {
		return err
	}
	fmt.Printf("mission %s created\n", m.ID)

	if err := eng.StartMission(ctx, m.ID); err != nil {
		return err
	}
	if err := streamExecution(eng, m.ID); err != nil {
		return err
	}

	final, err := eng.GetMission(ctx, m.ID)
	if err != nil {
		return err
	}
	fmt.Printf("mission %s finished: %s\n", final.ID, final.Status)
	return nil
}

// streamExecution prints an execution's event stream until done.
func streamExecution(eng *engine.Engine, execID string) error {
	replay, live, err := eng.Subscribe(execID, nil)
	if err != nil {
		return err
	}
	for _, ev := range replay {
		printEvent(ev)
		if ev.Kind == eventbus.KindDone {
			return nil
		}
	}
	for ev := range live {
		printEvent(ev)
		if ev.Kind == eventbus.KindDone {
			return nil
		}
	}
	return nil
}

func printEvent(ev *eventbus.Event) {
	if ev.Kind == eventbus.KindText {
		// Raw text chunks render inline; everything else one line each.
		fmt.Printf("%s", extractContent(ev.Payload))
		return
	}
	fmt.Printf("\n[%d] %s %s\n", ev.ID, ev.Kind, strings.TrimSpace(string(ev.Payload)))
}

func extractContent(payload []byte) string {
	var p eventbus.TextPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return string(payload)
	}
	return p.Content
}

// buildEngine assembles a full in-process engine from the CLI flags: the
// configured SQL store (or in-memory fallback), the dev echo provider
// (concrete providers are deployed as external collaborators), and a tool
// connector carrying the platform builtins plus configured MCP servers.
func buildEngine(ctx context.Context, cli *CLI) (*engine.Engine, func(), error) {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return nil, nil, err
	}

	gw, closeStore, err := buildStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	connector, err := buildConnector(ctx, cfg)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	reg := metrics.NewRegistry()
	eng := engine.New(engine.Params{
		Config:    cfg,
		Store:     gw,
		Provider:  llmprovider.Echo{},
		Connector: connector,
		Metrics:   reg,
	})

	cleanup := func() {
		eng.Close()
		closeStore()
	}
	return eng, cleanup, nil
}

func buildStore(cfg *config.EngineConfig) (store.Gateway, func(), error) {
	dbCfg, ok := cfg.Databases["primary"]
	if !ok {
		return store.NewMemoryGateway(), func() {}, nil
	}

	pool := config.NewDBPool()
	db, err := pool.Get(dbCfg)
	if err != nil {
		return nil, nil, err
	}
	dialect := dbCfg.Driver
	gw, err := store.NewSQLGateway(db, dialect)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return gw, func() { _ = pool.Close() }, nil
}

func buildConnector(ctx context.Context, cfg *config.EngineConfig) (*toolconnector.Connector, error) {
	var extensions []toolconnector.ExtensionConfig

	builtin, err := builtinToolset()
	if err != nil {
		return nil, err
	}
	extensions = append(extensions, toolconnector.ExtensionConfig{
		Name:    "platform",
		Builtin: builtin,
	})

	for name, tc := range cfg.Tools {
		if tc.Type != config.ToolTypeMCP || !tc.IsEnabled() {
			continue
		}
		extensions = append(extensions, toolconnector.ExtensionConfig{
			Name: name,
			MCP:  tc,
		})
	}

	workspaceRoot := cfg.Engine.WorkspaceRoot
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, err
	}
	return toolconnector.Connect(ctx, extensions, workspaceRoot)
}

// builtinToolset groups the in-process platform tools: file and document
// operations, web requests, the todo list, and the finalize control tool.
func builtinToolset() (tool.Toolset, error) {
	var tools []tool.Tool

	readFile, err := filetool.NewReadFile(nil)
	if err != nil {
		return nil, err
	}
	writeFile, err := filetool.NewWriteFile(nil)
	if err != nil {
		return nil, err
	}
	searchReplace, err := filetool.NewSearchReplace(nil)
	if err != nil {
		return nil, err
	}
	applyPatch, err := filetool.NewApplyPatch(nil)
	if err != nil {
		return nil, err
	}
	grepSearch, err := filetool.NewGrepSearch(nil)
	if err != nil {
		return nil, err
	}
	readDocument, err := filetool.NewReadDocument(nil)
	if err != nil {
		return nil, err
	}
	webRequest, err := webtool.NewWebRequest(nil)
	if err != nil {
		return nil, err
	}
	todoWrite, err := todotool.NewTodoManager().Tool()
	if err != nil {
		return nil, err
	}

	tools = append(tools,
		readFile, writeFile, searchReplace, applyPatch, grepSearch,
		readDocument, webRequest, todoWrite, controltool.Finalize(),
	)
	return tool.NewStaticToolset("platform", tools...), nil
}
