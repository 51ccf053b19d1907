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

// Package config provides configuration loading and management for the
// Mission & Task Execution Engine.
//
// The engine is config-first: agents, tools and LLMs are defined in YAML
// and the runtime builds them automatically.
//
// Example config:
//
//	version: "1"
//	name: my-team-engine
//
//	llms:
//	  default:
//	    provider: anthropic
//	    model: claude-sonnet-4-20250514
//	    api_key: ${ANTHROPIC_API_KEY}
//
//	tools:
//	  weather:
//	    type: mcp
//	    url: ${MCP_URL}
//
//	agents:
//	  assistant:
//	    llm: default
//	    extensions: [weather]
//	    instruction: You are a helpful assistant.
//
//	engine:
//	  workspace_root: /var/lib/missionengine/workspaces
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// envInt reads an integer environment override, falling back on absence
// or garbage.
func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// EngineConfig is the root configuration structure for the Mission & Task
// Execution Engine.
type EngineConfig struct {
	// Version of the config schema (e.g., "1").
	Version string `yaml:"version,omitempty"`

	// Name of this configuration (for logging/display).
	Name string `yaml:"name,omitempty"`

	// Description of this configuration.
	Description string `yaml:"description,omitempty"`

	// Databases defines available database connections. The Persistence
	// Gateway's SQL backend is selected by the "primary" entry.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty"`

	// LLMs defines available LLM providers.
	LLMs map[string]*LLMConfig `yaml:"llms,omitempty"`

	// Tools defines available tool-providing extensions (MCP servers and
	// built-in platform tools) that the Tool Connector can wire up.
	Tools map[string]*ToolConfig `yaml:"tools,omitempty"`

	// Agents defines available agents.
	Agents map[string]*AgentConfig `yaml:"agents,omitempty"`

	// Logger configures logging behavior.
	Logger *LoggerConfig `yaml:"logger,omitempty"`

	// RateLimiting configures provider/tool rate limiting.
	RateLimiting *RateLimitConfig `yaml:"rate_limiting,omitempty"`

	// Defaults provides default values for agents.
	Defaults *DefaultsConfig `yaml:"defaults,omitempty"`

	// Engine holds the Mission & Task Execution Engine's own tunables:
	// workspace root, budgets, pivot limits, and timeouts.
	Engine *EngineTuning `yaml:"engine,omitempty"`
}

// DefaultsConfig provides default values for agent configurations.
type DefaultsConfig struct {
	// LLM is the default LLM reference for agents.
	LLM string `yaml:"llm,omitempty"`
}

// EngineTuning holds the engine's environment-configurable constants:
// workspace root, MCP tool timeouts, SSE lifetime, replan/pivot budgets
// and step retry defaults. SetDefaults consults each field's environment
// variable before falling back to the documented default, so a YAML value
// always wins over the environment.
type EngineTuning struct {
	// WorkspaceRoot is the filesystem root under which per-mission
	// workspaces ({root}/{team_id}/missions/{mission_id}) are created.
	// Env: WORKSPACE_ROOT.
	WorkspaceRoot string `yaml:"workspace_root,omitempty"`

	// MCPToolTimeoutSecs bounds a single tool call through the Tool
	// Connector. Env: MCP_TOOL_TIMEOUT_SECS. Default: 300.
	MCPToolTimeoutSecs int `yaml:"mcp_tool_timeout_secs,omitempty"`

	// MCPConnectTimeoutSecs bounds establishing a connection to one
	// extension. Default: 30.
	MCPConnectTimeoutSecs int `yaml:"mcp_connect_timeout_secs,omitempty"`

	// SSEMaxLifetimeSecs bounds how long an event-bus subscription may be
	// held open before the transport must force a reconnect. Env:
	// SSE_MAX_LIFETIME_SECS. Default: 7200.
	SSEMaxLifetimeSecs int `yaml:"sse_max_lifetime_secs,omitempty"`

	// EventBufferSize is the Event Bus per-execution history ring buffer
	// size. Must be >= eventbus.DefaultBufferSize (512); values below that
	// are clamped up by eventbus.New.
	EventBufferSize int `yaml:"event_buffer_size,omitempty"`

	// MaxReplanCount caps how many times a sequential mission's remaining
	// steps may be re-planned after checkpoint steps; once it is reached,
	// re-plan evaluation is skipped. Env: MAX_REPLAN_COUNT. Default: 5.
	MaxReplanCount int `yaml:"max_replan_count,omitempty"`

	// MaxPivotsPerGoal caps pivots within a single goal. Env:
	// MAX_PIVOTS_PER_GOAL. Default: 3.
	MaxPivotsPerGoal int `yaml:"max_pivots_per_goal,omitempty"`

	// MaxTotalPivots caps pivots across an entire mission. Env:
	// MAX_TOTAL_PIVOTS. Default: 15.
	MaxTotalPivots int `yaml:"max_total_pivots,omitempty"`

	// DefaultExplorationBudget is the GoalNode.exploration_budget given to
	// every goal of an adaptive plan; plans carry no per-goal value.
	// Default: 3.
	DefaultExplorationBudget int `yaml:"default_exploration_budget,omitempty"`

	// DefaultStepMaxRetries is the MissionStep.max_retries given to every
	// step of a sequential plan; plans carry no per-step value. Default: 2.
	DefaultStepMaxRetries int `yaml:"default_step_max_retries,omitempty"`
}

// SetDefaults applies the documented defaults to any zero-valued field,
// consulting the corresponding environment variable first.
func (c *EngineTuning) SetDefaults() {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = os.Getenv("WORKSPACE_ROOT")
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "./workspaces"
	}
	if c.MCPToolTimeoutSecs == 0 {
		c.MCPToolTimeoutSecs = envInt("MCP_TOOL_TIMEOUT_SECS", 300)
	}
	if c.MCPConnectTimeoutSecs == 0 {
		c.MCPConnectTimeoutSecs = 30
	}
	if c.SSEMaxLifetimeSecs == 0 {
		c.SSEMaxLifetimeSecs = envInt("SSE_MAX_LIFETIME_SECS", 7200)
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 512
	}
	if c.MaxReplanCount == 0 {
		c.MaxReplanCount = envInt("MAX_REPLAN_COUNT", 5)
	}
	if c.MaxPivotsPerGoal == 0 {
		c.MaxPivotsPerGoal = envInt("MAX_PIVOTS_PER_GOAL", 3)
	}
	if c.MaxTotalPivots == 0 {
		c.MaxTotalPivots = envInt("MAX_TOTAL_PIVOTS", 15)
	}
	if c.DefaultExplorationBudget == 0 {
		c.DefaultExplorationBudget = 3
	}
	if c.DefaultStepMaxRetries == 0 {
		c.DefaultStepMaxRetries = 2
	}
}

// Validate checks the engine tuning values for internal consistency.
func (c *EngineTuning) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	if c.MCPToolTimeoutSecs < 0 {
		return fmt.Errorf("mcp_tool_timeout_secs must be non-negative")
	}
	if c.MaxPivotsPerGoal < 0 || c.MaxTotalPivots < 0 {
		return fmt.Errorf("pivot budgets must be non-negative")
	}
	if c.MaxPivotsPerGoal > c.MaxTotalPivots {
		return fmt.Errorf("max_pivots_per_goal (%d) cannot exceed max_total_pivots (%d)", c.MaxPivotsPerGoal, c.MaxTotalPivots)
	}
	return nil
}

// SetDefaults applies default values to the config.
func (c *EngineConfig) SetDefaults() {
	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseConfig)
	}
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}
	if c.Tools == nil {
		c.Tools = make(map[string]*ToolConfig)
	}
	if c.Agents == nil {
		c.Agents = make(map[string]*AgentConfig)
	}
	if c.Engine == nil {
		c.Engine = &EngineTuning{}
	}

	if len(c.LLMs) == 0 {
		c.LLMs["default"] = &LLMConfig{}
	}
	if len(c.Agents) == 0 {
		c.Agents["assistant"] = &AgentConfig{}
	}

	for name, db := range c.Databases {
		if db == nil {
			db = &DatabaseConfig{}
			c.Databases[name] = db
		}
		db.SetDefaults()
	}

	for name, llm := range c.LLMs {
		if llm == nil {
			llm = &LLMConfig{}
			c.LLMs[name] = llm
		}
		llm.SetDefaults()
	}

	for name, tool := range c.Tools {
		if tool == nil {
			tool = &ToolConfig{}
			c.Tools[name] = tool
		}
		tool.SetDefaults()
	}

	for name, agent := range c.Agents {
		if agent == nil {
			agent = &AgentConfig{}
			c.Agents[name] = agent
		}
		agent.SetDefaults(c.Defaults)
	}

	c.Engine.SetDefaults()

	if c.RateLimiting != nil {
		c.RateLimiting.SetDefaults()
	}
}

// Validate checks the configuration for errors.
func (c *EngineConfig) Validate() error {
	var errs []string

	for name, db := range c.Databases {
		if db == nil {
			continue
		}
		if err := db.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("database %q: %v", name, err))
		}
	}

	for name, llm := range c.LLMs {
		if llm == nil {
			continue
		}
		if err := llm.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("llm %q: %v", name, err))
		}
	}

	for name, tool := range c.Tools {
		if tool == nil {
			continue
		}
		if err := tool.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("tool %q: %v", name, err))
		}
	}

	for name, agent := range c.Agents {
		if agent == nil {
			continue
		}
		if err := agent.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("agent %q: %v", name, err))
		}
	}

	if c.Logger != nil {
		if err := c.Logger.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("logger: %v", err))
		}
	}

	if c.RateLimiting != nil {
		if err := c.RateLimiting.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("rate_limiting: %v", err))
		}
	}

	if c.Engine != nil {
		if err := c.Engine.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("engine: %v", err))
		}
	}

	if err := c.validateReferences(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// validateReferences checks that all cross-entity references resolve.
func (c *EngineConfig) validateReferences() error {
	var errs []string

	for agentName, agent := range c.Agents {
		if agent == nil {
			continue
		}

		if agent.LLM != "" {
			if _, ok := c.LLMs[agent.LLM]; !ok {
				errs = append(errs, fmt.Sprintf("agent %q references undefined llm %q", agentName, agent.LLM))
			}
		}

		for _, ext := range agent.Extensions {
			if _, ok := c.Tools[ext]; !ok {
				errs = append(errs, fmt.Sprintf("agent %q references undefined extension %q", agentName, ext))
			}
		}

		if agent.Context != nil && agent.Context.SummarizerLLM != "" {
			if _, ok := c.LLMs[agent.Context.SummarizerLLM]; !ok {
				errs = append(errs, fmt.Sprintf("agent %q references undefined summarizer llm %q", agentName, agent.Context.SummarizerLLM))
			}
		}
	}

	if c.RateLimiting != nil && c.RateLimiting.Backend == "sql" && c.RateLimiting.SQLDatabase != "" {
		if _, ok := c.Databases[c.RateLimiting.SQLDatabase]; !ok {
			errs = append(errs, fmt.Sprintf("rate_limiting references undefined database %q", c.RateLimiting.SQLDatabase))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("reference errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// GetAgent returns the agent config by name.
func (c *EngineConfig) GetAgent(name string) (*AgentConfig, bool) {
	agent, ok := c.Agents[name]
	return agent, ok
}

// GetLLM returns the LLM config by name.
func (c *EngineConfig) GetLLM(name string) (*LLMConfig, bool) {
	llm, ok := c.LLMs[name]
	return llm, ok
}

// GetTool returns the tool config by name.
func (c *EngineConfig) GetTool(name string) (*ToolConfig, bool) {
	tool, ok := c.Tools[name]
	return tool, ok
}

// ListAgents returns the names of all configured agents.
func (c *EngineConfig) ListAgents() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	return names
}

// GetDatabase returns the database config by name.
func (c *EngineConfig) GetDatabase(name string) (*DatabaseConfig, bool) {
	db, ok := c.Databases[name]
	return db, ok
}
