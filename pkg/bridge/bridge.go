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

// Package bridge implements the Execution Bridge: the inner LLM loop that
// turns one prompt plus the existing session history into zero or more
// assistant text events, zero or more tool invocations, and exactly one
// terminal outcome.
//
// The bridge never emits the done event - the caller (Task Runner or a
// Mission executor) owns the terminal event, because only it knows whether
// a cooperative exit means completed, paused, or cancelled.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/llmprovider"
	"github.com/teamforge/missionengine/pkg/session"
	"github.com/teamforge/missionengine/pkg/store"
	"github.com/teamforge/missionengine/pkg/tool"
	"github.com/teamforge/missionengine/pkg/tool/controltool"
	"github.com/teamforge/missionengine/pkg/toolconnector"
)

// defaultMaxIterations guards against runaway loops when the agent config
// doesn't set its own bound. The loop's primary termination condition is a
// turn without tool calls (or an explicit finalize call), never this.
const defaultMaxIterations = 100

// MissionContext enriches the system prompt with the enclosing mission
// unit so the model can reason about where it is. It is stringified into
// the prompt, never used for control flow.
type MissionContext struct {
	Goal           string `json:"goal,omitempty"`
	Step           string `json:"step,omitempty"`
	CurrentStep    int    `json:"current_step,omitempty"`
	TotalSteps     int    `json:"total_steps,omitempty"`
	ApprovalPolicy string `json:"approval_policy,omitempty"`
}

// Request is one bridge invocation.
type Request struct {
	SessionID string

	// AgentName is the configured agent's name; Agent its configuration.
	AgentName string
	Agent     *config.AgentConfig

	// Prompt is the user message appended to the session. Callers fold any
	// retry context into it before invoking.
	Prompt string

	// Mission is the optional enclosing mission context.
	Mission *MissionContext

	// Publisher receives text/thinking/tool events; may be nil for
	// unobserved invocations (evaluation calls replayed from history).
	Publisher eventbus.Publisher

	// Cancel is the execution's cooperative cancel-token; polled before
	// each provider call and each tool call.
	Cancel *eventbus.CancelToken
}

// Outcome is the result of one completed bridge invocation.
type Outcome struct {
	// LastAssistantText is the text of the last assistant turn that
	// produced non-empty text, verbatim.
	// Mission executors store it as output_summary.
	LastAssistantText string

	// TokensUsed accumulates provider-reported usage across loop turns.
	TokensUsed int
}

// Bridge drives the LLM+tool loop against sessions.
type Bridge struct {
	store     store.Gateway
	provider  llmprovider.LLM
	connector *toolconnector.Connector
	genCfg    *llmprovider.GenerateConfig
	logger    *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithGenerateConfig sets the provider generation parameters, typically
// derived from the agent's bound LLMConfig.
func WithGenerateConfig(cfg *llmprovider.GenerateConfig) Option {
	return func(b *Bridge) { b.genCfg = cfg }
}

// New creates a Bridge. connector may be nil for tool-less agents.
func New(gw store.Gateway, provider llmprovider.LLM, connector *toolconnector.Connector, opts ...Option) *Bridge {
	b := &Bridge{
		store:     gw,
		provider:  provider,
		connector: connector,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run executes one bridge invocation per the contract in the package doc:
// append the user message, loop provider calls and tool calls until the
// model stops requesting tools, persist every appended message, and return
// the final assistant text. The caller emits the terminal event.
func (b *Bridge) Run(ctx context.Context, req *Request) (*Outcome, error) {
	if req.Cancel != nil && req.Cancel.IsCancelled() {
		return nil, engineerr.New(engineerr.Cancelled, "cancelled before provider call")
	}

	sess, err := b.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	userMsg := session.Message{
		Role:      session.RoleUser,
		Content:   []session.ContentBlock{{Type: session.BlockText, Text: req.Prompt}},
		Timestamp: time.Now(),
	}
	if err := b.store.AppendMessages(ctx, req.SessionID, []session.Message{userMsg}); err != nil {
		return nil, err
	}

	messages := append(sess.Messages, userMsg)
	system := b.buildSystemPrompt(req, sess)
	tools := b.catalogFor(sess)

	maxIterations := defaultMaxIterations
	streaming := true
	if req.Agent != nil {
		if req.Agent.Reasoning != nil && req.Agent.Reasoning.MaxIterations > 0 {
			maxIterations = req.Agent.Reasoning.MaxIterations
		}
		if req.Agent.Streaming != nil {
			streaming = *req.Agent.Streaming
		}
	}

	outcome := &Outcome{}
	identity := tool.Identity{
		SessionID:     sess.ID,
		TeamID:        sess.TeamID,
		AgentName:     req.AgentName,
		UserID:        sess.UserID,
		WorkspacePath: sess.WorkspacePath,
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		if req.Cancel != nil && req.Cancel.IsCancelled() {
			return nil, engineerr.New(engineerr.Cancelled, "cancelled before provider call")
		}

		resp, err := b.generate(ctx, &llmprovider.Request{
			SystemInstruction: system,
			Messages:          messages,
			Tools:             tools,
			Config:            b.genCfg,
		}, streaming, req.Publisher)
		if err != nil {
			return nil, err
		}

		if resp.Usage != nil {
			outcome.TokensUsed += resp.Usage.Total()
		}

		assistant := resp.Message
		if assistant.Timestamp.IsZero() {
			assistant.Timestamp = time.Now()
		}
		if text := assistant.TextContent(); text != "" {
			outcome.LastAssistantText = text
		}

		turn := []session.Message{assistant}
		messages = append(messages, assistant)

		if len(resp.ToolCalls) == 0 {
			if err := b.store.AppendMessages(ctx, req.SessionID, turn); err != nil {
				return nil, err
			}
			break
		}

		toolMsg, exit, err := b.runToolCalls(ctx, req, identity, resp.ToolCalls)
		if toolMsg != nil {
			turn = append(turn, *toolMsg)
			messages = append(messages, *toolMsg)
		}
		// One atomic write per LLM turn.
		if appendErr := b.store.AppendMessages(ctx, req.SessionID, turn); appendErr != nil {
			return nil, appendErr
		}
		if err != nil {
			return nil, err
		}
		if exit {
			break
		}
	}

	return outcome, nil
}

// generate performs one provider call, streaming partials onto the event
// bus, and returns the final aggregated response.
func (b *Bridge) generate(ctx context.Context, preq *llmprovider.Request, stream bool, pub eventbus.Publisher) (*llmprovider.Response, error) {
	var final *llmprovider.Response

	for resp, err := range b.provider.GenerateContent(ctx, preq, stream) {
		if err != nil {
			if engineerr.KindOf(err) != "" {
				return nil, err
			}
			return nil, engineerr.Wrap(engineerr.Provider, "provider call failed", err)
		}
		if resp.Partial {
			if pub != nil {
				if resp.TextDelta != "" {
					publish(pub, eventbus.KindText, eventbus.TextPayload{Content: resp.TextDelta})
				}
				if resp.ThinkingDelta != "" {
					publish(pub, eventbus.KindThinking, eventbus.TextPayload{Content: resp.ThinkingDelta})
				}
			}
			continue
		}
		final = resp
	}

	if final == nil {
		return nil, engineerr.New(engineerr.Provider, "provider yielded no final response")
	}

	// Non-streaming providers never surface partials; emit the aggregated
	// text so subscribers still observe it.
	if !stream && pub != nil {
		if text := final.Message.TextContent(); text != "" {
			publish(pub, eventbus.KindText, eventbus.TextPayload{Content: text})
		}
	}
	return final, nil
}

// runToolCalls invokes each requested tool in order and assembles the tool
// result message. The second return is true when a tool requested loop
// exit (the finalize tool).
func (b *Bridge) runToolCalls(ctx context.Context, req *Request, id tool.Identity, calls []tool.ToolCall) (*session.Message, bool, error) {
	if b.connector == nil {
		return nil, false, engineerr.New(engineerr.Tool, "agent has no tool connector but the model requested tools")
	}

	var blocks []session.ContentBlock
	exit := false

	for _, call := range calls {
		if req.Cancel != nil && req.Cancel.IsCancelled() {
			return toolMessage(blocks), false, engineerr.New(engineerr.Cancelled, "cancelled before tool call")
		}

		callID := call.ID
		if callID == "" {
			callID = uuid.NewString()
		}

		if req.Publisher != nil {
			publish(req.Publisher, eventbus.KindToolRequest, eventbus.ToolRequestPayload{
				ID:        callID,
				ToolName:  call.Name,
				Arguments: call.Args,
			})
		}

		if b.connector.RequiresApproval(call.Name) {
			// Auto-approve allow_once; the event gives subscribers
			// visibility into the confirmation that was granted.
			if req.Publisher != nil {
				publish(req.Publisher, eventbus.KindToolConfirmation, llmprovider.ToolConfirmationRequest{
					ToolCallID: callID,
					ToolName:   call.Name,
				})
			}
			b.logger.Info("Auto-approving tool confirmation", "tool", call.Name, "call_id", callID)
		}

		results, actions, err := b.connector.CallTool(ctx, call.Name, call.Args, req.Cancel, id)
		switch {
		case err == nil:
		case engineerr.Is(err, engineerr.Cancelled):
			return toolMessage(blocks), false, err
		case engineerr.Retryable(err):
			// Timeout/transport reset: abort the invocation so the mission
			// executor's retry policy decides.
			return toolMessage(blocks), false, err
		default:
			// Tool-level failure: feed it back to the model as an error
			// result and keep looping; the model decides how to proceed.
			results = []session.ContentBlock{{
				Type:    session.BlockToolResult,
				Result:  err.Error(),
				IsError: true,
			}}
		}

		isError := false
		for i := range results {
			results[i].ToolUseID = callID
			if results[i].IsError {
				isError = true
			}
		}
		blocks = append(blocks, results...)

		if req.Publisher != nil {
			publish(req.Publisher, eventbus.KindToolResult, eventbus.ToolResultPayload{
				ID:      callID,
				Result:  renderResult(results),
				IsError: isError,
			})
		}

		if actions.ExitLoop {
			exit = true
		}
	}

	return toolMessage(blocks), exit, nil
}

func toolMessage(blocks []session.ContentBlock) *session.Message {
	if len(blocks) == 0 {
		return nil
	}
	return &session.Message{
		Role:      session.RoleTool,
		Content:   blocks,
		Timestamp: time.Now(),
	}
}

func renderResult(blocks []session.ContentBlock) any {
	if len(blocks) == 1 && blocks[0].Type == session.BlockToolResult {
		return blocks[0].Result
	}
	out := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		entry := map[string]any{"type": string(b.Type)}
		if b.Result != "" {
			entry["result"] = b.Result
		}
		if b.MimeType != "" {
			entry["mime_type"] = b.MimeType
		}
		if b.URI != "" {
			entry["uri"] = b.URI
		}
		out = append(out, entry)
	}
	return out
}

// buildSystemPrompt layers the agent instruction, session extra
// instructions, mission context, and the completion directive.
func (b *Bridge) buildSystemPrompt(req *Request, sess *session.Session) string {
	var system string
	if req.Agent != nil {
		system = req.Agent.GetSystemPrompt()
	}
	if sess.ExtraInstructions != "" {
		system += "\n\n" + sess.ExtraInstructions
	}
	if req.Mission != nil {
		if encoded, err := json.Marshal(req.Mission); err == nil {
			system += "\n\nMission context:\n" + string(encoded)
		}
	}
	if directive := b.completionDirective(req.Agent); directive != "" {
		system += "\n\n" + directive
	}
	return system
}

// completionDirective tells the model how to terminate the loop cleanly
// when a finalize tool is in the catalog.
func (b *Bridge) completionDirective(agent *config.AgentConfig) string {
	if agent != nil && agent.Reasoning != nil && agent.Reasoning.CompletionInstruction != "" {
		return agent.Reasoning.CompletionInstruction
	}
	if b.connector == nil {
		return ""
	}
	for _, def := range b.connector.Tools() {
		_, toolName, ok := toolconnector.SplitPrefixedName(def.Name)
		if ok && toolName == controltool.FinalizeName {
			return fmt.Sprintf("When you have completed your reasoning and produced your final answer, call the `%s` tool to finish.", def.Name)
		}
	}
	return ""
}

// catalogFor filters the connector's catalog through the session's
// allowed-extensions policy.
func (b *Bridge) catalogFor(sess *session.Session) []tool.Definition {
	if b.connector == nil {
		return nil
	}
	defs := b.connector.Tools()
	if len(sess.AllowedExtensions) == 0 {
		return defs
	}
	var filtered []tool.Definition
	for _, def := range defs {
		extName, _, ok := toolconnector.SplitPrefixedName(def.Name)
		if ok && sess.ExtensionAllowed(extName) {
			filtered = append(filtered, def)
		}
	}
	return filtered
}

func publish(pub eventbus.Publisher, kind eventbus.Kind, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Dropping unmarshalable event payload", "kind", kind, "error", err)
		return
	}
	if _, err := pub.Broadcast(kind, encoded); err != nil {
		slog.Warn("Event broadcast failed", "kind", kind, "error", err)
	}
}
