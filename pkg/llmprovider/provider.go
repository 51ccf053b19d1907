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

// Package llmprovider defines the outbound LLM collaborator interface the
// Execution Bridge drives. Concrete provider implementations
// (Anthropic/OpenAI/etc.) are external collaborators and live outside this
// module; this package carries the interface, the request/response shapes,
// failure classification, and a deterministic scripted provider used by
// tests and local development.
//
// The interface follows the unified streaming design: a single
// GenerateContent method returning iter.Seq2, yielding partial responses
// (Partial=true) while streaming and always finishing with one aggregated
// response (Partial=false) suitable for session persistence.
package llmprovider

import (
	"context"
	"iter"

	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/session"
	"github.com/teamforge/missionengine/pkg/tool"
)

// LLM is the interface for language models.
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// GenerateContent produces responses for the given request.
	//
	// When stream=false it yields exactly one Response with complete
	// content. When stream=true it yields partial Responses (Partial=true)
	// followed by a final aggregated Response (Partial=false) carrying the
	// full assistant message, tool calls, and usage.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases any resources held by the provider.
	Close() error
}

// Request contains the input for an LLM call.
type Request struct {
	// SystemInstruction is prepended to the conversation.
	SystemInstruction string

	// Messages is the conversation history, oldest first.
	Messages []session.Message

	// Tools available for the model to call.
	Tools []tool.Definition

	// Config contains generation configuration.
	Config *GenerateConfig
}

// GenerateConfig contains configuration for generation.
type GenerateConfig struct {
	// Temperature controls randomness.
	Temperature *float64

	// MaxTokens limits the response length.
	MaxTokens int

	// EnableThinking enables extended thinking (model-specific).
	EnableThinking bool

	// ThinkingBudget limits thinking tokens (model-specific).
	ThinkingBudget int
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Response is one yield from GenerateContent.
type Response struct {
	// Partial marks a streaming chunk. The final response of any call has
	// Partial=false and carries the aggregated content.
	Partial bool

	// TextDelta is the streamed text chunk (Partial responses only).
	TextDelta string

	// ThinkingDelta is the streamed reasoning chunk, for providers that
	// distinguish internal reasoning from answer text.
	ThinkingDelta string

	// Message is the aggregated assistant message (final response only).
	// Its content blocks include any tool_use blocks mirrored in ToolCalls.
	Message session.Message

	// ToolCalls lists the tool invocations the model requested this turn.
	ToolCalls []tool.ToolCall

	// Usage is set on the final response when the provider reports it.
	Usage *Usage
}

// ToolConfirmationRequest surfaces a provider-side confirmation gate for a
// pending tool call. Per the engine's current contract the bridge emits a
// tool_confirmation event and auto-approves allow_once.
type ToolConfirmationRequest struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Prompt     string `json:"prompt,omitempty"`
}

// NewError wraps a provider failure into the engine's structural error
// kinds. HTTP 5xx, connection resets, and rate limits with retry-after are
// transient (retryable by the mission executors); auth failures and
// anything else are not.
func NewError(httpStatus int, message string, cause error) *engineerr.Error {
	transient := httpStatus >= 500 || httpStatus == 429
	if transient {
		return engineerr.WrapTransient(engineerr.Provider, message, cause)
	}
	return engineerr.Wrap(engineerr.Provider, message, cause)
}
