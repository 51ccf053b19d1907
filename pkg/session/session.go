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

// Package session defines the durable conversation log carried across
// Execution Bridge invocations.
//
// A Session is owned by one agent on behalf of one user within one team. It
// never accumulates state beyond its message log, workspace scoping, and
// policy filters; all mutation goes through the Persistence Gateway
// (pkg/store), which is the only component allowed to change is_processing
// or append messages.
package session

import "time"

// Role identifies the author of a message in the conversation log.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType identifies the kind of content carried by a ContentBlock.
//
// The union mirrors what both LLM providers and MCP tool results can
// produce: plain text, a provider's internal reasoning trace, a model's
// request to call a tool, and the result of that call. Keeping these as one
// block type (instead of separate Go types per kind) matches how MCP's
// content union is shaped, and keeps Message.Content a single ordered
// slice.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockResource   BlockType = "resource"
)

// ContentBlock is one element of a message's content.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text carries BlockText/BlockThinking content.
	Text string `json:"text,omitempty"`

	// ToolUseID correlates a BlockToolUse block with its BlockToolResult.
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// Result carries BlockToolResult content (already rendered to text for
	// history purposes; richer content - image/resource - is kept in Data).
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// MimeType/Data carry BlockImage/BlockResource payloads.
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Message is one ordered entry in a Session's conversation log.
type Message struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// TextContent concatenates every text/thinking block, in order, ignoring
// tool-call scaffolding. Used to recover "the last assistant text" for
// output_summary and JSON-in-assistant-text extraction.
func (m Message) TextContent() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// PortalContext is an optional binding to a published portal surface. The
// fields are opaque identifiers to this package; portal management itself
// is handled by an external collaborator, not this engine.
type PortalContext struct {
	PortalID string `json:"portal_id"`
	PageID   string `json:"page_id,omitempty"`
}

// Session is a durable conversation log owned by one agent on behalf of one
// user within one team.
//
// Invariant: IsProcessing=true iff exactly one Execution Bridge invocation
// is currently active for this session (see pkg/store's two-gate admission
// control). Sessions are created by the Task Runner or Mission
// Sequencer/Adaptive Executor and are never destroyed, only archived.
type Session struct {
	ID      string `json:"id"`
	TeamID  string `json:"team_id"`
	AgentID string `json:"agent_id"`
	UserID  string `json:"user_id"`

	Messages []Message `json:"messages"`

	WorkspacePath     string         `json:"workspace_path,omitempty"`
	ExtraInstructions string         `json:"extra_instructions,omitempty"`
	AllowedExtensions []string       `json:"allowed_extensions,omitempty"`
	AllowedSkillIDs   []string       `json:"allowed_skill_ids,omitempty"`
	Portal            *PortalContext `json:"portal,omitempty"`

	IsProcessing bool `json:"is_processing"`

	// Version supports optimistic-concurrency writes in store.Gateway
	// implementations; it is opaque to callers outside that package.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastAssistantText returns the text content of the most recent assistant
// message, or "" if none exists. Used by the Bridge and Mission components
// to capture output_summary verbatim.
func (s *Session) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].TextContent()
		}
	}
	return ""
}

// RecentMessages returns at most the last n messages, in order. n<=0 returns
// the full log.
func (s *Session) RecentMessages(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// ExtensionAllowed reports whether the given extension name passes this
// session's allow-list policy filter. An empty AllowedExtensions means all
// configured extensions are allowed.
func (s *Session) ExtensionAllowed(name string) bool {
	if len(s.AllowedExtensions) == 0 {
		return true
	}
	for _, a := range s.AllowedExtensions {
		if a == name {
			return true
		}
	}
	return false
}
