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

package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/llmprovider"
	"github.com/teamforge/missionengine/pkg/session"
	"github.com/teamforge/missionengine/pkg/store"
	"github.com/teamforge/missionengine/pkg/tool"
	"github.com/teamforge/missionengine/pkg/toolconnector"
)

// uppercaseTool is a trivial callable used to exercise the tool loop.
type uppercaseTool struct{ calls int }

func (u *uppercaseTool) Name() string           { return "uppercase" }
func (u *uppercaseTool) Description() string    { return "Uppercases text." }
func (u *uppercaseTool) IsLongRunning() bool    { return false }
func (u *uppercaseTool) RequiresApproval() bool { return false }
func (u *uppercaseTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (u *uppercaseTool) Call(_ tool.Context, args map[string]any) (map[string]any, error) {
	u.calls++
	text, _ := args["text"].(string)
	out := ""
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			r -= 32
		}
		out += string(r)
	}
	return map[string]any{"result": out}, nil
}

type fixture struct {
	gw        *store.MemoryGateway
	provider  *llmprovider.Scripted
	bus       *eventbus.Bus
	token     *eventbus.CancelToken
	pub       eventbus.Publisher
	sessionID string
	bridge    *Bridge
	tool      *uppercaseTool
}

func newFixture(t *testing.T, turns ...llmprovider.Turn) *fixture {
	t.Helper()
	ctx := context.Background()

	gw := store.NewMemoryGateway()
	sess, err := gw.CreateSession(ctx, store.CreateSessionParams{
		TeamID: "team-1", AgentID: "agent-1", UserID: "user-1",
	})
	require.NoError(t, err)

	up := &uppercaseTool{}
	connector, err := toolconnector.Connect(ctx, []toolconnector.ExtensionConfig{{
		Name:    "test",
		Builtin: tool.NewStaticToolset("test", up),
	}}, "")
	require.NoError(t, err)
	t.Cleanup(connector.Shutdown)

	bus := eventbus.New(0)
	token, pub, err := bus.Register("exec-1")
	require.NoError(t, err)

	provider := llmprovider.NewScripted(turns...)
	return &fixture{
		gw:        gw,
		provider:  provider,
		bus:       bus,
		token:     token,
		pub:       pub,
		sessionID: sess.ID,
		bridge:    New(gw, provider, connector),
		tool:      up,
	}
}

func (f *fixture) events(t *testing.T) []*eventbus.Event {
	t.Helper()
	replay, _, err := f.bus.SubscribeWithHistory("exec-1", nil)
	require.NoError(t, err)
	return replay
}

func TestRunPlainTextTurn(t *testing.T) {
	f := newFixture(t, llmprovider.Turn{Text: "hello there"})

	outcome, err := f.bridge.Run(context.Background(), &Request{
		SessionID: f.sessionID,
		AgentName: "agent-1",
		Prompt:    "say hello",
		Publisher: f.pub,
		Cancel:    f.token,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", outcome.LastAssistantText)
	assert.Greater(t, outcome.TokensUsed, 0)

	sess, err := f.gw.GetSession(context.Background(), f.sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, session.RoleAssistant, sess.Messages[1].Role)
	assert.Equal(t, "hello there", sess.LastAssistantText())

	events := f.events(t)
	require.NotEmpty(t, events)
	assert.Equal(t, eventbus.KindText, events[0].Kind)
}

func TestRunToolLoop(t *testing.T) {
	f := newFixture(t,
		llmprovider.Turn{
			Text: "Let me call the tool.",
			ToolCalls: []tool.ToolCall{{
				ID:   "call-1",
				Name: "test__uppercase",
				Args: map[string]any{"text": "abc"},
			}},
		},
		llmprovider.Turn{Text: "The result is ABC."},
	)

	outcome, err := f.bridge.Run(context.Background(), &Request{
		SessionID: f.sessionID,
		AgentName: "agent-1",
		Prompt:    "uppercase abc",
		Publisher: f.pub,
		Cancel:    f.token,
	})
	require.NoError(t, err)
	assert.Equal(t, "The result is ABC.", outcome.LastAssistantText)
	assert.Equal(t, 1, f.tool.calls)
	assert.Equal(t, 2, f.provider.Calls())

	// user, assistant+tool_use, tool result, assistant final.
	sess, err := f.gw.GetSession(context.Background(), f.sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 4)
	assert.Equal(t, session.RoleTool, sess.Messages[2].Role)
	require.Len(t, sess.Messages[2].Content, 1)
	assert.Equal(t, "ABC", sess.Messages[2].Content[0].Result)
	assert.Equal(t, "call-1", sess.Messages[2].Content[0].ToolUseID)

	// Event order: text, tool_request, tool_result, text.
	var kinds []eventbus.Kind
	for _, ev := range f.events(t) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []eventbus.Kind{
		eventbus.KindText,
		eventbus.KindToolRequest,
		eventbus.KindToolResult,
		eventbus.KindText,
	}, kinds)
}

func TestRunUnknownToolFeedsErrorBack(t *testing.T) {
	f := newFixture(t,
		llmprovider.Turn{
			ToolCalls: []tool.ToolCall{{
				ID:   "call-1",
				Name: "test__no_such_tool",
				Args: map[string]any{},
			}},
		},
		llmprovider.Turn{Text: "I will stop using that tool."},
	)

	outcome, err := f.bridge.Run(context.Background(), &Request{
		SessionID: f.sessionID,
		AgentName: "agent-1",
		Prompt:    "call something broken",
		Publisher: f.pub,
		Cancel:    f.token,
	})
	require.NoError(t, err)
	assert.Equal(t, "I will stop using that tool.", outcome.LastAssistantText)

	sess, err := f.gw.GetSession(context.Background(), f.sessionID)
	require.NoError(t, err)
	var sawError bool
	for _, m := range sess.Messages {
		for _, b := range m.Content {
			if b.Type == session.BlockToolResult && b.IsError {
				sawError = true
			}
		}
	}
	assert.True(t, sawError, "expected an is_error tool result in history")
}

func TestRunCancelledBeforeProviderCall(t *testing.T) {
	f := newFixture(t, llmprovider.Turn{Text: "never seen"})
	f.token.Fire()

	_, err := f.bridge.Run(context.Background(), &Request{
		SessionID: f.sessionID,
		AgentName: "agent-1",
		Prompt:    "anything",
		Publisher: f.pub,
		Cancel:    f.token,
	})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.Cancelled))
	assert.Equal(t, 0, f.provider.Calls())
}

func TestRunPropagatesProviderError(t *testing.T) {
	providerErr := llmprovider.NewError(503, "upstream overloaded", nil)
	f := newFixture(t, llmprovider.Turn{Err: providerErr})

	_, err := f.bridge.Run(context.Background(), &Request{
		SessionID: f.sessionID,
		AgentName: "agent-1",
		Prompt:    "anything",
		Publisher: f.pub,
		Cancel:    f.token,
	})
	require.Error(t, err)
	assert.True(t, engineerr.Retryable(err))
}
