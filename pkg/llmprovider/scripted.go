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

package llmprovider

import (
	"context"
	"iter"
	"sync"

	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/session"
	"github.com/teamforge/missionengine/pkg/tool"
	"github.com/teamforge/missionengine/pkg/utils"
)

// Turn is one scripted provider reply: either assistant text (optionally
// with tool calls) or an error to return instead.
type Turn struct {
	Text      string
	ToolCalls []tool.ToolCall
	Err       error
}

// Scripted is a deterministic LLM that plays back a fixed sequence of
// turns. Tests use it in place of a real provider;
// it also documents, executably, what the bridge expects from one.
//
// Turns are consumed in order across calls. When the script runs out,
// every further call yields ErrScriptExhausted.
type Scripted struct {
	mu    sync.Mutex
	turns []Turn
	calls int

	// Requests records every request seen, for test assertions on prompt
	// assembly.
	Requests []*Request
}

// ErrScriptExhausted is returned when a Scripted provider has no turns
// left.
var ErrScriptExhausted = engineerr.New(engineerr.Provider, "scripted provider: no turns left")

// NewScripted creates a Scripted provider that replays the given turns.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// Append queues additional turns after those already scripted.
func (s *Scripted) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// Calls reports how many GenerateContent invocations have been consumed.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	var turn Turn
	exhausted := s.calls >= len(s.turns)
	if !exhausted {
		turn = s.turns[s.calls]
	}
	s.calls++
	s.mu.Unlock()

	return func(yield func(*Response, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, engineerr.Wrap(engineerr.Cancelled, "provider call cancelled", err))
			return
		}
		if exhausted {
			yield(nil, ErrScriptExhausted)
			return
		}
		if turn.Err != nil {
			yield(nil, turn.Err)
			return
		}

		if stream && turn.Text != "" {
			if !yield(&Response{Partial: true, TextDelta: turn.Text}, nil) {
				return
			}
		}

		blocks := []session.ContentBlock{}
		if turn.Text != "" {
			blocks = append(blocks, session.ContentBlock{Type: session.BlockText, Text: turn.Text})
		}
		for _, call := range turn.ToolCalls {
			blocks = append(blocks, session.ContentBlock{
				Type:      session.BlockToolUse,
				ToolUseID: call.ID,
				ToolName:  call.Name,
				Arguments: call.Args,
			})
		}

		yield(&Response{
			Message:   session.Message{Role: session.RoleAssistant, Content: blocks},
			ToolCalls: turn.ToolCalls,
			Usage: &Usage{
				InputTokens:  estimateRequestTokens(req),
				OutputTokens: utils.EstimateTokens(turn.Text),
			},
		}, nil)
	}
}

func (s *Scripted) Close() error { return nil }

func estimateRequestTokens(req *Request) int {
	if req == nil {
		return 0
	}
	total := utils.EstimateTokens(req.SystemInstruction)
	for _, m := range req.Messages {
		total += utils.EstimateTokens(m.TextContent())
	}
	return total
}

var _ LLM = (*Scripted)(nil)
