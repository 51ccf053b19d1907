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

	"github.com/teamforge/missionengine/pkg/session"
	"github.com/teamforge/missionengine/pkg/utils"
)

// Echo is a dependency-free development provider: it answers every request
// by reflecting the last user message. cmd/missionctl uses it for local
// smoke runs when no real provider plugin is wired; real provider
// implementations live outside this module.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, NewError(0, "echo provider cancelled", err))
			return
		}

		var lastUser string
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == session.RoleUser {
				lastUser = req.Messages[i].TextContent()
				break
			}
		}
		text := "Echo: " + lastUser

		if stream {
			if !yield(&Response{Partial: true, TextDelta: text}, nil) {
				return
			}
		}
		yield(&Response{
			Message: session.Message{
				Role:    session.RoleAssistant,
				Content: []session.ContentBlock{{Type: session.BlockText, Text: text}},
			},
			Usage: &Usage{
				InputTokens:  estimateRequestTokens(req),
				OutputTokens: utils.EstimateTokens(text),
			},
		}, nil)
	}
}

func (Echo) Close() error { return nil }

var _ LLM = Echo{}
