// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package controltool provides control flow tools for the Execution
// Bridge's reasoning loop.
//
// The finalize tool lets the model terminate the loop explicitly instead of
// relying on a turn with no tool calls. The bridge advertises it via the
// system prompt's completion directive and checks the ExitLoop action flag
// after each tool call.
package controltool

import (
	"github.com/teamforge/missionengine/pkg/tool"
)

// FinalizeName is the tool name the bridge's completion directive refers to.
const FinalizeName = "finalize"

// Finalize creates the tool the model calls when its reasoning is complete.
// Calling it sets ExitLoop and SkipSummarization, which the bridge checks
// as a termination condition after every tool round.
//
// Usage in instruction:
//
//	Call `finalize` when your task is complete and you have a final answer.
func Finalize() tool.CallableTool {
	return &finalizeTool{}
}

type finalizeTool struct{}

func (t *finalizeTool) Name() string {
	return FinalizeName
}

func (t *finalizeTool) Description() string {
	return "Signals that your work is complete. Call this when you have finished reasoning and produced your final answer."
}

func (t *finalizeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "One-sentence recap of what was accomplished",
			},
		},
	}
}

func (t *finalizeTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	summary, _ := args["summary"].(string)

	ctx.Actions().ExitLoop = true
	ctx.Actions().SkipSummarization = true

	out := map[string]any{
		"status":  "completed",
		"message": "Work marked as complete. Exiting reasoning loop.",
	}
	if summary != "" {
		out["summary"] = summary
	}
	return out, nil
}

func (t *finalizeTool) IsLongRunning() bool {
	return false
}

func (t *finalizeTool) RequiresApproval() bool {
	return false
}

// Verify interface compliance
var _ tool.CallableTool = (*finalizeTool)(nil)
