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

package mission

import (
	"fmt"
	"strings"

	"github.com/teamforge/missionengine/pkg/store"
)

// summaryTruncateLen bounds prior-unit summaries injected into prompts.
// Storage keeps the full text; only the prompt view is truncated.
const summaryTruncateLen = 500

func truncateSummary(s string) string {
	if len(s) <= summaryTruncateLen {
		return s
	}
	return s[:summaryTruncateLen] + "..."
}

// --- Sequential mode ------------------------------------------------------

func planPrompt(m *store.Mission) string {
	var b strings.Builder
	b.WriteString("You are planning a mission. Decompose the goal into an ordered plan of 2-10 steps.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", m.Goal)
	if m.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", m.Context)
	}
	b.WriteString(`
Reply with a fenced json block containing an array of steps:

` + "```json" + `
[{"title": "...", "description": "...", "is_checkpoint": false}]
` + "```" + `

Mark a step is_checkpoint when its outcome should be reviewed before the
mission continues.`)
	return b.String()
}

func stepPrompt(m *store.Mission, step *store.MissionStep, retryContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute step %d of the mission: %s\n\n%s\n", step.Index+1, step.Title, step.Description)

	var prior []string
	for i := range m.Steps {
		s := &m.Steps[i]
		if s.Index >= step.Index {
			break
		}
		if s.Status == store.StepCompleted && s.OutputSummary != "" {
			prior = append(prior, fmt.Sprintf("%d. %s: %s", s.Index+1, s.Title, truncateSummary(s.OutputSummary)))
		}
	}
	if len(prior) > 0 {
		b.WriteString("\nPrevious Steps Summary:\n")
		b.WriteString(strings.Join(prior, "\n"))
		b.WriteString("\n")
	}

	if retryContext != "" {
		fmt.Fprintf(&b, "\nThe previous attempt at this step failed because: %s\nAdjust your approach accordingly.\n", retryContext)
	}
	return b.String()
}

func replanPrompt(m *store.Mission, completedThrough int) string {
	var b strings.Builder
	b.WriteString("You just completed a checkpoint step. Review the remaining plan in light of what has happened so far.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\nCompleted steps:\n", m.Goal)
	for i := 0; i <= completedThrough && i < len(m.Steps); i++ {
		s := m.Steps[i]
		fmt.Fprintf(&b, "%d. %s: %s\n", s.Index+1, s.Title, truncateSummary(s.OutputSummary))
	}
	b.WriteString("\nRemaining plan:\n")
	for i := completedThrough + 1; i < len(m.Steps); i++ {
		s := m.Steps[i]
		fmt.Fprintf(&b, "%d. %s: %s\n", s.Index+1, s.Title, s.Description)
	}
	b.WriteString(`
If the remaining plan is still right, reply with the single word: keep

Otherwise reply with a fenced json block containing the replacement
remaining steps:

` + "```json" + `
[{"title": "...", "description": "...", "is_checkpoint": false}]
` + "```")
	return b.String()
}

// --- Adaptive mode --------------------------------------------------------

func goalTreePrompt(m *store.Mission) string {
	var b strings.Builder
	b.WriteString("You are planning a mission as a goal tree. Decompose the goal into goals and, where useful, sub-goals.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", m.Goal)
	if m.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", m.Context)
	}
	b.WriteString(`
Reply with a fenced json block containing an array of goal nodes. Root
goals use ids "g-1", "g-2", ...; sub-goals extend the parent id
("g-1-1", "g-1-2") and set parent_id:

` + "```json" + `
[{"goal_id": "g-1", "parent_id": null, "title": "...", "description": "...",
  "success_criteria": "...", "is_checkpoint": false, "order": 1}]
` + "```")
	return b.String()
}

func goalPrompt(m *store.Mission, goal *store.GoalNode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on the goal: %s\n\n%s\n\nSuccess criteria: %s\n", goal.Title, goal.Description, goal.SuccessCriteria)

	var done []string
	for _, g := range m.Goals {
		if g.GoalID == goal.GoalID {
			continue
		}
		if g.Status == store.GoalCompleted && g.OutputSummary != "" {
			done = append(done, fmt.Sprintf("- %s: %s", g.Title, truncateSummary(g.OutputSummary)))
		}
	}
	if len(done) > 0 {
		b.WriteString("\nCompleted goals so far:\n")
		b.WriteString(strings.Join(done, "\n"))
		b.WriteString("\n")
	}

	if len(goal.Attempts) > 0 {
		b.WriteString("\nPrior attempts at this goal:\n")
		for _, a := range goal.Attempts {
			fmt.Fprintf(&b, "- attempt %d (%s): signal=%s", a.AttemptNumber, a.Approach, a.Signal)
			if a.Learnings != "" {
				fmt.Fprintf(&b, "; learnings: %s", truncateSummary(a.Learnings))
			}
			b.WriteString("\n")
		}
	}

	if goal.PivotReason != "" && goal.Status == store.GoalPivoting {
		fmt.Fprintf(&b, "\nNew approach to follow: %s\n", goal.PivotReason)
	}
	return b.String()
}

func evaluatePrompt(goal *store.GoalNode, output string) string {
	return fmt.Sprintf(`Evaluate the progress just made on the goal below.

Goal: %s
Success criteria: %s

Work output:
%s

Classify the progress and reply with a fenced json block:

`+"```json"+`
{"signal": "advancing|stalled|blocked", "reasoning": "...", "learnings": "..."}
`+"```"+`

advancing: the success criteria are met or clearly within reach.
stalled: no meaningful progress this attempt, but the approach may still work.
blocked: this approach cannot reach the success criteria.`,
		goal.Title, goal.SuccessCriteria, truncateSummary(output))
}

func pivotPrompt(goal *store.GoalNode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The goal %q is not progressing.\n\nDescription: %s\nSuccess criteria: %s\n\nAttempt history:\n",
		goal.Title, goal.Description, goal.SuccessCriteria)
	for _, a := range goal.Attempts {
		fmt.Fprintf(&b, "- attempt %d (%s): signal=%s", a.AttemptNumber, a.Approach, a.Signal)
		if a.Learnings != "" {
			fmt.Fprintf(&b, "; learnings: %s", truncateSummary(a.Learnings))
		}
		b.WriteString("\n")
	}
	b.WriteString(`
Decide whether a genuinely different approach could still succeed, or the
goal should be abandoned. Reply with a fenced json block, one of:

` + "```json" + `
{"decision": "retry", "approach": "...", "rationale": "..."}
` + "```" + `

` + "```json" + `
{"decision": "abandon", "reason": "..."}
` + "```")
	return b.String()
}

func synthesisPrompt(m *store.Mission) string {
	var b strings.Builder
	b.WriteString("The mission has finished executing its goals. Produce a concise final summary of what was accomplished.\n\n")
	fmt.Fprintf(&b, "Mission goal: %s\n\nCompleted goals:\n", m.Goal)
	for _, g := range m.Goals {
		if g.Status == store.GoalCompleted {
			fmt.Fprintf(&b, "- %s: %s\n", g.Title, truncateSummary(g.OutputSummary))
		}
	}
	abandoned := false
	for _, g := range m.Goals {
		if g.Status == store.GoalAbandoned {
			if !abandoned {
				b.WriteString("\nAbandoned goals:\n")
				abandoned = true
			}
			fmt.Fprintf(&b, "- %s (reason: %s)\n", g.Title, truncateSummary(g.PivotReason))
		}
	}
	return b.String()
}
