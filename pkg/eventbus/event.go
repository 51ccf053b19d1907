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

package eventbus

import "encoding/json"

// Kind identifies the shape of an Event's payload.
type Kind string

const (
	KindStatus           Kind = "status"
	KindText             Kind = "text"
	KindThinking         Kind = "thinking"
	KindToolRequest      Kind = "tool_request"
	KindToolResult       Kind = "tool_result"
	KindToolConfirmation Kind = "tool_confirmation"
	KindGoalStart        Kind = "goal_start"
	KindGoalComplete     Kind = "goal_complete"
	KindGoalAbandoned    Kind = "goal_abandoned"
	KindPivot            Kind = "pivot"
	KindDone             Kind = "done"
)

// Event is one ordered item in an execution's event stream. IDs are
// monotonically increasing starting at 1 and gapless within one ExecID.
type Event struct {
	ExecID  string          `json:"-"`
	ID      int64           `json:"id"`
	Kind    Kind            `json:"-"`
	Payload json.RawMessage `json:"data"`
}

// MarshalSSE renders the event in the SSE-style wire form
// {event-type, id, data-json}. The transport that frames this
// as an actual SSE response is out of scope; this just produces the pieces.
func (e *Event) MarshalSSE() (eventType string, id int64, data []byte) {
	return string(e.Kind), e.ID, e.Payload
}

// --- Payload types --------------------------------------------------------
//
// These structs describe the Payload wire schemas, and newStatus and
// mustJSON encode them, so callers never hand-assemble JSON maps inline.

type StatusPayload struct {
	Type string         `json:"type"`
	Data map[string]any `json:"-"`
}

// status event phases.
const (
	PhaseMissionPlanning  = "mission_planning"
	PhaseMissionPlanned   = "mission_planned"
	PhaseMissionPaused    = "mission_paused"
	PhaseStepStart        = "step_start"
	PhaseStepRetry        = "step_retry"
	PhaseStepComplete     = "step_complete"
	PhaseMissionReplanned = "mission_replanned"
)

func newStatus(phase string, fields map[string]any) json.RawMessage {
	m := map[string]any{"type": phase}
	for k, v := range fields {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return b
}

type TextPayload struct {
	Content string `json:"content"`
}

type ToolRequestPayload struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolResultPayload struct {
	ID      string `json:"id"`
	Result  any    `json:"result"`
	IsError bool   `json:"is_error"`
}

type GoalStartPayload struct {
	GoalID string `json:"goal_id"`
	Title  string `json:"title"`
	Depth  int    `json:"depth"`
}

type GoalCompletePayload struct {
	GoalID string `json:"goal_id"`
	Signal string `json:"signal"`
}

type GoalAbandonedPayload struct {
	GoalID string `json:"goal_id"`
	Reason string `json:"reason"`
}

type PivotPayload struct {
	GoalID       string `json:"goal_id"`
	FromApproach string `json:"from_approach"`
	ToApproach   string `json:"to_approach"`
	Learnings    string `json:"learnings"`
}

// DoneStatus is the terminal status recorded in a done event's payload.
type DoneStatus string

const (
	DoneCompleted DoneStatus = "completed"
	DonePaused    DoneStatus = "paused"
	DoneCancelled DoneStatus = "cancelled"
	DoneFailed    DoneStatus = "failed"
)

type DonePayload struct {
	Status DoneStatus `json:"status"`
	Error  *string    `json:"error"`
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Payload constructors only ever receive the typed structs above;
		// a marshal failure here means a programming error, not runtime
		// input we need to recover from.
		panic(err)
	}
	return b
}
