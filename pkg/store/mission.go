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

package store

import (
	"strings"
	"time"
)

// ExecutionMode selects the mission execution strategy.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeAdaptive   ExecutionMode = "adaptive"
)

// ApprovalPolicy controls when a mission pauses for a human approval.
type ApprovalPolicy string

const (
	// ApprovalAuto never pauses.
	ApprovalAuto ApprovalPolicy = "auto"

	// ApprovalCheckpoint pauses before steps/goals flagged is_checkpoint.
	ApprovalCheckpoint ApprovalPolicy = "checkpoint"

	// ApprovalManual pauses before every step/goal.
	ApprovalManual ApprovalPolicy = "manual"
)

// MissionStatus is a mission's position in its lifecycle:
// draft -> planning -> planned -> running -> {completed, paused, failed,
// cancelled}, with paused -> running again via resume. No backward
// transitions occur.
type MissionStatus string

const (
	MissionDraft     MissionStatus = "draft"
	MissionPlanning  MissionStatus = "planning"
	MissionPlanned   MissionStatus = "planned"
	MissionRunning   MissionStatus = "running"
	MissionPaused    MissionStatus = "paused"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"
	MissionCancelled MissionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are valid. Paused is
// not terminal: resume re-enters running.
func (s MissionStatus) IsTerminal() bool {
	switch s {
	case MissionCompleted, MissionFailed, MissionCancelled:
		return true
	}
	return false
}

// StepStatus is a sequential-mode step's state.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
)

// GoalStatus is an adaptive-mode goal's state.
type GoalStatus string

const (
	GoalPending          GoalStatus = "pending"
	GoalRunning          GoalStatus = "running"
	GoalAwaitingApproval GoalStatus = "awaiting_approval"
	GoalPivoting         GoalStatus = "pivoting"
	GoalCompleted        GoalStatus = "completed"
	GoalAbandoned        GoalStatus = "abandoned"
)

// IsTerminal reports whether the goal can no longer be selected.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalCompleted || s == GoalAbandoned
}

// Signal is the evaluator's progress classification for one attempt.
type Signal string

const (
	SignalAdvancing Signal = "advancing"
	SignalStalled   Signal = "stalled"
	SignalBlocked   Signal = "blocked"
)

// MissionStep is one unit of sequential execution.
type MissionStep struct {
	Index        int        `json:"index"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       StepStatus `json:"status"`
	IsCheckpoint bool       `json:"is_checkpoint"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`

	// OutputSummary holds the step's last assistant text, stored verbatim.
	// Truncation happens only at prompt-injection time, never here.
	OutputSummary string `json:"output_summary,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	TokensUsed    int    `json:"tokens_used"`
}

// AttemptRecord captures one execution attempt against a goal.
type AttemptRecord struct {
	AttemptNumber int    `json:"attempt_number"`
	Approach      string `json:"approach"`
	Signal        Signal `json:"signal"`
	Learnings     string `json:"learnings,omitempty"`
}

// InitialApproach marks a goal attempt that did not follow a pivot.
// Attempts with any other approach count toward the per-goal pivot limit.
const InitialApproach = "initial"

// GoalNode is one unit of adaptive execution. Goals form a tree through
// ParentID, but are stored as a flat ordered set keyed by GoalID: selection
// and traversal are linear scans, which avoids cyclic-ownership concerns
// when re-parenting during pivots.
type GoalNode struct {
	GoalID          string     `json:"goal_id"`
	ParentID        string     `json:"parent_id,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	SuccessCriteria string     `json:"success_criteria"`
	Status          GoalStatus `json:"status"`
	Depth           int        `json:"depth"`
	Order           int        `json:"order"`

	ExplorationBudget int             `json:"exploration_budget"`
	Attempts          []AttemptRecord `json:"attempts,omitempty"`

	OutputSummary string `json:"output_summary,omitempty"`
	PivotReason   string `json:"pivot_reason,omitempty"`
	IsCheckpoint  bool   `json:"is_checkpoint"`
}

// PivotCount counts attempts whose approach differs from "initial" - the
// per-goal pivot accounting rule.
func (g *GoalNode) PivotCount() int {
	n := 0
	for _, a := range g.Attempts {
		if a.Approach != InitialApproach && a.Approach != "" {
			n++
		}
	}
	return n
}

// LastAttempt returns the most recent attempt, or nil.
func (g *GoalNode) LastAttempt() *AttemptRecord {
	if len(g.Attempts) == 0 {
		return nil
	}
	return &g.Attempts[len(g.Attempts)-1]
}

// DepthFromGoalID derives tree depth from the dash count in a goal id:
// root goals ("g-1") have depth 0, "g-1-2" depth 1, and so on.
func DepthFromGoalID(goalID string) int {
	n := strings.Count(goalID, "-") - 1
	if n < 0 {
		return 0
	}
	return n
}

// Mission is a multi-step or multi-goal autonomous engagement.
type Mission struct {
	ID        string `json:"id"`
	TeamID    string `json:"team_id"`
	AgentID   string `json:"agent_id"`
	CreatorID string `json:"creator_id"`

	Goal    string `json:"goal"`
	Context string `json:"context,omitempty"`

	ExecutionMode  ExecutionMode  `json:"execution_mode"`
	ApprovalPolicy ApprovalPolicy `json:"approval_policy"`
	Status         MissionStatus  `json:"status"`

	// SessionID, once set, never changes.
	SessionID     string `json:"session_id,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`

	TokenBudget     int `json:"token_budget"`
	TotalTokensUsed int `json:"total_tokens_used"`
	TotalPivots     int `json:"total_pivots"`
	ReplanCount     int `json:"replan_count"`

	AttachedDocumentIDs []string `json:"attached_document_ids,omitempty"`

	// Steps is populated in sequential mode, Goals in adaptive mode.
	Steps []MissionStep `json:"steps,omitempty"`
	Goals []*GoalNode   `json:"goals,omitempty"`

	// CurrentStepIndex / CurrentGoalID record the current unit for
	// progress display.
	CurrentStepIndex int    `json:"current_step_index"`
	CurrentGoalID    string `json:"current_goal_id,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	// Version supports optimistic-concurrency writes in SQL backends.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GoalByID returns the goal with the given id, or nil.
func (m *Mission) GoalByID(goalID string) *GoalNode {
	for _, g := range m.Goals {
		if g.GoalID == goalID {
			return g
		}
	}
	return nil
}

// StepByIndex returns the step at idx, or nil when out of range.
func (m *Mission) StepByIndex(idx int) *MissionStep {
	if idx < 0 || idx >= len(m.Steps) {
		return nil
	}
	return &m.Steps[idx]
}

// HasDescendantInProgress reports whether any descendant of goalID is in a
// non-terminal state. A goal with such descendants is not executable yet.
func (m *Mission) HasDescendantInProgress(goalID string) bool {
	for _, g := range m.Goals {
		if g.ParentID == "" {
			continue
		}
		if m.isDescendantOf(g, goalID) && !g.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func (m *Mission) isDescendantOf(g *GoalNode, ancestorID string) bool {
	seen := 0
	for cur := g; cur != nil && cur.ParentID != ""; {
		if cur.ParentID == ancestorID {
			return true
		}
		cur = m.GoalByID(cur.ParentID)
		// Parent pointers come from model output; bail out rather than spin
		// if they happen to form a cycle.
		if seen++; seen > len(m.Goals) {
			return false
		}
	}
	return false
}
