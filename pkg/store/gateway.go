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

// Package store is the Persistence Gateway: narrow, idempotent operations
// over durable sessions and missions, each encapsulating one business
// transition so callers never compose multi-step mutations.
//
// Two backends implement Gateway: MemoryGateway (process-local, used by
// tests and single-node dev runs) and SQLGateway (postgres/mysql/sqlite
// via database/sql). All operations return the structural error kinds of
// pkg/engineerr: NotFound, Conflict, Backend. Callers treat Backend
// failures on auxiliary writes (attempt records, summaries) as warnings,
// and Conflict on admission as authoritative denial.
package store

import (
	"context"

	"github.com/teamforge/missionengine/pkg/session"
)

// CreateSessionParams carries the inputs for allocating a session.
type CreateSessionParams struct {
	TeamID            string
	AgentID           string
	UserID            string
	WorkspacePath     string
	ExtraInstructions string
	AllowedExtensions []string
	AllowedSkillIDs   []string
	Portal            *session.PortalContext
	Attachments       []session.Message
}

// Gateway is the Persistence Gateway contract.
type Gateway interface {
	// --- Sessions ---------------------------------------------------------

	// CreateSession allocates a fresh id and returns the stored record.
	CreateSession(ctx context.Context, p CreateSessionParams) (*session.Session, error)

	// GetSession returns the session or a NotFound error.
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)

	// TryStartProcessing compare-and-sets is_processing false->true scoped
	// to this user. Returns false (no error) when the session is already
	// active or owned by a different user. This is the persistent half of
	// the engine's two-gate admission control.
	TryStartProcessing(ctx context.Context, sessionID, userID string) (bool, error)

	// ClearProcessing unconditionally releases is_processing.
	ClearProcessing(ctx context.Context, sessionID string) error

	// AppendMessages appends to the conversation log preserving insertion
	// order. One call per LLM turn keeps the write atomic at the turn
	// granularity.
	AppendMessages(ctx context.Context, sessionID string, messages []session.Message) error

	// ListRecentMessages returns at most n most recent messages in order;
	// n<=0 returns the full log.
	ListRecentMessages(ctx context.Context, sessionID string, n int) ([]session.Message, error)

	// --- Missions ---------------------------------------------------------

	// CreateMission stores a new mission (caller may leave ID empty to have
	// one allocated) and returns the stored record.
	CreateMission(ctx context.Context, m *Mission) (*Mission, error)

	// GetMission returns the mission or a NotFound error.
	GetMission(ctx context.Context, missionID string) (*Mission, error)

	// UpdateMissionStatus transitions mission status. Transitions out of a
	// terminal status return Conflict.
	UpdateMissionStatus(ctx context.Context, missionID string, status MissionStatus) error

	// SetMissionSession binds the dedicated session. A mission's session,
	// once set, never changes; a second bind returns Conflict.
	SetMissionSession(ctx context.Context, missionID, sessionID string) error

	// AddMissionTokens accumulates token usage onto the mission (and onto
	// the current step when stepIdx >= 0).
	AddMissionTokens(ctx context.Context, missionID string, stepIdx int, tokens int) error

	// SetMissionError records the mission-level failure message.
	SetMissionError(ctx context.Context, missionID, message string) error

	// SetMissionWorkspace persists the provisioned workspace path. Written
	// once at create time.
	SetMissionWorkspace(ctx context.Context, missionID, path string) error

	// --- Sequential steps -------------------------------------------------

	// SaveMissionPlan stores the full ordered step list, indexed from 0.
	SaveMissionPlan(ctx context.Context, missionID string, steps []MissionStep) error

	// UpdateStepStatus transitions one step's status.
	UpdateStepStatus(ctx context.Context, missionID string, idx int, status StepStatus) error

	// AdvanceMissionStep records the current unit for progress display.
	AdvanceMissionStep(ctx context.Context, missionID string, idx int) error

	// IncrementStepRetry bumps the step's retry counter and returns the new
	// count.
	IncrementStepRetry(ctx context.Context, missionID string, idx int) (int, error)

	// SetStepOutputSummary stores the step's last assistant text verbatim.
	SetStepOutputSummary(ctx context.Context, missionID string, idx int, summary string) error

	// SetStepError records a step-level failure message.
	SetStepError(ctx context.Context, missionID string, idx int, message string) error

	// ReplanRemainingSteps replaces the step list, preserving
	// completed-step indices: steps[0:firstPending] must be passed through
	// unchanged by the caller, and the gateway validates that completed
	// entries are not rewritten.
	ReplanRemainingSteps(ctx context.Context, missionID string, allSteps []MissionStep) error

	// IncrementReplanCount bumps the mission's replan counter and returns
	// the new count.
	IncrementReplanCount(ctx context.Context, missionID string) (int, error)

	// --- Adaptive goals ---------------------------------------------------

	// SaveGoalTree stores the full flat goal set.
	SaveGoalTree(ctx context.Context, missionID string, goals []*GoalNode) error

	// UpdateGoalStatus transitions one goal's status.
	UpdateGoalStatus(ctx context.Context, missionID, goalID string, status GoalStatus) error

	// AdvanceMissionGoal records the current unit for progress display.
	AdvanceMissionGoal(ctx context.Context, missionID, goalID string) error

	// PushGoalAttempt appends an attempt record to the goal.
	PushGoalAttempt(ctx context.Context, missionID, goalID string, attempt AttemptRecord) error

	// UpdateLastAttemptSignal rewrites the most recent attempt's signal and
	// learnings after evaluation.
	UpdateLastAttemptSignal(ctx context.Context, missionID, goalID string, signal Signal, learnings string) error

	// PivotGoalAtomic is a single write: status -> pivoting, pivot_reason
	// set to the new approach, mission-wide total_pivots incremented by 1.
	PivotGoalAtomic(ctx context.Context, missionID, goalID, newApproach string) error

	// AbandonGoalAtomic is a single write: status -> abandoned, reason
	// recorded, total_pivots incremented by 1.
	AbandonGoalAtomic(ctx context.Context, missionID, goalID, reason string) error

	// SetGoalOutputSummary stores the goal's last assistant text verbatim.
	SetGoalOutputSummary(ctx context.Context, missionID, goalID, summary string) error
}
