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
	"context"
	"sort"
	"strings"

	"github.com/teamforge/missionengine/pkg/bridge"
	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/store"
)

// plannedGoal is the JSON shape the goal-tree planner prompt asks for.
type plannedGoal struct {
	GoalID          string `json:"goal_id"`
	ParentID        string `json:"parent_id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria"`
	IsCheckpoint    bool   `json:"is_checkpoint"`
	Order           int    `json:"order"`
}

// evaluation is the evaluator prompt's reply shape.
type evaluation struct {
	Signal    string `json:"signal"`
	Reasoning string `json:"reasoning"`
	Learnings string `json:"learnings"`
}

// pivotDecision is the pivot prompt's reply shape.
type pivotDecision struct {
	Decision  string `json:"decision"`
	Approach  string `json:"approach"`
	Rationale string `json:"rationale"`
	Reason    string `json:"reason"`
}

// runAdaptive is the adaptive-mode body: plan a goal tree if the mission
// is still draft, then repeatedly select the next executable leaf, run it,
// evaluate progress, and pivot or abandon until no executable goal
// remains, finishing with a synthesis pass.
func (e *Executor) runAdaptive(ctx context.Context, missionID string, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) error {
	m, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}

	if m.Status == store.MissionDraft {
		proceed, err := e.planAdaptive(ctx, m, agentCfg, token, pub)
		if err != nil || !proceed {
			return err
		}
	}

	if err := e.store.UpdateMissionStatus(ctx, missionID, store.MissionRunning); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.MissionsStarted.Inc()
	}

	for {
		m, err = e.store.GetMission(ctx, missionID)
		if err != nil {
			return err
		}

		goal := selectNextGoal(m)
		if goal == nil {
			break
		}

		if paused, err := e.checkCancel(ctx, missionID, token); paused || err != nil {
			return err
		}
		if err := e.checkBudget(m); err != nil {
			return err
		}

		// Approval gate, same write-through-on-resume shape as sequential
		// steps.
		if goal.Status != store.GoalAwaitingApproval && e.goalNeedsApproval(m, goal) {
			if err := e.store.UpdateGoalStatus(ctx, missionID, goal.GoalID, store.GoalAwaitingApproval); err != nil {
				return err
			}
			if err := e.store.UpdateMissionStatus(ctx, missionID, store.MissionPaused); err != nil {
				return err
			}
			e.publishStatus(pub, eventbus.PhaseMissionPaused, map[string]any{
				"goal_id": goal.GoalID,
				"reason":  "checkpoint",
			})
			return nil
		}

		if err := e.runGoal(ctx, m, goal, agentCfg, token, pub); err != nil {
			return err
		}
	}

	// Synthesis, skipped when the loop exited into a pause.
	m, err = e.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status != store.MissionPaused {
		e.synthesize(ctx, m, agentCfg, token, pub)
		return e.store.UpdateMissionStatus(ctx, missionID, store.MissionCompleted)
	}
	return nil
}

// planAdaptive generates and stores the goal tree. The second return is
// false when the approval policy requires a pause at planned.
func (e *Executor) planAdaptive(ctx context.Context, m *store.Mission, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) (proceed bool, err error) {
	if err := e.store.UpdateMissionStatus(ctx, m.ID, store.MissionPlanning); err != nil {
		return false, err
	}
	e.publishStatus(pub, eventbus.PhaseMissionPlanning, nil)

	outcome, err := e.bridge.Run(ctx, &bridge.Request{
		SessionID: m.SessionID,
		AgentName: m.AgentID,
		Agent:     agentCfg,
		Prompt:    goalTreePrompt(m),
		Publisher: pub,
		Cancel:    token,
	})
	if err != nil {
		return false, err
	}

	var planned []plannedGoal
	if err := bridge.ExtractJSON(outcome.LastAssistantText, &planned); err != nil {
		// Goal-tree parse failure is catastrophic, never defaulted.
		return false, err
	}
	if len(planned) == 0 {
		return false, engineerr.New(engineerr.ParseFailure, "planner produced an empty goal tree")
	}

	goals := make([]*store.GoalNode, len(planned))
	for i, p := range planned {
		goals[i] = &store.GoalNode{
			GoalID:            p.GoalID,
			ParentID:          p.ParentID,
			Title:             p.Title,
			Description:       p.Description,
			SuccessCriteria:   p.SuccessCriteria,
			Status:            store.GoalPending,
			Depth:             store.DepthFromGoalID(p.GoalID),
			Order:             p.Order,
			ExplorationBudget: e.tuning.DefaultExplorationBudget,
			IsCheckpoint:      p.IsCheckpoint,
		}
	}

	if err := e.store.SaveGoalTree(ctx, m.ID, goals); err != nil {
		return false, err
	}
	if err := e.store.AddMissionTokens(ctx, m.ID, -1, outcome.TokensUsed); err != nil {
		e.logger.Warn("Recording planning tokens failed", "mission_id", m.ID, "error", err)
	}
	if err := e.store.UpdateMissionStatus(ctx, m.ID, store.MissionPlanned); err != nil {
		return false, err
	}

	// Manual missions wait for an explicit resume before executing; a
	// checkpoint mission proceeds and pauses at its first checkpoint unit.
	if m.ApprovalPolicy == store.ApprovalManual {
		e.publishStatus(pub, eventbus.PhaseMissionPlanned, map[string]any{"goals": len(goals)})
		return false, nil
	}
	return true, nil
}

// runGoal executes one attempt at a goal, evaluates the progress signal,
// and branches: advancing completes, stalled re-queues or pivots, blocked
// pivots.
func (e *Executor) runGoal(ctx context.Context, m *store.Mission, goal *store.GoalNode, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) error {
	goalID := goal.GoalID

	approach := store.InitialApproach
	if goal.Status == store.GoalPivoting && goal.PivotReason != "" {
		approach = goal.PivotReason
	}

	if err := e.store.UpdateGoalStatus(ctx, m.ID, goalID, store.GoalRunning); err != nil {
		return err
	}
	if err := e.store.AdvanceMissionGoal(ctx, m.ID, goalID); err != nil {
		e.logger.Warn("Advancing goal pointer failed", "mission_id", m.ID, "error", err)
	}
	e.publishEvent(pub, eventbus.KindGoalStart, eventbus.GoalStartPayload{
		GoalID: goalID,
		Title:  goal.Title,
		Depth:  goal.Depth,
	})

	outcome, err := e.bridge.Run(ctx, &bridge.Request{
		SessionID: m.SessionID,
		AgentName: m.AgentID,
		Agent:     agentCfg,
		Prompt:    goalPrompt(m, goal),
		Mission: &bridge.MissionContext{
			Goal:           goal.Title,
			CurrentStep:    goalPosition(m, goalID),
			TotalSteps:     len(m.Goals),
			ApprovalPolicy: string(m.ApprovalPolicy),
		},
		Publisher: pub,
		Cancel:    token,
	})
	if err != nil {
		if engineerr.Is(err, engineerr.Cancelled) {
			paused, cancelErr := e.checkCancel(ctx, m.ID, token)
			if paused {
				// Requeue the interrupted goal under its pre-selection
				// status so resume can pick it again; a goal left in
				// running would never be selected.
				requeue := goal.Status
				if requeue == store.GoalRunning {
					requeue = store.GoalPending
				}
				if reqErr := e.store.UpdateGoalStatus(ctx, m.ID, goalID, requeue); reqErr != nil {
					e.logger.Warn("Requeueing paused goal failed", "mission_id", m.ID, "goal_id", goalID, "error", reqErr)
				}
			}
			return cancelErr
		}
		return err
	}
	if tokenErr := e.store.AddMissionTokens(ctx, m.ID, -1, outcome.TokensUsed); tokenErr != nil {
		e.logger.Warn("Recording goal tokens failed", "mission_id", m.ID, "error", tokenErr)
	}

	attempt := store.AttemptRecord{
		AttemptNumber: len(goal.Attempts) + 1,
		Approach:      approach,
		Signal:        store.SignalAdvancing,
	}
	if err := e.store.PushGoalAttempt(ctx, m.ID, goalID, attempt); err != nil {
		e.logger.Warn("Recording goal attempt failed", "mission_id", m.ID, "error", err)
	}
	if err := e.store.SetGoalOutputSummary(ctx, m.ID, goalID, outcome.LastAssistantText); err != nil {
		e.logger.Warn("Storing goal summary failed", "mission_id", m.ID, "error", err)
	}

	signal, learnings := e.evaluateProgress(ctx, m, goal, outcome.LastAssistantText, agentCfg, token, pub)
	if err := e.store.UpdateLastAttemptSignal(ctx, m.ID, goalID, signal, learnings); err != nil {
		e.logger.Warn("Updating attempt signal failed", "mission_id", m.ID, "error", err)
	}

	// Re-read the goal so limit accounting sees the attempt just pushed.
	m2, err := e.store.GetMission(ctx, m.ID)
	if err != nil {
		return err
	}
	fresh := m2.GoalByID(goalID)
	if fresh == nil {
		return engineerr.New(engineerr.NotFound, "goal vanished mid-execution: "+goalID)
	}

	switch signal {
	case store.SignalAdvancing:
		if err := e.store.UpdateGoalStatus(ctx, m.ID, goalID, store.GoalCompleted); err != nil {
			return err
		}
		e.publishEvent(pub, eventbus.KindGoalComplete, eventbus.GoalCompletePayload{
			GoalID: goalID,
			Signal: string(store.SignalAdvancing),
		})
		return nil

	case store.SignalStalled:
		if len(fresh.Attempts) < fresh.ExplorationBudget {
			// Give the same approach another chance; selection may pick
			// this goal again.
			return e.store.UpdateGoalStatus(ctx, m.ID, goalID, store.GoalPending)
		}
		return e.pivotProtocol(ctx, m2, fresh, agentCfg, token, pub)

	default: // blocked
		return e.pivotProtocol(ctx, m2, fresh, agentCfg, token, pub)
	}
}

// evaluateProgress issues the evaluation bridge call and parses the
// signal. Parse failure defaults to stalled.
func (e *Executor) evaluateProgress(ctx context.Context, m *store.Mission, goal *store.GoalNode, output string, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) (store.Signal, string) {
	outcome, err := e.bridge.Run(ctx, &bridge.Request{
		SessionID: m.SessionID,
		AgentName: m.AgentID,
		Agent:     agentCfg,
		Prompt:    evaluatePrompt(goal, output),
		Publisher: pub,
		Cancel:    token,
	})
	if err != nil {
		e.logger.Warn("Progress evaluation failed; defaulting to stalled",
			"mission_id", m.ID, "goal_id", goal.GoalID, "error", err)
		return store.SignalStalled, ""
	}
	if tokenErr := e.store.AddMissionTokens(ctx, m.ID, -1, outcome.TokensUsed); tokenErr != nil {
		e.logger.Warn("Recording evaluation tokens failed", "mission_id", m.ID, "error", tokenErr)
	}

	var ev evaluation
	if err := bridge.ExtractJSON(outcome.LastAssistantText, &ev); err != nil {
		return store.SignalStalled, ""
	}
	switch store.Signal(strings.ToLower(ev.Signal)) {
	case store.SignalAdvancing:
		return store.SignalAdvancing, ev.Learnings
	case store.SignalBlocked:
		return store.SignalBlocked, ev.Learnings
	default:
		return store.SignalStalled, ev.Learnings
	}
}

// pivotProtocol decides between a new approach and abandonment. Hard
// limits force abandonment before the model is consulted; the model's
// parse failure also defaults to abandon.
func (e *Executor) pivotProtocol(ctx context.Context, m *store.Mission, goal *store.GoalNode, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) error {
	goalID := goal.GoalID

	var limitReason string
	switch {
	case len(goal.Attempts) >= goal.ExplorationBudget:
		limitReason = "exploration budget exhausted"
	case goal.PivotCount() >= e.tuning.MaxPivotsPerGoal:
		limitReason = "per-goal pivot limit reached"
	case m.TotalPivots >= e.tuning.MaxTotalPivots:
		limitReason = "mission-wide pivot limit reached"
	}
	if limitReason != "" {
		return e.abandonGoal(ctx, m, goal, limitReason, pub)
	}

	outcome, err := e.bridge.Run(ctx, &bridge.Request{
		SessionID: m.SessionID,
		AgentName: m.AgentID,
		Agent:     agentCfg,
		Prompt:    pivotPrompt(goal),
		Publisher: pub,
		Cancel:    token,
	})
	if err != nil {
		if engineerr.Is(err, engineerr.Cancelled) {
			paused, cancelErr := e.checkCancel(ctx, m.ID, token)
			if paused {
				if reqErr := e.store.UpdateGoalStatus(ctx, m.ID, goalID, store.GoalPending); reqErr != nil {
					e.logger.Warn("Requeueing paused goal failed", "mission_id", m.ID, "goal_id", goalID, "error", reqErr)
				}
			}
			return cancelErr
		}
		e.logger.Warn("Pivot decision call failed; abandoning goal",
			"mission_id", m.ID, "goal_id", goalID, "error", err)
		return e.abandonGoal(ctx, m, goal, "pivot decision unavailable", pub)
	}
	if tokenErr := e.store.AddMissionTokens(ctx, m.ID, -1, outcome.TokensUsed); tokenErr != nil {
		e.logger.Warn("Recording pivot tokens failed", "mission_id", m.ID, "error", tokenErr)
	}

	var decision pivotDecision
	if err := bridge.ExtractJSON(outcome.LastAssistantText, &decision); err != nil {
		// Pivot parse failure defaults to abandon.
		return e.abandonGoal(ctx, m, goal, "pivot decision unparseable", pub)
	}

	if strings.EqualFold(decision.Decision, "retry") && strings.TrimSpace(decision.Approach) != "" {
		fromApproach := store.InitialApproach
		if last := goal.LastAttempt(); last != nil {
			fromApproach = last.Approach
		}
		if err := e.store.PivotGoalAtomic(ctx, m.ID, goalID, decision.Approach); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.GoalPivots.Inc()
		}
		learnings := ""
		if last := goal.LastAttempt(); last != nil {
			learnings = last.Learnings
		}
		e.publishEvent(pub, eventbus.KindPivot, eventbus.PivotPayload{
			GoalID:       goalID,
			FromApproach: fromApproach,
			ToApproach:   decision.Approach,
			Learnings:    learnings,
		})
		return nil
	}

	reason := decision.Reason
	if reason == "" {
		reason = decision.Rationale
	}
	if reason == "" {
		reason = "model recommended abandonment"
	}
	return e.abandonGoal(ctx, m, goal, reason, pub)
}

func (e *Executor) abandonGoal(ctx context.Context, m *store.Mission, goal *store.GoalNode, reason string, pub eventbus.Publisher) error {
	if err := e.store.AbandonGoalAtomic(ctx, m.ID, goal.GoalID, reason); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.GoalAbandons.Inc()
	}
	e.publishEvent(pub, eventbus.KindGoalAbandoned, eventbus.GoalAbandonedPayload{
		GoalID: goal.GoalID,
		Reason: reason,
	})
	return nil
}

// synthesize issues the final summary call. Failure is logged, never
// fatal.
func (e *Executor) synthesize(ctx context.Context, m *store.Mission, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) {
	outcome, err := e.bridge.Run(ctx, &bridge.Request{
		SessionID: m.SessionID,
		AgentName: m.AgentID,
		Agent:     agentCfg,
		Prompt:    synthesisPrompt(m),
		Publisher: pub,
		Cancel:    token,
	})
	if err != nil {
		e.logger.Warn("Synthesis failed", "mission_id", m.ID, "error", err)
		return
	}
	if tokenErr := e.store.AddMissionTokens(ctx, m.ID, -1, outcome.TokensUsed); tokenErr != nil {
		e.logger.Warn("Recording synthesis tokens failed", "mission_id", m.ID, "error", tokenErr)
	}
}

// selectNextGoal picks the next executable goal: pending, pivoting, or
// awaiting_approval (the resume write-through), with no descendant in a
// non-terminal state. Candidates order by depth descending then order
// ascending - leaves first, siblings left to right.
func selectNextGoal(m *store.Mission) *store.GoalNode {
	var candidates []*store.GoalNode
	for _, g := range m.Goals {
		switch g.Status {
		case store.GoalPending, store.GoalPivoting, store.GoalAwaitingApproval:
		default:
			continue
		}
		if m.HasDescendantInProgress(g.GoalID) {
			continue
		}
		candidates = append(candidates, g)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Depth != candidates[j].Depth {
			return candidates[i].Depth > candidates[j].Depth
		}
		return candidates[i].Order < candidates[j].Order
	})
	return candidates[0]
}

// goalPosition is the 1-based position of the goal in tree order, for the
// mission context's current_step display.
func goalPosition(m *store.Mission, goalID string) int {
	for i, g := range m.Goals {
		if g.GoalID == goalID {
			return i + 1
		}
	}
	return 0
}

// goalNeedsApproval evaluates the approval policy for one goal.
func (e *Executor) goalNeedsApproval(m *store.Mission, goal *store.GoalNode) bool {
	switch m.ApprovalPolicy {
	case store.ApprovalManual:
		return true
	case store.ApprovalCheckpoint:
		return goal.IsCheckpoint
	}
	return false
}
