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
	"strings"

	"github.com/teamforge/missionengine/pkg/bridge"
	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/store"
)

// plannedStep is the JSON shape the planner prompt asks for.
type plannedStep struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	IsCheckpoint bool   `json:"is_checkpoint"`
}

// runSequential is the sequential-mode body: plan if the mission is still
// draft, then iterate steps left to right with retry, approval pauses, and
// re-plan evaluation after checkpoints. Cooperative exits (pause) return
// nil; the wrapper derives the terminal event from durable state.
func (e *Executor) runSequential(ctx context.Context, missionID string, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) error {
	m, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}

	if m.Status == store.MissionDraft {
		proceed, err := e.planSequential(ctx, m, agentCfg, token, pub)
		if err != nil || !proceed {
			return err
		}
		if m, err = e.store.GetMission(ctx, missionID); err != nil {
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

		idx := firstOpenStep(m)
		if idx < 0 {
			break
		}
		step := m.StepByIndex(idx)

		if paused, err := e.checkCancel(ctx, missionID, token); paused || err != nil {
			return err
		}
		if err := e.checkBudget(m); err != nil {
			return err
		}

		// Approval gate. A step found already awaiting_approval was paused
		// on a previous entry; reaching it again via resume is the
		// approval write-through.
		if step.Status != store.StepAwaitingApproval && e.stepNeedsApproval(m, step) {
			if err := e.store.UpdateStepStatus(ctx, missionID, idx, store.StepAwaitingApproval); err != nil {
				return err
			}
			if err := e.store.UpdateMissionStatus(ctx, missionID, store.MissionPaused); err != nil {
				return err
			}
			e.publishStatus(pub, eventbus.PhaseMissionPaused, map[string]any{
				"step_index": idx,
				"reason":     "checkpoint",
			})
			return nil
		}

		if err := e.runStep(ctx, m, step, agentCfg, token, pub); err != nil {
			return err
		}

		// Re-plan evaluation after checkpoint steps, bounded per mission
		// and only while steps remain.
		m, err = e.store.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if step.IsCheckpoint && firstOpenStep(m) >= 0 && m.ReplanCount < e.tuning.MaxReplanCount {
			e.evaluateReplan(ctx, m, step.Index, agentCfg, token, pub)
		}
	}

	return e.store.UpdateMissionStatus(ctx, missionID, store.MissionCompleted)
}

// planSequential generates and stores the step plan. The second return is
// false when the approval policy requires a pause at planned.
func (e *Executor) planSequential(ctx context.Context, m *store.Mission, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) (proceed bool, err error) {
	if err := e.store.UpdateMissionStatus(ctx, m.ID, store.MissionPlanning); err != nil {
		return false, err
	}
	e.publishStatus(pub, eventbus.PhaseMissionPlanning, nil)

	outcome, err := e.bridge.Run(ctx, &bridge.Request{
		SessionID: m.SessionID,
		AgentName: m.AgentID,
		Agent:     agentCfg,
		Prompt:    planPrompt(m),
		Publisher: pub,
		Cancel:    token,
	})
	if err != nil {
		return false, err
	}

	var planned []plannedStep
	if err := bridge.ExtractJSON(outcome.LastAssistantText, &planned); err != nil {
		// Initial plan parse failure is catastrophic, never defaulted.
		return false, err
	}
	if len(planned) == 0 {
		return false, engineerr.New(engineerr.ParseFailure, "planner produced an empty plan")
	}

	steps := make([]store.MissionStep, len(planned))
	for i, p := range planned {
		steps[i] = store.MissionStep{
			Index:        i,
			Title:        p.Title,
			Description:  p.Description,
			Status:       store.StepPending,
			IsCheckpoint: p.IsCheckpoint,
			MaxRetries:   e.tuning.DefaultStepMaxRetries,
		}
	}

	if err := e.store.SaveMissionPlan(ctx, m.ID, steps); err != nil {
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
		e.publishStatus(pub, eventbus.PhaseMissionPlanned, map[string]any{"steps": len(steps)})
		return false, nil
	}
	return true, nil
}

// runStep executes one step through the bridge with retry and backoff.
func (e *Executor) runStep(ctx context.Context, m *store.Mission, step *store.MissionStep, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) error {
	idx := step.Index

	if err := e.store.UpdateStepStatus(ctx, m.ID, idx, store.StepRunning); err != nil {
		return err
	}
	if err := e.store.AdvanceMissionStep(ctx, m.ID, idx); err != nil {
		e.logger.Warn("Advancing step pointer failed", "mission_id", m.ID, "error", err)
	}
	e.publishStatus(pub, eventbus.PhaseStepStart, map[string]any{"step_index": idx})

	retryContext := ""
	for {
		if paused, err := e.checkCancel(ctx, m.ID, token); paused || err != nil {
			return err
		}

		outcome, err := e.bridge.Run(ctx, &bridge.Request{
			SessionID: m.SessionID,
			AgentName: m.AgentID,
			Agent:     agentCfg,
			Prompt:    stepPrompt(m, step, retryContext),
			Mission: &bridge.MissionContext{
				Goal:           m.Goal,
				Step:           step.Title,
				CurrentStep:    idx + 1,
				TotalSteps:     len(m.Steps),
				ApprovalPolicy: string(m.ApprovalPolicy),
			},
			Publisher: pub,
			Cancel:    token,
		})
		if err == nil {
			if tokenErr := e.store.AddMissionTokens(ctx, m.ID, idx, outcome.TokensUsed); tokenErr != nil {
				e.logger.Warn("Recording step tokens failed", "mission_id", m.ID, "error", tokenErr)
			}
			if sumErr := e.store.SetStepOutputSummary(ctx, m.ID, idx, outcome.LastAssistantText); sumErr != nil {
				e.logger.Warn("Storing step summary failed", "mission_id", m.ID, "error", sumErr)
			}
			if err := e.store.UpdateStepStatus(ctx, m.ID, idx, store.StepCompleted); err != nil {
				return err
			}
			e.publishStatus(pub, eventbus.PhaseStepComplete, map[string]any{"step_index": idx})
			return nil
		}

		if engineerr.Is(err, engineerr.Cancelled) {
			_, cancelErr := e.checkCancel(ctx, m.ID, token)
			return cancelErr
		}

		if engineerr.Retryable(err) {
			attempt, retryErr := e.store.IncrementStepRetry(ctx, m.ID, idx)
			if retryErr == nil && attempt <= step.MaxRetries {
				if e.metrics != nil {
					e.metrics.StepRetries.Inc()
				}
				e.publishStatus(pub, eventbus.PhaseStepRetry, map[string]any{
					"step_index": idx,
					"attempt":    attempt,
				})
				e.sleepBackoff(attempt, token)
				retryContext = err.Error()
				continue
			}
		}

		// Non-retryable or retries exhausted.
		if stepErr := e.store.SetStepError(ctx, m.ID, idx, err.Error()); stepErr != nil {
			e.logger.Warn("Storing step error failed", "mission_id", m.ID, "error", stepErr)
		}
		if statusErr := e.store.UpdateStepStatus(ctx, m.ID, idx, store.StepFailed); statusErr != nil {
			return statusErr
		}
		return err
	}
}

// evaluateReplan asks the model whether the remaining plan still holds.
// Parse failure or "keep" leaves the plan unchanged; this path is never
// fatal.
func (e *Executor) evaluateReplan(ctx context.Context, m *store.Mission, completedThrough int, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) {
	outcome, err := e.bridge.Run(ctx, &bridge.Request{
		SessionID: m.SessionID,
		AgentName: m.AgentID,
		Agent:     agentCfg,
		Prompt:    replanPrompt(m, completedThrough),
		Publisher: pub,
		Cancel:    token,
	})
	if err != nil {
		e.logger.Warn("Re-plan evaluation failed", "mission_id", m.ID, "error", err)
		return
	}
	if tokenErr := e.store.AddMissionTokens(ctx, m.ID, -1, outcome.TokensUsed); tokenErr != nil {
		e.logger.Warn("Recording replan tokens failed", "mission_id", m.ID, "error", tokenErr)
	}

	reply := strings.TrimSpace(outcome.LastAssistantText)
	if strings.EqualFold(reply, "keep") || strings.EqualFold(strings.Trim(reply, "`\" ."), "keep") {
		return
	}

	var replacement []plannedStep
	if err := bridge.ExtractJSON(reply, &replacement); err != nil || len(replacement) == 0 {
		// Re-plan parse failure defaults to keep.
		return
	}

	all := make([]store.MissionStep, 0, completedThrough+1+len(replacement))
	all = append(all, m.Steps[:completedThrough+1]...)
	for i, p := range replacement {
		all = append(all, store.MissionStep{
			Index:        completedThrough + 1 + i,
			Title:        p.Title,
			Description:  p.Description,
			Status:       store.StepPending,
			IsCheckpoint: p.IsCheckpoint,
			MaxRetries:   e.tuning.DefaultStepMaxRetries,
		})
	}

	if err := e.store.ReplanRemainingSteps(ctx, m.ID, all); err != nil {
		e.logger.Warn("Storing re-planned steps failed", "mission_id", m.ID, "error", err)
		return
	}
	if _, err := e.store.IncrementReplanCount(ctx, m.ID); err != nil {
		e.logger.Warn("Incrementing replan count failed", "mission_id", m.ID, "error", err)
	}
	e.publishStatus(pub, eventbus.PhaseMissionReplanned, map[string]any{
		"from_step": completedThrough + 1,
		"steps":     len(all),
	})
}

// stepNeedsApproval evaluates the approval policy for one step.
func (e *Executor) stepNeedsApproval(m *store.Mission, step *store.MissionStep) bool {
	switch m.ApprovalPolicy {
	case store.ApprovalManual:
		return true
	case store.ApprovalCheckpoint:
		return step.IsCheckpoint
	}
	return false
}

// firstOpenStep returns the index of the first step that has not
// completed, or -1 when every step is done. A failed step stops the scan:
// it must not be skipped past.
func firstOpenStep(m *store.Mission) int {
	for i := range m.Steps {
		if m.Steps[i].Status != store.StepCompleted {
			return i
		}
	}
	return -1
}
