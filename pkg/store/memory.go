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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/session"
)

// MemoryGateway is a process-local Gateway. Tests and single-node dev runs
// use it directly; it is also the behavioral reference for SQLGateway.
type MemoryGateway struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	missions map[string]*Mission
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		sessions: make(map[string]*session.Session),
		missions: make(map[string]*Mission),
	}
}

func (g *MemoryGateway) CreateSession(_ context.Context, p CreateSessionParams) (*session.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	s := &session.Session{
		ID:                uuid.NewString(),
		TeamID:            p.TeamID,
		AgentID:           p.AgentID,
		UserID:            p.UserID,
		Messages:          append([]session.Message(nil), p.Attachments...),
		WorkspacePath:     p.WorkspacePath,
		ExtraInstructions: p.ExtraInstructions,
		AllowedExtensions: p.AllowedExtensions,
		AllowedSkillIDs:   p.AllowedSkillIDs,
		Portal:            p.Portal,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	g.sessions[s.ID] = s
	return copySession(s), nil
}

func (g *MemoryGateway) GetSession(_ context.Context, sessionID string) (*session.Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	return copySession(s), nil
}

func (g *MemoryGateway) TryStartProcessing(_ context.Context, sessionID, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return false, engineerr.New(engineerr.NotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	if s.IsProcessing || s.UserID != userID {
		return false, nil
	}
	s.IsProcessing = true
	s.Version++
	s.UpdatedAt = time.Now()
	return true, nil
}

func (g *MemoryGateway) ClearProcessing(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return engineerr.New(engineerr.NotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	s.IsProcessing = false
	s.Version++
	s.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) AppendMessages(_ context.Context, sessionID string, messages []session.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return engineerr.New(engineerr.NotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	s.Messages = append(s.Messages, messages...)
	s.Version++
	s.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) ListRecentMessages(_ context.Context, sessionID string, n int) ([]session.Message, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	msgs := s.RecentMessages(n)
	out := make([]session.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (g *MemoryGateway) CreateMission(_ context.Context, m *Mission) (*Mission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stored := copyMission(m)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = MissionDraft
	}
	if _, exists := g.missions[stored.ID]; exists {
		return nil, engineerr.New(engineerr.Conflict, fmt.Sprintf("mission %s already exists", stored.ID))
	}
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.CurrentStepIndex = -1
	g.missions[stored.ID] = stored
	return copyMission(stored), nil
}

func (g *MemoryGateway) GetMission(_ context.Context, missionID string) (*Mission, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m, ok := g.missions[missionID]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s not found", missionID))
	}
	return copyMission(m), nil
}

// mutateMission runs fn against the stored mission under the write lock.
func (g *MemoryGateway) mutateMission(missionID string, fn func(*Mission) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.missions[missionID]
	if !ok {
		return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s not found", missionID))
	}
	if err := fn(m); err != nil {
		return err
	}
	m.Version++
	m.UpdatedAt = time.Now()
	return nil
}

func (g *MemoryGateway) UpdateMissionStatus(_ context.Context, missionID string, status MissionStatus) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		if m.Status.IsTerminal() && m.Status != status {
			return engineerr.New(engineerr.Conflict,
				fmt.Sprintf("mission %s is %s; cannot transition to %s", missionID, m.Status, status))
		}
		m.Status = status
		return nil
	})
}

func (g *MemoryGateway) SetMissionSession(_ context.Context, missionID, sessionID string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		if m.SessionID != "" && m.SessionID != sessionID {
			return engineerr.New(engineerr.Conflict,
				fmt.Sprintf("mission %s already bound to session %s", missionID, m.SessionID))
		}
		m.SessionID = sessionID
		return nil
	})
}

func (g *MemoryGateway) AddMissionTokens(_ context.Context, missionID string, stepIdx, tokens int) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		m.TotalTokensUsed += tokens
		if step := m.StepByIndex(stepIdx); step != nil {
			step.TokensUsed += tokens
		}
		return nil
	})
}

func (g *MemoryGateway) SetMissionError(_ context.Context, missionID, message string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		m.ErrorMessage = message
		return nil
	})
}

func (g *MemoryGateway) SetMissionWorkspace(_ context.Context, missionID, path string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		m.WorkspacePath = path
		return nil
	})
}

func (g *MemoryGateway) SaveMissionPlan(_ context.Context, missionID string, steps []MissionStep) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		m.Steps = append([]MissionStep(nil), steps...)
		return nil
	})
}

func (g *MemoryGateway) UpdateStepStatus(_ context.Context, missionID string, idx int, status StepStatus) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		step := m.StepByIndex(idx)
		if step == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no step %d", missionID, idx))
		}
		step.Status = status
		return nil
	})
}

func (g *MemoryGateway) AdvanceMissionStep(_ context.Context, missionID string, idx int) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		m.CurrentStepIndex = idx
		return nil
	})
}

func (g *MemoryGateway) IncrementStepRetry(_ context.Context, missionID string, idx int) (int, error) {
	var count int
	err := g.mutateMission(missionID, func(m *Mission) error {
		step := m.StepByIndex(idx)
		if step == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no step %d", missionID, idx))
		}
		step.RetryCount++
		count = step.RetryCount
		return nil
	})
	return count, err
}

func (g *MemoryGateway) SetStepOutputSummary(_ context.Context, missionID string, idx int, summary string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		step := m.StepByIndex(idx)
		if step == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no step %d", missionID, idx))
		}
		step.OutputSummary = summary
		return nil
	})
}

func (g *MemoryGateway) SetStepError(_ context.Context, missionID string, idx int, message string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		step := m.StepByIndex(idx)
		if step == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no step %d", missionID, idx))
		}
		step.ErrorMessage = message
		return nil
	})
}

func (g *MemoryGateway) ReplanRemainingSteps(_ context.Context, missionID string, allSteps []MissionStep) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		for i, old := range m.Steps {
			if old.Status != StepCompleted {
				break
			}
			if i >= len(allSteps) || allSteps[i].Title != old.Title || allSteps[i].Status != StepCompleted {
				return engineerr.New(engineerr.Conflict,
					fmt.Sprintf("replan for mission %s rewrites completed step %d", missionID, i))
			}
		}
		m.Steps = append([]MissionStep(nil), allSteps...)
		return nil
	})
}

func (g *MemoryGateway) IncrementReplanCount(_ context.Context, missionID string) (int, error) {
	var count int
	err := g.mutateMission(missionID, func(m *Mission) error {
		m.ReplanCount++
		count = m.ReplanCount
		return nil
	})
	return count, err
}

func (g *MemoryGateway) SaveGoalTree(_ context.Context, missionID string, goals []*GoalNode) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		m.Goals = copyGoals(goals)
		return nil
	})
}

func (g *MemoryGateway) UpdateGoalStatus(_ context.Context, missionID, goalID string, status GoalStatus) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.Status = status
		return nil
	})
}

func (g *MemoryGateway) AdvanceMissionGoal(_ context.Context, missionID, goalID string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		m.CurrentGoalID = goalID
		return nil
	})
}

func (g *MemoryGateway) PushGoalAttempt(_ context.Context, missionID, goalID string, attempt AttemptRecord) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.Attempts = append(goal.Attempts, attempt)
		return nil
	})
}

func (g *MemoryGateway) UpdateLastAttemptSignal(_ context.Context, missionID, goalID string, signal Signal, learnings string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		last := goal.LastAttempt()
		if last == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("goal %s has no attempts", goalID))
		}
		last.Signal = signal
		last.Learnings = learnings
		return nil
	})
}

func (g *MemoryGateway) PivotGoalAtomic(_ context.Context, missionID, goalID, newApproach string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.Status = GoalPivoting
		goal.PivotReason = newApproach
		m.TotalPivots++
		return nil
	})
}

func (g *MemoryGateway) AbandonGoalAtomic(_ context.Context, missionID, goalID, reason string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.Status = GoalAbandoned
		goal.PivotReason = reason
		m.TotalPivots++
		return nil
	})
}

func (g *MemoryGateway) SetGoalOutputSummary(_ context.Context, missionID, goalID, summary string) error {
	return g.mutateMission(missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.OutputSummary = summary
		return nil
	})
}

// --- copy helpers ---------------------------------------------------------
//
// The gateway never hands out aliases into its stored records; every read
// and write crosses a deep copy so callers cannot bypass the gateway's
// single-transition discipline.

func copySession(s *session.Session) *session.Session {
	out := *s
	out.Messages = make([]session.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	out.AllowedExtensions = append([]string(nil), s.AllowedExtensions...)
	out.AllowedSkillIDs = append([]string(nil), s.AllowedSkillIDs...)
	if s.Portal != nil {
		p := *s.Portal
		out.Portal = &p
	}
	return &out
}

func copyMission(m *Mission) *Mission {
	out := *m
	out.Steps = append([]MissionStep(nil), m.Steps...)
	out.Goals = copyGoals(m.Goals)
	out.AttachedDocumentIDs = append([]string(nil), m.AttachedDocumentIDs...)
	return &out
}

func copyGoals(goals []*GoalNode) []*GoalNode {
	out := make([]*GoalNode, len(goals))
	for i, g := range goals {
		c := *g
		c.Attempts = append([]AttemptRecord(nil), g.Attempts...)
		out[i] = &c
	}
	return out
}

var _ Gateway = (*MemoryGateway)(nil)
