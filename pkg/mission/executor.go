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

// Package mission implements the Mission Planner/Sequencer (sequential
// mode) and the Adaptive Executor (goal-tree mode) on top of the shared
// Execution Bridge.
//
// Both modes run under one wrapper that owns the two-gate admission
// control, the scope-exit discipline (the final done event is always
// broadcast and the Event Bus registration always released), and the
// reconciliation between the cooperative cancel-token and persisted
// status: a fired token plus persisted paused means the mission paused at
// a checkpoint, not that the user cancelled it.
package mission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teamforge/missionengine/pkg/bridge"
	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/metrics"
	"github.com/teamforge/missionengine/pkg/store"
	"github.com/teamforge/missionengine/pkg/workspace"
)

// Executor runs missions in both execution modes.
type Executor struct {
	store   store.Gateway
	bus     *eventbus.Bus
	bridge  *bridge.Bridge
	agents  map[string]*config.AgentConfig
	tuning  *config.EngineTuning
	metrics *metrics.Registry
	logger  *slog.Logger

	wg sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics wires the engine's metric registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Executor) { e.metrics = reg }
}

// NewExecutor creates an Executor over the given collaborators.
func NewExecutor(gw store.Gateway, bus *eventbus.Bus, br *bridge.Bridge, agents map[string]*config.AgentConfig, tuning *config.EngineTuning, opts ...Option) *Executor {
	if tuning == nil {
		tuning = &config.EngineTuning{}
		tuning.SetDefaults()
	}
	e := &Executor{
		store:  gw,
		bus:    bus,
		bridge: br,
		agents: agents,
		tuning: tuning,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateParams carries one mission creation.
type CreateParams struct {
	TeamID    string
	AgentName string
	CreatorID string

	Goal    string
	Context string

	Mode           store.ExecutionMode
	ApprovalPolicy store.ApprovalPolicy
	TokenBudget    int

	AttachedDocumentIDs []string
}

// Create stores a draft mission and eagerly provisions its workspace
// directory, persisting the path on the record.
func (e *Executor) Create(ctx context.Context, p CreateParams) (*store.Mission, error) {
	if _, ok := e.agents[p.AgentName]; !ok {
		return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("agent %s not configured", p.AgentName))
	}
	if p.Goal == "" {
		return nil, engineerr.New(engineerr.Conflict, "mission goal is required")
	}

	mode := p.Mode
	if mode == "" {
		mode = store.ModeSequential
	}
	policy := p.ApprovalPolicy
	if policy == "" {
		policy = store.ApprovalAuto
	}

	m, err := e.store.CreateMission(ctx, &store.Mission{
		TeamID:              p.TeamID,
		AgentID:             p.AgentName,
		CreatorID:           p.CreatorID,
		Goal:                p.Goal,
		Context:             p.Context,
		ExecutionMode:       mode,
		ApprovalPolicy:      policy,
		Status:              store.MissionDraft,
		TokenBudget:         p.TokenBudget,
		AttachedDocumentIDs: p.AttachedDocumentIDs,
	})
	if err != nil {
		return nil, err
	}

	path, err := workspace.Scope(e.tuning.WorkspaceRoot, m.TeamID, m.ID)
	if err != nil {
		e.logger.Warn("Workspace provisioning failed", "mission_id", m.ID, "error", err)
		return m, nil
	}
	if err := e.store.SetMissionWorkspace(ctx, m.ID, path); err != nil {
		e.logger.Warn("Persisting workspace path failed", "mission_id", m.ID, "error", err)
	}
	m.WorkspacePath = path
	return m, nil
}

// Start begins (or resumes) mission execution asynchronously. Valid from
// draft, planned, and paused. Returns once the execution goroutine is
// registered; progress streams via the Event Bus under the mission id.
func (e *Executor) Start(ctx context.Context, missionID string) error {
	m, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}

	switch m.Status {
	case store.MissionDraft, store.MissionPlanned, store.MissionPaused:
	default:
		return engineerr.New(engineerr.Conflict,
			fmt.Sprintf("mission %s is %s; cannot start", missionID, m.Status))
	}

	agentCfg, ok := e.agents[m.AgentID]
	if !ok {
		return engineerr.New(engineerr.NotFound, fmt.Sprintf("agent %s not configured", m.AgentID))
	}

	// The dedicated session must exist before admission gate two.
	if m.SessionID == "" {
		sess, err := e.store.CreateSession(ctx, store.CreateSessionParams{
			TeamID:            m.TeamID,
			AgentID:           m.AgentID,
			UserID:            m.CreatorID,
			WorkspacePath:     m.WorkspacePath,
			AllowedExtensions: agentCfg.Extensions,
		})
		if err != nil {
			return err
		}
		if err := e.store.SetMissionSession(ctx, m.ID, sess.ID); err != nil {
			return err
		}
		m.SessionID = sess.ID
	}

	// Gate one: the in-memory registration.
	token, pub, err := e.bus.Register(m.ID)
	if err != nil {
		if err == eventbus.ErrAlreadyActive {
			return engineerr.New(engineerr.Conflict, fmt.Sprintf("mission %s is already executing", m.ID))
		}
		return engineerr.Wrap(engineerr.Backend, "register execution", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(m.ID, agentCfg, token, pub)
	}()
	return nil
}

// Resume is Start: resumption re-enters the state machine and skips
// completed units.
func (e *Executor) Resume(ctx context.Context, missionID string) error {
	return e.Start(ctx, missionID)
}

// Pause requests a cooperative pause: persist paused, then fire the
// cancel-token so the running body observes it at its next checkpoint and
// reconciles to the paused status.
func (e *Executor) Pause(ctx context.Context, missionID string) error {
	m, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status != store.MissionRunning && m.Status != store.MissionPlanning {
		return engineerr.New(engineerr.Conflict,
			fmt.Sprintf("mission %s is %s; cannot pause", missionID, m.Status))
	}
	if err := e.store.UpdateMissionStatus(ctx, missionID, store.MissionPaused); err != nil {
		return err
	}
	if err := e.bus.Cancel(missionID); err != nil && err != eventbus.ErrNotFound {
		return engineerr.Wrap(engineerr.Backend, "fire cancel token", err)
	}
	return nil
}

// Cancel fires the cancel-token and persists cancelled unless the mission
// is already terminal. Cancelling a terminal mission is a no-op.
func (e *Executor) Cancel(ctx context.Context, missionID string) error {
	m, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status.IsTerminal() {
		return nil
	}

	if err := e.bus.Cancel(missionID); err != nil {
		if err != eventbus.ErrNotFound {
			return engineerr.Wrap(engineerr.Backend, "fire cancel token", err)
		}
		// No active execution: persist cancelled directly.
		return e.store.UpdateMissionStatus(ctx, missionID, store.MissionCancelled)
	}
	// An execution is active; its wrapper persists cancelled on exit. The
	// durable write here covers a crash between token fire and wrapper
	// exit.
	if m.Status != store.MissionPaused {
		if err := e.store.UpdateMissionStatus(ctx, missionID, store.MissionCancelled); err != nil {
			e.logger.Warn("Persisting cancelled status failed", "mission_id", missionID, "error", err)
		}
	}
	return nil
}

// Get returns the mission by id.
func (e *Executor) Get(ctx context.Context, missionID string) (*store.Mission, error) {
	return e.store.GetMission(ctx, missionID)
}

// Close waits for in-flight executions to finish.
func (e *Executor) Close() {
	e.wg.Wait()
}

// run is the execution wrapper: gate two of admission, mode dispatch, and
// the scope-exit discipline. The done status is derived from durable state
// rather than the body's return value, because checkpoint pause and user
// cancel both return without error.
func (e *Executor) run(missionID string, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) {
	ctx := context.Background()

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	m, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		e.broadcastDone(pub, eventbus.DoneFailed, err)
		_ = e.bus.Complete(missionID)
		return
	}

	// Gate two: the durable CAS on the mission session. Roll back gate one
	// on denial.
	ok, err := e.store.TryStartProcessing(ctx, m.SessionID, m.CreatorID)
	if err != nil || !ok {
		if err == nil {
			err = engineerr.New(engineerr.Conflict,
				fmt.Sprintf("session %s is already processing", m.SessionID))
		}
		e.broadcastDone(pub, eventbus.DoneFailed, err)
		_ = e.bus.Complete(missionID)
		return
	}

	var bodyErr error
	defer func() {
		if err := e.store.ClearProcessing(ctx, m.SessionID); err != nil {
			e.logger.Warn("Failed to clear session processing flag",
				"session_id", m.SessionID, "error", err)
		}
		e.finish(ctx, missionID, pub, token, bodyErr)
		_ = e.bus.Complete(missionID)
	}()

	switch m.ExecutionMode {
	case store.ModeAdaptive:
		bodyErr = e.runAdaptive(ctx, missionID, agentCfg, token, pub)
	default:
		bodyErr = e.runSequential(ctx, missionID, agentCfg, token, pub)
	}
}

// finish reconciles persisted status, the cancel-token, and the body's
// error into the final durable status and the terminal done event.
func (e *Executor) finish(ctx context.Context, missionID string, pub eventbus.Publisher, token *eventbus.CancelToken, bodyErr error) {
	m, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		e.broadcastDone(pub, eventbus.DoneFailed, err)
		return
	}

	status := m.Status
	switch {
	case bodyErr != nil && engineerr.Is(bodyErr, engineerr.Cancelled):
		if status != store.MissionPaused && !status.IsTerminal() {
			status = store.MissionCancelled
		}
	case bodyErr != nil:
		if !status.IsTerminal() {
			status = store.MissionFailed
			if err := e.store.SetMissionError(ctx, missionID, bodyErr.Error()); err != nil {
				e.logger.Warn("Persisting mission error failed", "mission_id", missionID, "error", err)
			}
		}
	case token.IsCancelled() && status == store.MissionRunning:
		// Token fired but the body exited cleanly without persisting
		// paused: the user cancelled between checkpoints.
		status = store.MissionCancelled
	}

	if status != m.Status {
		if err := e.store.UpdateMissionStatus(ctx, missionID, status); err != nil {
			e.logger.Warn("Persisting final mission status failed",
				"mission_id", missionID, "status", status, "error", err)
		}
	}

	var doneStatus eventbus.DoneStatus
	switch status {
	case store.MissionCompleted:
		doneStatus = eventbus.DoneCompleted
	case store.MissionCancelled:
		doneStatus = eventbus.DoneCancelled
	case store.MissionFailed:
		doneStatus = eventbus.DoneFailed
	default:
		// paused, planned (awaiting approval), or any in-flight status the
		// body returned from cooperatively.
		doneStatus = eventbus.DonePaused
	}

	if e.metrics != nil && status.IsTerminal() {
		e.metrics.MissionsFinished.WithLabelValues(string(status)).Inc()
	}

	if doneStatus == eventbus.DoneFailed {
		e.broadcastDone(pub, doneStatus, bodyErr)
	} else {
		e.broadcastDone(pub, doneStatus, nil)
	}
}

func (e *Executor) broadcastDone(pub eventbus.Publisher, status eventbus.DoneStatus, cause error) {
	var errText *string
	if cause != nil {
		msg := cause.Error()
		errText = &msg
	}
	payload, err := json.Marshal(eventbus.DonePayload{Status: status, Error: errText})
	if err != nil {
		return
	}
	if _, err := pub.Broadcast(eventbus.KindDone, payload); err != nil {
		e.logger.Warn("Failed to broadcast done event", "error", err)
	}
}

// checkCancel reconciles a fired token against persisted status: paused
// means checkpoint pause (clean return), anything else means user cancel.
func (e *Executor) checkCancel(ctx context.Context, missionID string, token *eventbus.CancelToken) (paused bool, err error) {
	if !token.IsCancelled() {
		return false, nil
	}
	m, getErr := e.store.GetMission(ctx, missionID)
	if getErr == nil && m.Status == store.MissionPaused {
		return true, nil
	}
	return false, engineerr.New(engineerr.Cancelled, "mission cancelled")
}

// checkBudget fails the mission when spend strictly exceeds the budget
// before a new unit starts; spend equal to the budget is allowed.
func (e *Executor) checkBudget(m *store.Mission) error {
	if m.TokenBudget > 0 && m.TotalTokensUsed > m.TokenBudget {
		return engineerr.New(engineerr.BudgetExceeded,
			fmt.Sprintf("mission %s spent %d of %d budgeted tokens", m.ID, m.TotalTokensUsed, m.TokenBudget))
	}
	return nil
}

// publishStatus emits one status event with the given phase and fields.
func (e *Executor) publishStatus(pub eventbus.Publisher, phase string, fields map[string]any) {
	payload := map[string]any{"type": phase}
	for k, v := range fields {
		payload[k] = v
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := pub.Broadcast(eventbus.KindStatus, encoded); err != nil {
		e.logger.Warn("Failed to broadcast status event", "phase", phase, "error", err)
	}
}

func (e *Executor) publishEvent(pub eventbus.Publisher, kind eventbus.Kind, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := pub.Broadcast(kind, encoded); err != nil {
		e.logger.Warn("Failed to broadcast event", "kind", kind, "error", err)
	}
}

// sleepBackoff sleeps 2^attempt seconds, returning early when the token
// fires.
func (e *Executor) sleepBackoff(attempt int, token *eventbus.CancelToken) {
	d := time.Duration(1<<attempt) * time.Second
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-token.Cancelled():
	}
}
