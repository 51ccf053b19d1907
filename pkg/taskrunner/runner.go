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

// Package taskrunner drives one approved task through one Execution
// Bridge invocation: admission through the two-gate control (Event Bus
// registration, then the persistence CAS), the bridge call, the terminal
// done event, and symmetric cleanup on every exit path.
package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/teamforge/missionengine/pkg/bridge"
	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/metrics"
	"github.com/teamforge/missionengine/pkg/ratelimit"
	"github.com/teamforge/missionengine/pkg/store"
	"github.com/teamforge/missionengine/pkg/task"
)

// Runner manages short-lived task executions.
type Runner struct {
	tasks   task.Service
	store   store.Gateway
	bus     *eventbus.Bus
	bridge  *bridge.Bridge
	agents  map[string]*config.AgentConfig
	metrics *metrics.Registry
	guard   *ratelimit.SubmitGuard
	logger  *slog.Logger

	// wg tracks in-flight execution goroutines so Close can drain them.
	wg sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics wires the engine's metric registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(r *Runner) { r.metrics = reg }
}

// WithSubmitGuard applies rate limiting at the submit boundary.
func WithSubmitGuard(g *ratelimit.SubmitGuard) Option {
	return func(r *Runner) { r.guard = g }
}

// New creates a Runner over the given collaborators. agents maps agent
// name to configuration.
func New(tasks task.Service, gw store.Gateway, bus *eventbus.Bus, br *bridge.Bridge, agents map[string]*config.AgentConfig, opts ...Option) *Runner {
	r := &Runner{
		tasks:  tasks,
		store:  gw,
		bus:    bus,
		bridge: br,
		agents: agents,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SubmitParams carries one task submission.
type SubmitParams struct {
	TeamID    string
	AgentName string
	UserID    string

	// SessionID reuses an existing session; empty allocates a fresh one.
	SessionID string

	Message string
}

// Submit creates a task in pending. Agents with auto_approve_chat move
// straight to approved (and spawn) in the same flow. When a submit guard
// is configured it is consulted here, before anything is persisted.
func (r *Runner) Submit(ctx context.Context, p SubmitParams) (*task.Task, error) {
	agentCfg, ok := r.agents[p.AgentName]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("agent %s not configured", p.AgentName))
	}

	if r.guard != nil {
		if err := r.guard.Admit(ctx, p.UserID, p.Message); err != nil {
			return nil, engineerr.Wrap(engineerr.Conflict, "submission rate limited", err)
		}
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sess, err := r.store.CreateSession(ctx, store.CreateSessionParams{
			TeamID:            p.TeamID,
			AgentID:           p.AgentName,
			UserID:            p.UserID,
			AllowedExtensions: agentCfg.Extensions,
		})
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
	}

	t := task.New(uuid.NewString(), p.TeamID, p.AgentName, sessionID, p.UserID, p.Message)
	if err := r.tasks.Create(ctx, t); err != nil {
		return nil, engineerr.Wrap(engineerr.Backend, "create task", err)
	}

	if r.metrics != nil {
		r.metrics.TasksSubmitted.Inc()
	}

	if agentCfg.AutoApproveChat {
		return r.Approve(ctx, t.ID)
	}
	return t, nil
}

// Approve transitions pending -> approved, registers the task in the
// Event Bus, spawns the execution goroutine, and returns immediately.
// Approving an already-approved (or running) task is a no-op and does not
// respawn execution.
func (r *Runner) Approve(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.NotFound, "approve task", err)
	}

	switch t.GetStatus() {
	case task.StatePending:
	case task.StateApproved, task.StateRunning:
		return t, nil
	default:
		return nil, engineerr.New(engineerr.Conflict,
			fmt.Sprintf("task %s is %s; cannot approve", taskID, t.GetStatus()))
	}

	// Gate one: the in-memory registration. AlreadyActive means an
	// execution is in flight for this id - treat as the no-op case.
	token, pub, err := r.bus.Register(t.ID)
	if err != nil {
		if err == eventbus.ErrAlreadyActive {
			return t, nil
		}
		return nil, engineerr.Wrap(engineerr.Backend, "register execution", err)
	}

	if err := t.Transition(task.StateApproved, ""); err != nil {
		_ = r.bus.Unregister(t.ID)
		return nil, engineerr.Wrap(engineerr.Conflict, "approve task", err)
	}
	if err := r.tasks.Update(ctx, t); err != nil {
		_ = r.bus.Unregister(t.ID)
		return nil, engineerr.Wrap(engineerr.Backend, "persist approval", err)
	}

	agentCfg := r.agents[t.AgentID]

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(t, agentCfg, token, pub)
	}()

	return t, nil
}

// Reject transitions pending -> rejected.
func (r *Runner) Reject(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.NotFound, "reject task", err)
	}
	if t.GetStatus() != task.StatePending {
		return nil, engineerr.New(engineerr.Conflict,
			fmt.Sprintf("task %s is %s; cannot reject", taskID, t.GetStatus()))
	}
	if err := t.Transition(task.StateRejected, ""); err != nil {
		return nil, engineerr.Wrap(engineerr.Conflict, "reject task", err)
	}
	if err := r.tasks.Update(ctx, t); err != nil {
		return nil, engineerr.Wrap(engineerr.Backend, "persist rejection", err)
	}
	return t, nil
}

// Cancel fires the execution's cancel-token and persists cancelled unless
// the task already reached a terminal state. Cancelling a terminal task is
// a no-op.
func (r *Runner) Cancel(ctx context.Context, taskID string) error {
	t, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return engineerr.Wrap(engineerr.NotFound, "cancel task", err)
	}
	if t.GetStatus().IsTerminal() {
		return nil
	}

	// Fire the token; the running body observes it at its next checkpoint.
	// ErrNotFound here means no execution is registered (still pending or
	// approved-but-unspawned) - cancel it directly.
	if err := r.bus.Cancel(taskID); err != nil && err != eventbus.ErrNotFound {
		return engineerr.Wrap(engineerr.Backend, "cancel execution", err)
	}

	if err := t.Transition(task.StateCancelled, ""); err == nil {
		if err := r.tasks.Update(ctx, t); err != nil {
			return engineerr.Wrap(engineerr.Backend, "persist cancellation", err)
		}
	}
	return nil
}

// Get returns the task by id.
func (r *Runner) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return r.tasks.Get(ctx, taskID)
}

// Close waits for in-flight executions to finish.
func (r *Runner) Close() {
	r.wg.Wait()
}

// execute is the execution future: gate two of admission, one bridge
// invocation, terminal event, and cleanup on every exit path.
func (r *Runner) execute(t *task.Task, agentCfg *config.AgentConfig, token *eventbus.CancelToken, pub eventbus.Publisher) {
	ctx := context.Background()

	if r.metrics != nil {
		r.metrics.ActiveExecutions.Inc()
		defer r.metrics.ActiveExecutions.Dec()
	}

	// Gate two: the durable CAS. Roll back gate one on denial.
	ok, err := r.store.TryStartProcessing(ctx, t.SessionID, t.UserID)
	if err != nil || !ok {
		if err == nil {
			err = engineerr.New(engineerr.Conflict,
				fmt.Sprintf("session %s is already processing", t.SessionID))
		}
		r.finish(ctx, t, pub, token, err)
		_ = r.bus.Complete(t.ID)
		return
	}

	// Release is symmetric: persistence cleared, then Event Bus
	// unregistered - on every exit path.
	defer func() {
		if err := r.store.ClearProcessing(ctx, t.SessionID); err != nil {
			r.logger.Warn("Failed to clear session processing flag",
				"session_id", t.SessionID, "error", err)
		}
		_ = r.bus.Complete(t.ID)
	}()

	if err := t.Transition(task.StateRunning, ""); err == nil {
		if err := r.tasks.Update(ctx, t); err != nil {
			r.logger.Warn("Failed to persist running status", "task_id", t.ID, "error", err)
		}
	}

	_, runErr := r.bridge.Run(ctx, &bridge.Request{
		SessionID: t.SessionID,
		AgentName: t.AgentID,
		Agent:     agentCfg,
		Prompt:    t.UserMessage,
		Publisher: pub,
		Cancel:    token,
	})

	r.finish(ctx, t, pub, token, runErr)
}

// finish derives the terminal state, persists it, and broadcasts the done
// event. done is always the stream's last event.
func (r *Runner) finish(ctx context.Context, t *task.Task, pub eventbus.Publisher, token *eventbus.CancelToken, runErr error) {
	var (
		state   task.State
		status  eventbus.DoneStatus
		errText *string
	)

	switch {
	case runErr == nil:
		state, status = task.StateCompleted, eventbus.DoneCompleted
	case engineerr.Is(runErr, engineerr.Cancelled), token != nil && token.IsCancelled():
		state, status = task.StateCancelled, eventbus.DoneCancelled
	default:
		state, status = task.StateFailed, eventbus.DoneFailed
		msg := runErr.Error()
		errText = &msg
	}

	if err := t.Transition(state, derefOrEmpty(errText)); err == nil {
		if err := r.tasks.Update(ctx, t); err != nil {
			r.logger.Warn("Failed to persist terminal status",
				"task_id", t.ID, "status", state, "error", err)
		}
	}

	if r.metrics != nil {
		r.metrics.TasksCompleted.WithLabelValues(string(t.GetStatus())).Inc()
	}

	payload, err := json.Marshal(eventbus.DonePayload{Status: status, Error: errText})
	if err == nil {
		if _, err := pub.Broadcast(eventbus.KindDone, payload); err != nil {
			r.logger.Warn("Failed to broadcast done event", "task_id", t.ID, "error", err)
		}
	}

}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
