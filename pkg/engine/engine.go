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

// Package engine assembles the Mission & Task Execution Engine behind the
// inbound command interface: task submission/approval/cancellation,
// mission lifecycle, and event-stream subscription. The HTTP layer that
// fronts this interface is an external collaborator; cmd/missionctl
// consumes it directly.
package engine

import (
	"context"
	"log/slog"

	"github.com/teamforge/missionengine/pkg/bridge"
	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/llmprovider"
	"github.com/teamforge/missionengine/pkg/metrics"
	"github.com/teamforge/missionengine/pkg/mission"
	"github.com/teamforge/missionengine/pkg/ratelimit"
	"github.com/teamforge/missionengine/pkg/store"
	"github.com/teamforge/missionengine/pkg/task"
	"github.com/teamforge/missionengine/pkg/taskrunner"
	"github.com/teamforge/missionengine/pkg/toolconnector"
)

// Engine is the assembled core.
type Engine struct {
	cfg       *config.EngineConfig
	store     store.Gateway
	bus       *eventbus.Bus
	connector *toolconnector.Connector
	bridge    *bridge.Bridge
	tasks     *taskrunner.Runner
	missions  *mission.Executor
	metrics   *metrics.Registry
}

// Params carries the collaborators the engine is assembled from. Store
// and Provider are required; Connector may be nil for tool-less
// deployments.
type Params struct {
	Config    *config.EngineConfig
	Store     store.Gateway
	Provider  llmprovider.LLM
	Connector *toolconnector.Connector
	Metrics   *metrics.Registry
}

// New wires the engine. The event buffer size and all engine limits come
// from cfg.Engine.
func New(p Params) *Engine {
	cfg := p.Config
	if cfg == nil {
		cfg = &config.EngineConfig{}
	}
	if cfg.Engine == nil {
		cfg.SetDefaults()
	}

	bus := eventbus.New(cfg.Engine.EventBufferSize)
	br := bridge.New(p.Store, p.Provider, p.Connector)

	var taskOpts []taskrunner.Option
	var missionOpts []mission.Option
	if p.Metrics != nil {
		taskOpts = append(taskOpts, taskrunner.WithMetrics(p.Metrics))
		missionOpts = append(missionOpts, mission.WithMetrics(p.Metrics))
	}
	if cfg.RateLimiting != nil && cfg.RateLimiting.IsEnabled() {
		limiter, err := ratelimit.NewRateLimiterFromConfigWithStore(cfg.RateLimiting, ratelimit.NewMemoryStore())
		if err != nil {
			slog.Warn("Rate limiting disabled: limiter construction failed", "error", err)
		} else if limiter != nil {
			taskOpts = append(taskOpts, taskrunner.WithSubmitGuard(
				ratelimit.NewSubmitGuard(limiter, ratelimit.ScopeUser)))
		}
	}

	return &Engine{
		cfg:       cfg,
		store:     p.Store,
		bus:       bus,
		connector: p.Connector,
		bridge:    br,
		tasks:     taskrunner.New(task.NewInMemoryService(), p.Store, bus, br, cfg.Agents, taskOpts...),
		missions:  mission.NewExecutor(p.Store, bus, br, cfg.Agents, cfg.Engine, missionOpts...),
		metrics:   p.Metrics,
	}
}

// Bus exposes the event bus for transports that frame subscriptions.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// --- Tasks ----------------------------------------------------------------

// SubmitTask creates a task in pending (auto-approving when the agent is
// configured for it) and returns it.
func (e *Engine) SubmitTask(ctx context.Context, teamID, agentName, userID, message string) (*task.Task, error) {
	return e.tasks.Submit(ctx, taskrunner.SubmitParams{
		TeamID:    teamID,
		AgentName: agentName,
		UserID:    userID,
		Message:   message,
	})
}

// ApproveTask approves and spawns a pending task.
func (e *Engine) ApproveTask(ctx context.Context, taskID string) (*task.Task, error) {
	return e.tasks.Approve(ctx, taskID)
}

// RejectTask rejects a pending task.
func (e *Engine) RejectTask(ctx context.Context, taskID string) (*task.Task, error) {
	return e.tasks.Reject(ctx, taskID)
}

// CancelTask cooperatively cancels a task.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	return e.tasks.Cancel(ctx, taskID)
}

// GetTask returns a task by id.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return e.tasks.Get(ctx, taskID)
}

// --- Missions -------------------------------------------------------------

// CreateMission stores a draft mission with a provisioned workspace.
func (e *Engine) CreateMission(ctx context.Context, p mission.CreateParams) (*store.Mission, error) {
	return e.missions.Create(ctx, p)
}

// StartMission begins executing a draft or planned mission.
func (e *Engine) StartMission(ctx context.Context, missionID string) error {
	return e.missions.Start(ctx, missionID)
}

// PauseMission requests a cooperative pause.
func (e *Engine) PauseMission(ctx context.Context, missionID string) error {
	return e.missions.Pause(ctx, missionID)
}

// ResumeMission re-enters a paused or planned mission.
func (e *Engine) ResumeMission(ctx context.Context, missionID string) error {
	return e.missions.Resume(ctx, missionID)
}

// CancelMission cooperatively cancels a mission; a no-op when terminal.
func (e *Engine) CancelMission(ctx context.Context, missionID string) error {
	return e.missions.Cancel(ctx, missionID)
}

// GetMission returns a mission by id.
func (e *Engine) GetMission(ctx context.Context, missionID string) (*store.Mission, error) {
	return e.missions.Get(ctx, missionID)
}

// Subscribe attaches to an execution's event stream, replaying buffered
// history strictly after lastEventID (nil replays everything buffered).
func (e *Engine) Subscribe(execID string, lastEventID *int64) ([]*eventbus.Event, <-chan *eventbus.Event, error) {
	return e.bus.SubscribeWithHistory(execID, lastEventID)
}

// Close drains in-flight executions and shuts down tool connections.
func (e *Engine) Close() {
	e.tasks.Close()
	e.missions.Close()
	if e.connector != nil {
		e.connector.Shutdown()
	}
}
