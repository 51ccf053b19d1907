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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamforge/missionengine/pkg/bridge"
	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/llmprovider"
	"github.com/teamforge/missionengine/pkg/store"
)

type missionFixture struct {
	gw       *store.MemoryGateway
	bus      *eventbus.Bus
	provider *llmprovider.Scripted
	exec     *Executor
	tuning   *config.EngineTuning
}

func newMissionFixture(t *testing.T, turns ...llmprovider.Turn) *missionFixture {
	t.Helper()

	gw := store.NewMemoryGateway()
	bus := eventbus.New(0)
	provider := llmprovider.NewScripted(turns...)
	br := bridge.New(gw, provider, nil)

	tuning := &config.EngineTuning{WorkspaceRoot: t.TempDir()}
	tuning.SetDefaults()

	agents := map[string]*config.AgentConfig{
		"assistant": {Name: "assistant"},
	}
	exec := NewExecutor(gw, bus, br, agents, tuning)
	t.Cleanup(exec.Close)

	return &missionFixture{gw: gw, bus: bus, provider: provider, exec: exec, tuning: tuning}
}

func (f *missionFixture) create(t *testing.T, mode store.ExecutionMode, policy store.ApprovalPolicy, budget int) *store.Mission {
	t.Helper()
	m, err := f.exec.Create(context.Background(), CreateParams{
		TeamID:         "team-1",
		AgentName:      "assistant",
		CreatorID:      "user-1",
		Goal:           "Produce summary of X",
		Mode:           mode,
		ApprovalPolicy: policy,
		TokenBudget:    budget,
	})
	require.NoError(t, err)
	require.NotEmpty(t, m.WorkspacePath)
	return m
}

// collectUntilDone gathers the execution's events through done, waiting
// for the execution goroutine when necessary.
func collectUntilDone(t *testing.T, bus *eventbus.Bus, execID string) []*eventbus.Event {
	t.Helper()

	deadline := time.After(10 * time.Second)
	for {
		replay, live, err := bus.SubscribeWithHistory(execID, nil)
		if err != nil {
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for stream %s", execID)
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		events := append([]*eventbus.Event(nil), replay...)
		if len(events) > 0 && events[len(events)-1].Kind == eventbus.KindDone {
			return events
		}

	drain:
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					break drain
				}
				events = append(events, ev)
				if ev.Kind == eventbus.KindDone {
					return events
				}
			case <-deadline:
				t.Fatalf("timed out waiting for done event on %s", execID)
			}
		}
	}
}

// statusPhases extracts the sequence of status-event phases.
func statusPhases(t *testing.T, events []*eventbus.Event) []string {
	t.Helper()
	var phases []string
	for _, ev := range events {
		if ev.Kind != eventbus.KindStatus {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		phases = append(phases, payload["type"].(string))
	}
	return phases
}

func finalDone(t *testing.T, events []*eventbus.Event) eventbus.DonePayload {
	t.Helper()
	last := events[len(events)-1]
	require.Equal(t, eventbus.KindDone, last.Kind)
	var p eventbus.DonePayload
	require.NoError(t, json.Unmarshal(last.Payload, &p))
	return p
}

func assertGaplessEventIDs(t *testing.T, events []*eventbus.Event) {
	t.Helper()
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.ID, "event ids must be gapless from 1")
	}
	doneCount := 0
	for _, ev := range events {
		if ev.Kind == eventbus.KindDone {
			doneCount++
		}
	}
	require.Equal(t, 1, doneCount, "exactly one done event")
	require.Equal(t, eventbus.KindDone, events[len(events)-1].Kind, "done is last")
}

const twoStepPlan = "Here is my plan.\n```json\n[\n  {\"title\": \"Gather sources\", \"description\": \"Collect material on X\", \"is_checkpoint\": false},\n  {\"title\": \"Write summary\", \"description\": \"Summarize the material\", \"is_checkpoint\": false}\n]\n```"

// TestSequentialAutoHappyPath is the two-step happy-path scenario:
// planning, both steps, completion, with the expected status phases in
// order and output summaries stored verbatim.
func TestSequentialAutoHappyPath(t *testing.T) {
	f := newMissionFixture(t,
		llmprovider.Turn{Text: twoStepPlan},
		llmprovider.Turn{Text: "sources gathered"},
		llmprovider.Turn{Text: "final summary of X"},
	)
	m := f.create(t, store.ModeSequential, store.ApprovalAuto, 0)

	require.NoError(t, f.exec.Start(context.Background(), m.ID))
	events := collectUntilDone(t, f.bus, m.ID)
	f.exec.Close()

	assertGaplessEventIDs(t, events)
	assert.Equal(t, []string{
		"mission_planning",
		"step_start", "step_complete",
		"step_start", "step_complete",
	}, statusPhases(t, events))
	assert.Equal(t, eventbus.DoneCompleted, finalDone(t, events).Status)

	got, err := f.exec.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MissionCompleted, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, store.StepCompleted, got.Steps[0].Status)
	assert.Equal(t, store.StepCompleted, got.Steps[1].Status)
	assert.Equal(t, "sources gathered", got.Steps[0].OutputSummary)
	assert.Equal(t, "final summary of X", got.Steps[1].OutputSummary)
	assert.Greater(t, got.TotalTokensUsed, 0)
}

const checkpointPlan = "```json\n[\n  {\"title\": \"Research\", \"description\": \"Research X\", \"is_checkpoint\": false},\n  {\"title\": \"Review findings\", \"description\": \"Checkpoint review\", \"is_checkpoint\": true},\n  {\"title\": \"Publish\", \"description\": \"Publish the result\", \"is_checkpoint\": false}\n]\n```"

// TestSequentialCheckpointPauseAndResume is the checkpoint-approval
// scenario: a 3-step plan whose second step is a checkpoint pauses before
// it; resuming re-enters at that step.
func TestSequentialCheckpointPauseAndResume(t *testing.T) {
	f := newMissionFixture(t,
		llmprovider.Turn{Text: checkpointPlan},
		llmprovider.Turn{Text: "research done"},
		// After resume:
		llmprovider.Turn{Text: "review done"},
		// Re-plan evaluation after the checkpoint step keeps the plan.
		llmprovider.Turn{Text: "keep"},
		llmprovider.Turn{Text: "published"},
	)
	m := f.create(t, store.ModeSequential, store.ApprovalCheckpoint, 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx, m.ID))
	run1 := collectUntilDone(t, f.bus, m.ID)

	phases := statusPhases(t, run1)
	assert.Equal(t, []string{
		"mission_planning",
		"step_start", "step_complete",
		"mission_paused",
	}, phases)
	assert.Equal(t, eventbus.DonePaused, finalDone(t, run1).Status)

	paused, err := f.exec.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MissionPaused, paused.Status)
	assert.Equal(t, store.StepAwaitingApproval, paused.Steps[1].Status)

	// mission_paused names the checkpoint step.
	var pausePayload map[string]any
	for _, ev := range run1 {
		if ev.Kind != eventbus.KindStatus {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		if payload["type"] == "mission_paused" {
			pausePayload = payload
		}
	}
	require.NotNil(t, pausePayload)
	assert.Equal(t, float64(1), pausePayload["step_index"])
	assert.Equal(t, "checkpoint", pausePayload["reason"])

	// Resume: further events commence with step_start for the checkpoint
	// step. Close first so the paused run's registration is fully released.
	f.exec.Close()
	require.NoError(t, f.exec.Resume(ctx, m.ID))
	run2 := collectUntilDone(t, f.bus, m.ID)
	f.exec.Close()

	phases2 := statusPhases(t, run2)
	require.NotEmpty(t, phases2)
	assert.Equal(t, "step_start", phases2[0])
	assert.Equal(t, eventbus.DoneCompleted, finalDone(t, run2).Status)

	final, err := f.exec.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MissionCompleted, final.Status)
	for _, step := range final.Steps {
		assert.Equal(t, store.StepCompleted, step.Status)
	}
}

const oneStepPlan = "```json\n[{\"title\": \"Only step\", \"description\": \"Do the thing\", \"is_checkpoint\": false}]\n```"

// TestSequentialRetryWithBackoff is the retry scenario: a transient
// provider failure on the first step attempt retries with backoff and
// succeeds on the second.
func TestSequentialRetryWithBackoff(t *testing.T) {
	f := newMissionFixture(t,
		llmprovider.Turn{Text: oneStepPlan},
		llmprovider.Turn{Err: llmprovider.NewError(503, "upstream overloaded", nil)},
		llmprovider.Turn{Text: "done after retry"},
	)
	m := f.create(t, store.ModeSequential, store.ApprovalAuto, 0)

	start := time.Now()
	require.NoError(t, f.exec.Start(context.Background(), m.ID))
	events := collectUntilDone(t, f.bus, m.ID)
	f.exec.Close()
	elapsed := time.Since(start)

	assert.Equal(t, []string{
		"mission_planning",
		"step_start", "step_retry", "step_complete",
	}, statusPhases(t, events))
	assert.Equal(t, eventbus.DoneCompleted, finalDone(t, events).Status)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second, "backoff sleep of 2^1 seconds")

	got, err := f.exec.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Steps[0].RetryCount)
	assert.Equal(t, "done after retry", got.Steps[0].OutputSummary)
}

// Non-retryable provider failure fails the step and the mission.
func TestSequentialNonRetryableFailsMission(t *testing.T) {
	f := newMissionFixture(t,
		llmprovider.Turn{Text: oneStepPlan},
		llmprovider.Turn{Err: llmprovider.NewError(401, "bad credentials", nil)},
	)
	m := f.create(t, store.ModeSequential, store.ApprovalAuto, 0)

	require.NoError(t, f.exec.Start(context.Background(), m.ID))
	events := collectUntilDone(t, f.bus, m.ID)
	f.exec.Close()

	done := finalDone(t, events)
	assert.Equal(t, eventbus.DoneFailed, done.Status)
	require.NotNil(t, done.Error)

	got, err := f.exec.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MissionFailed, got.Status)
	assert.Equal(t, store.StepFailed, got.Steps[0].Status)
	assert.NotEmpty(t, got.Steps[0].ErrorMessage)
}

// Budget exhaustion before a new step fails the mission; spend equal to
// the budget is allowed, strictly greater is not.
func TestSequentialBudgetExhaustion(t *testing.T) {
	f := newMissionFixture(t,
		llmprovider.Turn{Text: twoStepPlan},
	)
	m := f.create(t, store.ModeSequential, store.ApprovalAuto, 1)

	require.NoError(t, f.exec.Start(context.Background(), m.ID))
	events := collectUntilDone(t, f.bus, m.ID)
	f.exec.Close()

	assert.Equal(t, eventbus.DoneFailed, finalDone(t, events).Status)

	got, err := f.exec.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MissionFailed, got.Status)
	assert.Greater(t, got.TotalTokensUsed, got.TokenBudget)
}

// An unparseable initial plan is catastrophic: planning fails the
// mission.
func TestSequentialPlanParseFailureIsFatal(t *testing.T) {
	f := newMissionFixture(t,
		llmprovider.Turn{Text: "I have no plan, only vibes."},
	)
	m := f.create(t, store.ModeSequential, store.ApprovalAuto, 0)

	require.NoError(t, f.exec.Start(context.Background(), m.ID))
	events := collectUntilDone(t, f.bus, m.ID)
	f.exec.Close()

	assert.Equal(t, eventbus.DoneFailed, finalDone(t, events).Status)
	got, err := f.exec.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MissionFailed, got.Status)
}

const replanPlan = "```json\n[\n  {\"title\": \"Scout\", \"description\": \"Scout the territory\", \"is_checkpoint\": true},\n  {\"title\": \"Old follow-up\", \"description\": \"Original follow-up\", \"is_checkpoint\": false}\n]\n```"

// After a checkpoint step the model may replace the remaining plan; the
// completed prefix is preserved and the mission continues on the new
// tail.
func TestSequentialReplanAfterCheckpoint(t *testing.T) {
	f := newMissionFixture(t,
		llmprovider.Turn{Text: replanPlan},
		llmprovider.Turn{Text: "scouting report"},
		// Re-plan evaluation replaces the remaining step.
		llmprovider.Turn{Text: "```json\n[{\"title\": \"New follow-up\", \"description\": \"Revised follow-up\", \"is_checkpoint\": false}]\n```"},
		llmprovider.Turn{Text: "revised follow-up done"},
	)
	m := f.create(t, store.ModeSequential, store.ApprovalAuto, 0)

	require.NoError(t, f.exec.Start(context.Background(), m.ID))
	events := collectUntilDone(t, f.bus, m.ID)
	f.exec.Close()

	assert.Contains(t, statusPhases(t, events), "mission_replanned")
	assert.Equal(t, eventbus.DoneCompleted, finalDone(t, events).Status)

	got, err := f.exec.Get(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "Scout", got.Steps[0].Title)
	assert.Equal(t, "scouting report", got.Steps[0].OutputSummary)
	assert.Equal(t, "New follow-up", got.Steps[1].Title)
	assert.Equal(t, "revised follow-up done", got.Steps[1].OutputSummary)
	assert.Equal(t, 1, got.ReplanCount)
}

// A "keep" reply after a checkpoint leaves the plan untouched.
func TestSequentialReplanKeep(t *testing.T) {
	f := newMissionFixture(t,
		llmprovider.Turn{Text: replanPlan},
		llmprovider.Turn{Text: "scouting report"},
		llmprovider.Turn{Text: "keep"},
		llmprovider.Turn{Text: "follow-up done"},
	)
	m := f.create(t, store.ModeSequential, store.ApprovalAuto, 0)

	require.NoError(t, f.exec.Start(context.Background(), m.ID))
	events := collectUntilDone(t, f.bus, m.ID)
	f.exec.Close()

	assert.NotContains(t, statusPhases(t, events), "mission_replanned")
	got, err := f.exec.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Old follow-up", got.Steps[1].Title)
	assert.Equal(t, 0, got.ReplanCount)
}

// Cancelling a terminal mission is a no-op.
func TestCancelTerminalMissionIsNoOp(t *testing.T) {
	f := newMissionFixture(t,
		llmprovider.Turn{Text: oneStepPlan},
		llmprovider.Turn{Text: "done"},
	)
	m := f.create(t, store.ModeSequential, store.ApprovalAuto, 0)
	ctx := context.Background()

	require.NoError(t, f.exec.Start(ctx, m.ID))
	collectUntilDone(t, f.bus, m.ID)
	f.exec.Close()

	require.NoError(t, f.exec.Cancel(ctx, m.ID))
	got, err := f.exec.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MissionCompleted, got.Status)
}
