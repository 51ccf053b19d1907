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

package taskrunner

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
	"github.com/teamforge/missionengine/pkg/task"
	"github.com/teamforge/missionengine/pkg/tool"
	"github.com/teamforge/missionengine/pkg/toolconnector"
)

// sleepTool blocks for a long time unless its context is cancelled - the
// "tool sleeping 60s" from the cancellation scenario.
type sleepTool struct{}

func (sleepTool) Name() string           { return "sleep" }
func (sleepTool) Description() string    { return "Sleeps." }
func (sleepTool) IsLongRunning() bool    { return false }
func (sleepTool) RequiresApproval() bool { return false }
func (sleepTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (sleepTool) Call(ctx tool.Context, _ map[string]any) (map[string]any, error) {
	select {
	case <-time.After(60 * time.Second):
		return map[string]any{"result": "slept"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type runnerFixture struct {
	gw     *store.MemoryGateway
	bus    *eventbus.Bus
	runner *Runner
}

func newRunnerFixture(t *testing.T, autoApprove bool, turns ...llmprovider.Turn) *runnerFixture {
	t.Helper()

	gw := store.NewMemoryGateway()
	bus := eventbus.New(0)

	connector, err := toolconnector.Connect(context.Background(), []toolconnector.ExtensionConfig{{
		Name:    "platform",
		Builtin: tool.NewStaticToolset("platform", sleepTool{}),
	}}, "")
	require.NoError(t, err)
	t.Cleanup(connector.Shutdown)

	br := bridge.New(gw, llmprovider.NewScripted(turns...), connector)
	agents := map[string]*config.AgentConfig{
		"assistant": {Name: "assistant", AutoApproveChat: autoApprove},
	}
	runner := New(task.NewInMemoryService(), gw, bus, br, agents)
	t.Cleanup(runner.Close)

	return &runnerFixture{gw: gw, bus: bus, runner: runner}
}

// collectUntilDone gathers the execution's events through the done event.
func collectUntilDone(t *testing.T, bus *eventbus.Bus, execID string) []*eventbus.Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		replay, live, err := bus.SubscribeWithHistory(execID, nil)
		require.NoError(t, err)

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

func doneStatus(t *testing.T, ev *eventbus.Event) eventbus.DoneStatus {
	t.Helper()
	require.Equal(t, eventbus.KindDone, ev.Kind)
	var p eventbus.DonePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p.Status
}

func TestTaskHappyPath(t *testing.T) {
	f := newRunnerFixture(t, false, llmprovider.Turn{Text: "the answer"})
	ctx := context.Background()

	submitted, err := f.runner.Submit(ctx, SubmitParams{
		TeamID: "team-1", AgentName: "assistant", UserID: "user-1", Message: "question",
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, submitted.GetStatus())

	_, err = f.runner.Approve(ctx, submitted.ID)
	require.NoError(t, err)

	events := collectUntilDone(t, f.bus, submitted.ID)
	assert.Equal(t, eventbus.DoneCompleted, doneStatus(t, events[len(events)-1]))

	f.runner.Close()
	got, err := f.runner.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.GetStatus())

	// is_processing released.
	sess, err := f.gw.GetSession(ctx, got.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.IsProcessing)
}

func TestAutoApproveSubmitsAndRuns(t *testing.T) {
	f := newRunnerFixture(t, true, llmprovider.Turn{Text: "auto"})
	ctx := context.Background()

	submitted, err := f.runner.Submit(ctx, SubmitParams{
		TeamID: "team-1", AgentName: "assistant", UserID: "user-1", Message: "go",
	})
	require.NoError(t, err)

	events := collectUntilDone(t, f.bus, submitted.ID)
	assert.Equal(t, eventbus.DoneCompleted, doneStatus(t, events[len(events)-1]))
}

func TestApproveIsIdempotent(t *testing.T) {
	f := newRunnerFixture(t, false, llmprovider.Turn{Text: "once"})
	ctx := context.Background()

	submitted, err := f.runner.Submit(ctx, SubmitParams{
		TeamID: "team-1", AgentName: "assistant", UserID: "user-1", Message: "question",
	})
	require.NoError(t, err)

	_, err = f.runner.Approve(ctx, submitted.ID)
	require.NoError(t, err)

	// A second approve must not respawn execution.
	_, err = f.runner.Approve(ctx, submitted.ID)
	require.NoError(t, err)

	collectUntilDone(t, f.bus, submitted.ID)
	f.runner.Close()

	// Exactly one bridge invocation: one user + one assistant message.
	got, err := f.runner.Get(ctx, submitted.ID)
	require.NoError(t, err)
	sess, err := f.gw.GetSession(ctx, got.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)
}

func TestRejectPendingTask(t *testing.T) {
	f := newRunnerFixture(t, false)
	ctx := context.Background()

	submitted, err := f.runner.Submit(ctx, SubmitParams{
		TeamID: "team-1", AgentName: "assistant", UserID: "user-1", Message: "question",
	})
	require.NoError(t, err)

	rejected, err := f.runner.Reject(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateRejected, rejected.GetStatus())

	_, err = f.runner.Approve(ctx, submitted.ID)
	require.Error(t, err)
}

// TestCancelMidToolCall is the cancellation scenario: a task whose prompt
// induces a long-sleeping tool call is cancelled shortly after it starts.
// The bridge returns Cancelled, the stream ends with done{cancelled}, the
// persisted status is cancelled, and is_processing is cleared.
func TestCancelMidToolCall(t *testing.T) {
	f := newRunnerFixture(t, false,
		llmprovider.Turn{
			ToolCalls: []tool.ToolCall{{
				ID:   "call-1",
				Name: "platform__sleep",
				Args: map[string]any{},
			}},
		},
		llmprovider.Turn{Text: "never reached"},
	)
	ctx := context.Background()

	submitted, err := f.runner.Submit(ctx, SubmitParams{
		TeamID: "team-1", AgentName: "assistant", UserID: "user-1", Message: "sleep please",
	})
	require.NoError(t, err)
	_, err = f.runner.Approve(ctx, submitted.ID)
	require.NoError(t, err)

	// Give the execution time to enter the tool call, then cancel.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.runner.Cancel(ctx, submitted.ID))

	events := collectUntilDone(t, f.bus, submitted.ID)
	assert.Equal(t, eventbus.DoneCancelled, doneStatus(t, events[len(events)-1]))

	f.runner.Close()
	got, err := f.runner.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, got.GetStatus())

	sess, err := f.gw.GetSession(ctx, got.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.IsProcessing)
}

// Cancelling a terminal task is a no-op.
func TestCancelTerminalTaskIsNoOp(t *testing.T) {
	f := newRunnerFixture(t, false, llmprovider.Turn{Text: "done"})
	ctx := context.Background()

	submitted, err := f.runner.Submit(ctx, SubmitParams{
		TeamID: "team-1", AgentName: "assistant", UserID: "user-1", Message: "q",
	})
	require.NoError(t, err)
	_, err = f.runner.Approve(ctx, submitted.ID)
	require.NoError(t, err)
	collectUntilDone(t, f.bus, submitted.ID)
	f.runner.Close()

	require.NoError(t, f.runner.Cancel(ctx, submitted.ID))
	got, err := f.runner.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.GetStatus())
}

func TestSecondTaskOnBusySessionIsDenied(t *testing.T) {
	f := newRunnerFixture(t, false,
		llmprovider.Turn{
			ToolCalls: []tool.ToolCall{{ID: "c1", Name: "platform__sleep", Args: map[string]any{}}},
		},
	)
	ctx := context.Background()

	first, err := f.runner.Submit(ctx, SubmitParams{
		TeamID: "team-1", AgentName: "assistant", UserID: "user-1", Message: "sleep",
	})
	require.NoError(t, err)
	_, err = f.runner.Approve(ctx, first.ID)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	// Same session, second task: the durable CAS denies admission and the
	// execution fails fast.
	second, err := f.runner.Submit(ctx, SubmitParams{
		TeamID: "team-1", AgentName: "assistant", UserID: "user-1",
		SessionID: first.SessionID, Message: "another",
	})
	require.NoError(t, err)
	_, err = f.runner.Approve(ctx, second.ID)
	require.NoError(t, err)

	events := collectUntilDone(t, f.bus, second.ID)
	assert.Equal(t, eventbus.DoneFailed, doneStatus(t, events[len(events)-1]))

	require.NoError(t, f.runner.Cancel(ctx, first.ID))
	collectUntilDone(t, f.bus, first.ID)
	f.runner.Close()
}
