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

package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/llmprovider"
	"github.com/teamforge/missionengine/pkg/mission"
	"github.com/teamforge/missionengine/pkg/store"
	"github.com/teamforge/missionengine/pkg/task"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	cfg := &config.EngineConfig{
		Agents: map[string]*config.AgentConfig{
			"assistant": {Name: "assistant", AutoApproveChat: true},
		},
	}
	cfg.SetDefaults()
	cfg.Engine.WorkspaceRoot = t.TempDir()

	eng := New(Params{
		Config:   cfg,
		Store:    store.NewMemoryGateway(),
		Provider: llmprovider.Echo{},
	})
	t.Cleanup(eng.Close)
	return eng
}

func waitDone(t *testing.T, eng *Engine, execID string) []*eventbus.Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		replay, live, err := eng.Subscribe(execID, nil)
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
				t.Fatalf("timed out waiting for done on %s", execID)
			}
		}
	}
}

// End-to-end through the facade: submit an auto-approved task against the
// echo provider, observe the stream, and read back terminal state.
func TestEngineTaskRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	submitted, err := eng.SubmitTask(ctx, "team-1", "assistant", "user-1", "hello engine")
	require.NoError(t, err)

	events := waitDone(t, eng, submitted.ID)

	var sawText bool
	for _, ev := range events {
		if ev.Kind == eventbus.KindText {
			var p eventbus.TextPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			assert.Contains(t, p.Content, "hello engine")
			sawText = true
		}
	}
	assert.True(t, sawText)

	var done eventbus.DonePayload
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &done))
	assert.Equal(t, eventbus.DoneCompleted, done.Status)

	got, err := eng.GetTask(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.GetStatus())
}

func TestEngineMissionLifecycleGuards(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	m, err := eng.CreateMission(ctx, mission.CreateParams{
		TeamID:    "team-1",
		AgentName: "assistant",
		CreatorID: "user-1",
		Goal:      "do a thing",
		Mode:      store.ModeSequential,
	})
	require.NoError(t, err)
	assert.Equal(t, store.MissionDraft, m.Status)
	assert.NotEmpty(t, m.WorkspacePath)

	// Pausing a draft mission is a conflict; cancelling it persists
	// cancelled without an execution.
	require.Error(t, eng.PauseMission(ctx, m.ID))
	require.NoError(t, eng.CancelMission(ctx, m.ID))

	got, err := eng.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MissionCancelled, got.Status)

	// Cancel on a terminal mission is a no-op; start is refused.
	require.NoError(t, eng.CancelMission(ctx, m.ID))
	require.Error(t, eng.StartMission(ctx, m.ID))
}
