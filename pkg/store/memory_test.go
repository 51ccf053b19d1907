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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/session"
)

func newTestSession(t *testing.T, g *MemoryGateway) *session.Session {
	t.Helper()
	s, err := g.CreateSession(context.Background(), CreateSessionParams{
		TeamID:  "team-1",
		AgentID: "agent-1",
		UserID:  "user-1",
	})
	require.NoError(t, err)
	return s
}

func newTestMission(t *testing.T, g *MemoryGateway, mode ExecutionMode) *Mission {
	t.Helper()
	m, err := g.CreateMission(context.Background(), &Mission{
		TeamID:         "team-1",
		AgentID:        "agent-1",
		CreatorID:      "user-1",
		Goal:           "produce summary of X",
		ExecutionMode:  mode,
		ApprovalPolicy: ApprovalAuto,
	})
	require.NoError(t, err)
	return m
}

func TestTryStartProcessingIsExclusive(t *testing.T) {
	g := NewMemoryGateway()
	s := newTestSession(t, g)
	ctx := context.Background()

	ok, err := g.TryStartProcessing(ctx, s.ID, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Second admission is denied while processing.
	ok, err = g.TryStartProcessing(ctx, s.ID, "user-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, g.ClearProcessing(ctx, s.ID))
	ok, err = g.TryStartProcessing(ctx, s.ID, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTryStartProcessingScopedToUser(t *testing.T) {
	g := NewMemoryGateway()
	s := newTestSession(t, g)

	ok, err := g.TryStartProcessing(context.Background(), s.ID, "someone-else")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTryStartProcessingConcurrentAdmitsExactlyOne(t *testing.T) {
	g := NewMemoryGateway()
	s := newTestSession(t, g)

	const racers = 16
	var wg sync.WaitGroup
	admitted := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.TryStartProcessing(context.Background(), s.ID, "user-1")
			require.NoError(t, err)
			admitted <- ok
		}()
	}
	wg.Wait()
	close(admitted)

	wins := 0
	for ok := range admitted {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestAppendMessagesPreservesOrder(t *testing.T) {
	g := NewMemoryGateway()
	s := newTestSession(t, g)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, g.AppendMessages(ctx, s.ID, []session.Message{{
			Role:    session.RoleUser,
			Content: []session.ContentBlock{{Type: session.BlockText, Text: text}},
		}}))
	}

	msgs, err := g.ListRecentMessages(ctx, s.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].TextContent())
	assert.Equal(t, "three", msgs[2].TextContent())

	recent, err := g.ListRecentMessages(ctx, s.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].TextContent())
}

func TestMissionStatusNoBackwardTransitionFromTerminal(t *testing.T) {
	g := NewMemoryGateway()
	m := newTestMission(t, g, ModeSequential)
	ctx := context.Background()

	require.NoError(t, g.UpdateMissionStatus(ctx, m.ID, MissionPlanning))
	require.NoError(t, g.UpdateMissionStatus(ctx, m.ID, MissionPlanned))
	require.NoError(t, g.UpdateMissionStatus(ctx, m.ID, MissionRunning))
	require.NoError(t, g.UpdateMissionStatus(ctx, m.ID, MissionCompleted))

	err := g.UpdateMissionStatus(ctx, m.ID, MissionRunning)
	require.True(t, engineerr.Is(err, engineerr.Conflict))
}

func TestSessionBindingIsImmutable(t *testing.T) {
	g := NewMemoryGateway()
	m := newTestMission(t, g, ModeSequential)
	ctx := context.Background()

	require.NoError(t, g.SetMissionSession(ctx, m.ID, "sess-1"))
	require.NoError(t, g.SetMissionSession(ctx, m.ID, "sess-1")) // idempotent

	err := g.SetMissionSession(ctx, m.ID, "sess-2")
	require.True(t, engineerr.Is(err, engineerr.Conflict))
}

func TestPivotAndAbandonIncrementTotalPivotsByOne(t *testing.T) {
	g := NewMemoryGateway()
	m := newTestMission(t, g, ModeAdaptive)
	ctx := context.Background()

	goals := []*GoalNode{
		{GoalID: "g-1", Title: "a", Status: GoalPending, ExplorationBudget: 3},
		{GoalID: "g-2", Title: "b", Status: GoalPending, ExplorationBudget: 3},
	}
	require.NoError(t, g.SaveGoalTree(ctx, m.ID, goals))

	require.NoError(t, g.PivotGoalAtomic(ctx, m.ID, "g-1", "try harder"))
	got, err := g.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalPivots)
	assert.Equal(t, GoalPivoting, got.GoalByID("g-1").Status)
	assert.Equal(t, "try harder", got.GoalByID("g-1").PivotReason)

	require.NoError(t, g.AbandonGoalAtomic(ctx, m.ID, "g-2", "hopeless"))
	got, err = g.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalPivots)
	assert.Equal(t, GoalAbandoned, got.GoalByID("g-2").Status)
}

func TestGoalAttemptSignalRoundTrip(t *testing.T) {
	g := NewMemoryGateway()
	m := newTestMission(t, g, ModeAdaptive)
	ctx := context.Background()

	require.NoError(t, g.SaveGoalTree(ctx, m.ID, []*GoalNode{
		{GoalID: "g-1", Status: GoalPending, ExplorationBudget: 3},
	}))
	require.NoError(t, g.PushGoalAttempt(ctx, m.ID, "g-1", AttemptRecord{
		AttemptNumber: 1, Approach: InitialApproach, Signal: SignalAdvancing,
	}))
	require.NoError(t, g.UpdateLastAttemptSignal(ctx, m.ID, "g-1", SignalBlocked, "dead end"))

	got, err := g.GetMission(ctx, m.ID)
	require.NoError(t, err)
	last := got.GoalByID("g-1").LastAttempt()
	require.NotNil(t, last)
	assert.Equal(t, SignalBlocked, last.Signal)
	assert.Equal(t, "dead end", last.Learnings)
}

func TestReplanPreservesCompletedSteps(t *testing.T) {
	g := NewMemoryGateway()
	m := newTestMission(t, g, ModeSequential)
	ctx := context.Background()

	require.NoError(t, g.SaveMissionPlan(ctx, m.ID, []MissionStep{
		{Index: 0, Title: "done step", Status: StepCompleted},
		{Index: 1, Title: "old step", Status: StepPending},
	}))

	// Replacing the tail keeps the completed prefix.
	require.NoError(t, g.ReplanRemainingSteps(ctx, m.ID, []MissionStep{
		{Index: 0, Title: "done step", Status: StepCompleted},
		{Index: 1, Title: "new step", Status: StepPending},
		{Index: 2, Title: "extra step", Status: StepPending},
	}))

	// Rewriting a completed step is rejected.
	err := g.ReplanRemainingSteps(ctx, m.ID, []MissionStep{
		{Index: 0, Title: "rewritten", Status: StepPending},
	})
	require.True(t, engineerr.Is(err, engineerr.Conflict))

	got, err := g.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, "done step", got.Steps[0].Title)
	assert.Equal(t, "new step", got.Steps[1].Title)
}

func TestDepthFromGoalID(t *testing.T) {
	cases := map[string]int{
		"g-1":     0,
		"g-2":     0,
		"g-1-2":   1,
		"g-1-2-3": 2,
		"g":       0,
	}
	for goalID, want := range cases {
		assert.Equal(t, want, DepthFromGoalID(goalID), "goal id %s", goalID)
	}
}

func TestGoalTreeRoundTrip(t *testing.T) {
	g := NewMemoryGateway()
	m := newTestMission(t, g, ModeAdaptive)
	ctx := context.Background()

	in := []*GoalNode{
		{GoalID: "g-1", Title: "root", Status: GoalPending, Depth: 0, Order: 1},
		{GoalID: "g-1-1", ParentID: "g-1", Title: "leaf a", Status: GoalPending, Depth: 1, Order: 1},
		{GoalID: "g-1-2", ParentID: "g-1", Title: "leaf b", Status: GoalPending, Depth: 1, Order: 2},
	}
	require.NoError(t, g.SaveGoalTree(ctx, m.ID, in))

	got, err := g.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.Goals, len(in))
	for i, want := range in {
		assert.Equal(t, want.GoalID, got.Goals[i].GoalID)
		assert.Equal(t, want.ParentID, got.Goals[i].ParentID)
		assert.Equal(t, want.Depth, got.Goals[i].Depth)
		assert.Equal(t, want.Order, got.Goals[i].Order)
	}

	// Descendant scan sees g-1 blocked until both leaves terminate.
	assert.True(t, got.HasDescendantInProgress("g-1"))
	require.NoError(t, g.UpdateGoalStatus(ctx, m.ID, "g-1-1", GoalCompleted))
	require.NoError(t, g.UpdateGoalStatus(ctx, m.ID, "g-1-2", GoalAbandoned))
	got, err = g.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.HasDescendantInProgress("g-1"))
}

func TestGetMissionReturnsCopies(t *testing.T) {
	g := NewMemoryGateway()
	m := newTestMission(t, g, ModeSequential)
	ctx := context.Background()

	require.NoError(t, g.SaveMissionPlan(ctx, m.ID, []MissionStep{{Index: 0, Title: "a", Status: StepPending}}))

	first, err := g.GetMission(ctx, m.ID)
	require.NoError(t, err)
	first.Steps[0].Title = "mutated"

	second, err := g.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", second.Steps[0].Title)
}
