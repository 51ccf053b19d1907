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

package toolconnector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/llmprovider"
	"github.com/teamforge/missionengine/pkg/tool"
)

type stubTool struct {
	name  string
	delay time.Duration
	reply map[string]any
}

func (s *stubTool) Name() string           { return s.name }
func (s *stubTool) Description() string    { return "stub" }
func (s *stubTool) IsLongRunning() bool    { return false }
func (s *stubTool) RequiresApproval() bool { return false }
func (s *stubTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) Call(ctx tool.Context, _ map[string]any) (map[string]any, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.reply != nil {
		return s.reply, nil
	}
	return map[string]any{"result": "ok"}, nil
}

func connectStub(t *testing.T, tools ...tool.Tool) *Connector {
	t.Helper()
	c, err := Connect(context.Background(), []ExtensionConfig{{
		Name:    "stub",
		Builtin: tool.NewStaticToolset("stub", tools...),
	}}, "")
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestPrefixedNameSanitization(t *testing.T) {
	assert.Equal(t, "ext__tool", PrefixedName("ext", "tool"))
	// Existing "__" in either component collapses to "_" so the split
	// point stays unique.
	assert.Equal(t, "my_ext__list_files", PrefixedName("my__ext", "list__files"))
	assert.Equal(t, "a_b__c_d", PrefixedName("a____b", "c__d"))

	ext, name, ok := SplitPrefixedName("my_ext__list_files")
	require.True(t, ok)
	assert.Equal(t, "my_ext", ext)
	assert.Equal(t, "list_files", name)

	_, _, ok = SplitPrefixedName("no_separator")
	assert.False(t, ok)
	_, _, ok = SplitPrefixedName("__leading")
	assert.False(t, ok)
}

func TestToolsCatalogOrderAndPrefix(t *testing.T) {
	c := connectStub(t, &stubTool{name: "alpha"}, &stubTool{name: "beta"})

	defs := c.Tools()
	require.Len(t, defs, 2)
	assert.Equal(t, "stub__alpha", defs[0].Name)
	assert.Equal(t, "stub__beta", defs[1].Name)
}

func TestCallToolRoutesToOwner(t *testing.T) {
	c := connectStub(t, &stubTool{name: "alpha", reply: map[string]any{"result": "from alpha"}})

	blocks, _, err := c.CallTool(context.Background(), "stub__alpha", nil, nil, tool.Identity{})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "from alpha", blocks[0].Result)
}

func TestCallToolUnknownNames(t *testing.T) {
	c := connectStub(t, &stubTool{name: "alpha"})

	_, _, err := c.CallTool(context.Background(), "stub__missing", nil, nil, tool.Identity{})
	require.True(t, engineerr.Is(err, engineerr.Tool))

	_, _, err = c.CallTool(context.Background(), "ghost__alpha", nil, nil, tool.Identity{})
	require.True(t, engineerr.Is(err, engineerr.Tool))

	_, _, err = c.CallTool(context.Background(), "malformed", nil, nil, tool.Identity{})
	require.True(t, engineerr.Is(err, engineerr.Tool))
}

func TestCallToolTimeoutIsTransient(t *testing.T) {
	c, err := Connect(context.Background(), []ExtensionConfig{{
		Name:    "stub",
		Builtin: tool.NewStaticToolset("stub", &stubTool{name: "slow", delay: 5 * time.Second}),
	}}, "", WithCallTimeout(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	start := time.Now()
	_, _, err = c.CallTool(context.Background(), "stub__slow", nil, nil, tool.Identity{})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.Tool))
	assert.True(t, engineerr.Retryable(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallToolCancelTokenReturnsCancelled(t *testing.T) {
	c := connectStub(t, &stubTool{name: "slow", delay: 5 * time.Second})

	bus := eventbus.New(0)
	token, _, err := bus.Register("exec-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		token.Fire()
	}()

	start := time.Now()
	_, _, err = c.CallTool(context.Background(), "stub__slow", nil, token, tool.Identity{})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.Cancelled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAddRemoveExtension(t *testing.T) {
	c := connectStub(t, &stubTool{name: "alpha"})

	added, err := c.AddExtension(context.Background(), ExtensionConfig{
		Name:    "extra",
		Builtin: tool.NewStaticToolset("extra", &stubTool{name: "gamma"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"extra__gamma"}, added)
	assert.Len(t, c.Tools(), 2)

	// Duplicate names are rejected.
	_, err = c.AddExtension(context.Background(), ExtensionConfig{
		Name:    "extra",
		Builtin: tool.NewStaticToolset("extra", &stubTool{name: "delta"}),
	})
	require.True(t, engineerr.Is(err, engineerr.Conflict))

	removed, err := c.RemoveExtension("extra")
	require.NoError(t, err)
	assert.Equal(t, []string{"extra__gamma"}, removed)
	assert.Len(t, c.Tools(), 1)

	// Removing an absent extension is a no-op.
	removed, err = c.RemoveExtension("extra")
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestSamplingRejectedWithoutHandler(t *testing.T) {
	c := connectStub(t, &stubTool{name: "alpha"})

	_, err := c.HandleSampling(context.Background(), nil)
	require.True(t, engineerr.Is(err, engineerr.Tool))
}

func TestSamplingRejectedDuringShutdown(t *testing.T) {
	c, err := Connect(context.Background(), []ExtensionConfig{{
		Name:    "stub",
		Builtin: tool.NewStaticToolset("stub", &stubTool{name: "alpha"}),
	}}, "", WithSamplingHandler(func(context.Context, *llmprovider.Request) (*llmprovider.Response, error) {
		return nil, nil
	}))
	require.NoError(t, err)

	c.Shutdown()
	_, err = c.HandleSampling(context.Background(), nil)
	require.True(t, engineerr.Is(err, engineerr.Tool))
}
