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

// Package toolconnector presents a uniform tool surface aggregated across
// N configured extensions - external MCP servers over stdio or HTTP plus
// in-process platform builtins - and routes calls to the owning extension.
//
// Tools are exposed to the LLM as {extension_name}__{tool_name}; any "__"
// inside either component is sanitized to "_" first so the split point
// stays unique. Calls are cancellable three ways: per-call timeout
// (MCP_TOOL_TIMEOUT_SECS, default 300), the execution's cooperative
// cancel-token, and the caller's context. On timeout or cancel the owning
// MCP extension receives a cancel notification.
package toolconnector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teamforge/missionengine/pkg/config"
	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/eventbus"
	"github.com/teamforge/missionengine/pkg/llmprovider"
	"github.com/teamforge/missionengine/pkg/session"
	"github.com/teamforge/missionengine/pkg/tool"
	"github.com/teamforge/missionengine/pkg/tool/mcptoolset"
)

const (
	// NameSeparator joins extension and tool names in the catalog.
	NameSeparator = "__"

	// DefaultConnectTimeout bounds one extension's spawn + handshake +
	// list_tools during Connect.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultCallTimeout bounds one tool call; MCP_TOOL_TIMEOUT_SECS
	// overrides.
	DefaultCallTimeout = 300 * time.Second
)

// SamplingHandler services an extension's re-entrant "sampling" request
// (MCP create_message) by back-ending to the active LLM provider.
type SamplingHandler func(ctx context.Context, req *llmprovider.Request) (*llmprovider.Response, error)

// ExtensionConfig declares one extension for Connect/AddExtension. Exactly
// one of MCP or Builtin is set: MCP extensions spawn or dial an external
// server; Builtin wires an in-process toolset (file tools, todo tools).
type ExtensionConfig struct {
	Name    string
	MCP     *config.ToolConfig
	Builtin tool.Toolset
}

// extension is one connected tool source.
type extension struct {
	name    string
	toolset tool.Toolset
	mcp     *mcptoolset.Toolset // nil for builtins
	tools   []tool.Tool
}

// Connector aggregates connected extensions behind one catalog.
type Connector struct {
	mu            sync.RWMutex
	extensions    []*extension // catalog order = configuration order
	sampling      SamplingHandler
	workspacePath string
	callTimeout   time.Duration
	shuttingDown  bool
}

// Option configures a Connector.
type Option func(*Connector)

// WithSamplingHandler back-ends extensions' sampling requests to the
// active provider. Without it, sampling requests are rejected.
func WithSamplingHandler(h SamplingHandler) Option {
	return func(c *Connector) { c.sampling = h }
}

// WithCallTimeout overrides the per-call timeout (normally sourced from
// MCP_TOOL_TIMEOUT_SECS).
func WithCallTimeout(d time.Duration) Option {
	return func(c *Connector) { c.callTimeout = d }
}

// callTimeoutFromEnv reads MCP_TOOL_TIMEOUT_SECS, falling back to the
// default on absence or garbage.
func callTimeoutFromEnv() time.Duration {
	if v := os.Getenv("MCP_TOOL_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		slog.Warn("Ignoring invalid MCP_TOOL_TIMEOUT_SECS", "value", v)
	}
	return DefaultCallTimeout
}

// Connect establishes every enabled extension in parallel, with a 30s
// timeout each. Extensions that fail to connect are logged and skipped;
// the connector returns with the remaining ones. workspacePath becomes the
// working directory for stdio subprocesses.
func Connect(ctx context.Context, extensions []ExtensionConfig, workspacePath string, opts ...Option) (*Connector, error) {
	c := &Connector{
		workspacePath: workspacePath,
		callTimeout:   callTimeoutFromEnv(),
	}
	for _, opt := range opts {
		opt(c)
	}

	slots := make([]*extension, len(extensions))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range extensions {
		g.Go(func() error {
			ext, err := c.connectOne(gctx, cfg)
			if err != nil {
				// Skip, don't fail the whole connect.
				slog.Warn("Extension failed to connect; skipping",
					"extension", cfg.Name, "error", err)
				return nil
			}
			slots[i] = ext
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ext := range slots {
		if ext != nil {
			c.extensions = append(c.extensions, ext)
		}
	}

	slog.Info("Tool connector ready",
		"extensions", len(c.extensions),
		"tools", len(c.Tools()))
	return c, nil
}

func (c *Connector) connectOne(ctx context.Context, cfg ExtensionConfig) (*extension, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("extension name is required")
	}

	if cfg.Builtin != nil {
		tools, err := cfg.Builtin.Tools(tool.NewContext(ctx, tool.Identity{WorkspacePath: c.workspacePath}, ""))
		if err != nil {
			return nil, err
		}
		return &extension{name: cfg.Name, toolset: cfg.Builtin, tools: tools}, nil
	}

	if cfg.MCP == nil {
		return nil, fmt.Errorf("extension %s has neither mcp config nor builtin toolset", cfg.Name)
	}
	if !cfg.MCP.IsEnabled() {
		return nil, fmt.Errorf("extension %s is disabled", cfg.Name)
	}

	ts, err := mcptoolset.New(mcptoolset.Config{
		Name:      cfg.Name,
		URL:       cfg.MCP.URL,
		Transport: cfg.MCP.Transport,
		Command:   cfg.MCP.Command,
		Args:      cfg.MCP.Args,
		Env:       cfg.MCP.Env,
		Filter:    cfg.MCP.Filter,
		Dir:       c.workspacePath,
	})
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	tools, err := ts.Tools(tool.NewContext(connectCtx, tool.Identity{WorkspacePath: c.workspacePath}, ""))
	if err != nil {
		return nil, err
	}
	return &extension{name: cfg.Name, toolset: ts, mcp: ts, tools: tools}, nil
}

// sanitizeComponent collapses "__" runs inside a name component to "_" so
// the prefixed form splits unambiguously.
func sanitizeComponent(s string) string {
	for strings.Contains(s, NameSeparator) {
		s = strings.ReplaceAll(s, NameSeparator, "_")
	}
	return s
}

// PrefixedName renders the catalog name for one extension's tool.
func PrefixedName(extensionName, toolName string) string {
	return sanitizeComponent(extensionName) + NameSeparator + sanitizeComponent(toolName)
}

// SplitPrefixedName recovers (extension, tool) from a catalog name.
func SplitPrefixedName(prefixed string) (extensionName, toolName string, ok bool) {
	idx := strings.Index(prefixed, NameSeparator)
	if idx <= 0 || idx+len(NameSeparator) >= len(prefixed) {
		return "", "", false
	}
	return prefixed[:idx], prefixed[idx+len(NameSeparator):], true
}

// Tools enumerates the aggregate catalog in configuration order, with
// prefixed names.
func (c *Connector) Tools() []tool.Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var defs []tool.Definition
	for _, ext := range c.extensions {
		for _, t := range ext.tools {
			def := tool.ToDefinition(t)
			def.Name = PrefixedName(ext.name, t.Name())
			defs = append(defs, def)
		}
	}
	return defs
}

// Lookup resolves a prefixed name to the owning extension and tool.
func (c *Connector) lookup(prefixed string) (*extension, tool.Tool, error) {
	extName, toolName, ok := SplitPrefixedName(prefixed)
	if !ok {
		return nil, nil, engineerr.New(engineerr.Tool, fmt.Sprintf("malformed tool name %q", prefixed))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ext := range c.extensions {
		if sanitizeComponent(ext.name) != extName {
			continue
		}
		for _, t := range ext.tools {
			if sanitizeComponent(t.Name()) == toolName {
				return ext, t, nil
			}
		}
		return nil, nil, engineerr.New(engineerr.Tool,
			fmt.Sprintf("extension %s has no tool %s", extName, toolName))
	}
	return nil, nil, engineerr.New(engineerr.Tool, fmt.Sprintf("no extension %s", extName))
}

// RequiresApproval reports whether the named tool is confirmation-gated.
func (c *Connector) RequiresApproval(prefixed string) bool {
	_, t, err := c.lookup(prefixed)
	return err == nil && t.RequiresApproval()
}

// CallTool routes one tool invocation to the owning extension. It awaits
// three sources: the tool's response, the per-call timeout, and the
// execution's cancel-token. On timeout or cancel the owning MCP extension
// receives a cancel notification and the corresponding typed error is
// returned (Tool/transient for timeout, Cancelled for cancel).
//
// Results pass through structurally: text, image, and resource blocks are
// preserved for the bridge to re-ingest. The engine never truncates a
// result that exceeds provider limits; that is the caller's concern.
func (c *Connector) CallTool(ctx context.Context, prefixed string, args map[string]any, ct *eventbus.CancelToken, id tool.Identity) ([]session.ContentBlock, tool.Actions, error) {
	var noActions tool.Actions

	ext, rawTool, err := c.lookup(prefixed)
	if err != nil {
		return nil, noActions, err
	}

	callable, ok := rawTool.(tool.CallableTool)
	if !ok {
		return nil, noActions, engineerr.New(engineerr.Tool, fmt.Sprintf("tool %s is not callable", prefixed))
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	toolCtx := tool.NewContext(callCtx, id, "")

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, callErr := callable.Call(toolCtx, args)
		done <- outcome{result, callErr}
	}()

	var cancelled <-chan struct{}
	if ct != nil {
		cancelled = ct.Cancelled()
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, noActions, engineerr.Wrap(engineerr.Tool, fmt.Sprintf("tool %s failed", prefixed), out.err)
		}
		return resultBlocks(out.result), *toolCtx.Actions(), nil

	case <-timer.C:
		cancel()
		c.notifyCancelled(ext, fmt.Sprintf("tool call %s timed out after %s", prefixed, c.callTimeout))
		return nil, noActions, engineerr.WrapTransient(engineerr.Tool,
			fmt.Sprintf("tool %s timed out after %s", prefixed, c.callTimeout), context.DeadlineExceeded)

	case <-cancelled:
		cancel()
		c.notifyCancelled(ext, fmt.Sprintf("tool call %s cancelled by user", prefixed))
		return nil, noActions, engineerr.New(engineerr.Cancelled, fmt.Sprintf("tool %s cancelled", prefixed))

	case <-ctx.Done():
		cancel()
		c.notifyCancelled(ext, fmt.Sprintf("tool call %s context done", prefixed))
		return nil, noActions, engineerr.Wrap(engineerr.Cancelled, fmt.Sprintf("tool %s cancelled", prefixed), ctx.Err())
	}
}

func (c *Connector) notifyCancelled(ext *extension, reason string) {
	if ext.mcp == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ext.mcp.NotifyCancelled(notifyCtx, reason)
}

// resultBlocks converts a tool's map result into structural content
// blocks. Builtin and MCP-wrapped tools both surface a conventional shape:
// "result"/"results" text, "error" text, and optional "content" block
// lists with mime/base64 payloads.
func resultBlocks(result map[string]any) []session.ContentBlock {
	if result == nil {
		return nil
	}

	if msg, ok := result["error"].(string); ok {
		return []session.ContentBlock{{
			Type:    session.BlockToolResult,
			Result:  msg,
			IsError: true,
		}}
	}

	var blocks []session.ContentBlock
	if text, ok := result["result"].(string); ok {
		blocks = append(blocks, session.ContentBlock{Type: session.BlockToolResult, Result: text})
	}
	if texts, ok := result["results"].([]string); ok {
		for _, text := range texts {
			blocks = append(blocks, session.ContentBlock{Type: session.BlockToolResult, Result: text})
		}
	}
	if raw, ok := result["content"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch m["type"] {
			case "image":
				data, _ := m["data"].(string)
				mime, _ := m["mime_type"].(string)
				blocks = append(blocks, session.ContentBlock{
					Type:     session.BlockImage,
					MimeType: mime,
					Data:     []byte(data),
				})
			case "resource":
				uri, _ := m["uri"].(string)
				blocks = append(blocks, session.ContentBlock{Type: session.BlockResource, URI: uri})
			}
		}
	}

	if len(blocks) == 0 {
		// Structured result with none of the conventional keys: hand the
		// whole map through as JSON text rather than dropping it.
		encoded, err := json.Marshal(result)
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", result))
		}
		blocks = append(blocks, session.ContentBlock{
			Type:   session.BlockToolResult,
			Result: string(encoded),
		})
	}
	return blocks
}

// HandleSampling services a re-entrant LLM request from an extension. It
// is rejected with a typed error when no handler is configured or the
// connector is mid-shutdown.
func (c *Connector) HandleSampling(ctx context.Context, req *llmprovider.Request) (*llmprovider.Response, error) {
	c.mu.RLock()
	handler := c.sampling
	shuttingDown := c.shuttingDown
	c.mu.RUnlock()

	if shuttingDown {
		return nil, engineerr.New(engineerr.Tool, "sampling rejected: connector is shutting down")
	}
	if handler == nil {
		return nil, engineerr.New(engineerr.Tool, "sampling rejected: no sampling handler configured")
	}
	return handler(ctx, req)
}

// AddExtension connects one extension at runtime and returns the prefixed
// names it added.
func (c *Connector) AddExtension(ctx context.Context, cfg ExtensionConfig) ([]string, error) {
	c.mu.RLock()
	for _, ext := range c.extensions {
		if ext.name == cfg.Name {
			c.mu.RUnlock()
			return nil, engineerr.New(engineerr.Conflict, fmt.Sprintf("extension %s already connected", cfg.Name))
		}
	}
	c.mu.RUnlock()

	ext, err := c.connectOne(ctx, cfg)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Tool, fmt.Sprintf("connect extension %s", cfg.Name), err)
	}

	c.mu.Lock()
	c.extensions = append(c.extensions, ext)
	c.mu.Unlock()

	names := make([]string, 0, len(ext.tools))
	for _, t := range ext.tools {
		names = append(names, PrefixedName(ext.name, t.Name()))
	}
	return names, nil
}

// RemoveExtension disconnects one extension and returns the prefixed
// names it removed. Removing an absent extension is a no-op.
func (c *Connector) RemoveExtension(name string) ([]string, error) {
	c.mu.Lock()
	var removed *extension
	for i, ext := range c.extensions {
		if ext.name == name {
			removed = ext
			c.extensions = append(c.extensions[:i], c.extensions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if removed == nil {
		return nil, nil
	}

	if removed.mcp != nil {
		if err := removed.mcp.Close(); err != nil {
			slog.Warn("Error closing extension", "extension", name, "error", err)
		}
	}

	names := make([]string, 0, len(removed.tools))
	for _, t := range removed.tools {
		names = append(names, PrefixedName(removed.name, t.Name()))
	}
	return names, nil
}

// Shutdown best-effort closes every connection. Safe to call more than
// once.
func (c *Connector) Shutdown() {
	c.mu.Lock()
	c.shuttingDown = true
	exts := c.extensions
	c.extensions = nil
	c.mu.Unlock()

	for _, ext := range exts {
		if ext.mcp == nil {
			continue
		}
		if err := ext.mcp.Close(); err != nil {
			slog.Warn("Error closing extension", "extension", ext.name, "error", err)
		}
	}
}
