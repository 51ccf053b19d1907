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

// Package todotool provides the todo_write platform-builtin tool: a
// per-session structured task list an agent maintains while working through
// a multi-step goal.
package todotool

import (
	"fmt"
	"sync"

	"github.com/teamforge/missionengine/pkg/tool"
	"github.com/teamforge/missionengine/pkg/tool/functiontool"
)

// TodoItem represents a single todo item.
type TodoItem struct {
	ID      string `json:"id" jsonschema:"required,description=Unique identifier for the todo"`
	Content string `json:"content" jsonschema:"required,description=Description of the task"`
	Status  string `json:"status" jsonschema:"required,description=Current status of the task,enum=pending|in_progress|completed|canceled"`
}

// TodoWriteArgs defines the parameters for writing todos.
type TodoWriteArgs struct {
	Merge bool       `json:"merge" jsonschema:"required,description=If true merge with existing todos (for updates). If false replace all todos (for new task)."`
	Todos []TodoItem `json:"todos" jsonschema:"required,description=Array of todo items. Must contain at least one item - empty arrays are not allowed. Completed todos remain in the list.,minItems=1"`
}

// TodoManager manages todo state keyed by session id. One manager is shared
// across every session handled by a Tool Connector instance.
type TodoManager struct {
	mu    sync.RWMutex
	todos map[string][]TodoItem
}

// NewTodoManager creates a new TodoManager.
func NewTodoManager() *TodoManager {
	return &TodoManager{
		todos: make(map[string][]TodoItem),
	}
}

// Tool creates the todo_write tool backed by this manager.
func (m *TodoManager) Tool() (tool.CallableTool, error) {
	return functiontool.NewWithValidation(
		functiontool.Config{
			Name:        "todo_write",
			Description: "Create and manage a structured task list for tracking progress. Use for complex multi-step tasks (3+ steps) to demonstrate thoroughness. IMPORTANT: You cannot clear todos - the todos array must always contain at least one item. Completed todos remain in the list.",
		},
		func(ctx tool.Context, args TodoWriteArgs) (map[string]any, error) {
			return m.writeTodos(ctx, args)
		},
		func(args TodoWriteArgs) error {
			if len(args.Todos) == 0 {
				return fmt.Errorf("todos array cannot be empty. You cannot clear todos - completed todos remain in the list. To update todos, include at least one todo item with id, content, and status")
			}
			for i, todo := range args.Todos {
				if todo.ID == "" || todo.Content == "" || todo.Status == "" {
					return fmt.Errorf("todo item %d is missing required fields (id, content, status)", i)
				}
				if !isValidStatus(todo.Status) {
					return fmt.Errorf("todo item %d has invalid status: %s (must be pending, in_progress, completed, or canceled)", i, todo.Status)
				}
			}
			return nil
		},
	)
}

func (m *TodoManager) writeTodos(ctx tool.Context, args TodoWriteArgs) (map[string]any, error) {
	sessionID := ctx.SessionID()
	if sessionID == "" {
		sessionID = "default"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if args.Merge {
		existing := m.todos[sessionID]

		byID := make(map[string]*TodoItem, len(existing))
		for i := range existing {
			byID[existing[i].ID] = &existing[i]
		}

		for _, incoming := range args.Todos {
			if current, found := byID[incoming.ID]; found {
				current.Content = incoming.Content
				current.Status = incoming.Status
			} else {
				existing = append(existing, incoming)
			}
		}

		m.todos[sessionID] = existing
	} else {
		m.todos[sessionID] = args.Todos
	}

	return map[string]any{
		"summary":    m.generateSummary(sessionID),
		"session_id": sessionID,
		"merge":      args.Merge,
		"count":      len(m.todos[sessionID]),
	}, nil
}

// GetTodos returns a copy of the todos for a session.
func (m *TodoManager) GetTodos(sessionID string) []TodoItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sessionID == "" {
		sessionID = "default"
	}

	todos := m.todos[sessionID]
	result := make([]TodoItem, len(todos))
	copy(result, todos)
	return result
}

// GetTodosSummary returns a formatted summary of a session's todos.
func (m *TodoManager) GetTodosSummary(sessionID string) string {
	if sessionID == "" {
		sessionID = "default"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.generateSummary(sessionID)
}

func (m *TodoManager) generateSummary(sessionID string) string {
	todos := m.todos[sessionID]
	if len(todos) == 0 {
		return "No active todos"
	}

	var pending, inProgress, completed, canceled int
	for _, todo := range todos {
		switch todo.Status {
		case "pending":
			pending++
		case "in_progress":
			inProgress++
		case "completed":
			completed++
		case "canceled":
			canceled++
		}
	}

	summary := fmt.Sprintf("Todo Summary: %d total (%d pending, %d in progress, %d completed, %d canceled)\n\n",
		len(todos), pending, inProgress, completed, canceled)

	for _, todo := range todos {
		summary += fmt.Sprintf("%s [%s] %s\n", statusIcon(todo.Status), todo.ID, todo.Content)
	}

	return summary
}

func isValidStatus(status string) bool {
	switch status {
	case "pending", "in_progress", "completed", "canceled":
		return true
	}
	return false
}

func statusIcon(status string) string {
	switch status {
	case "pending":
		return "[PENDING]"
	case "in_progress":
		return "[IN PROGRESS]"
	case "completed":
		return "[DONE]"
	case "canceled":
		return "[CANCELLED]"
	default:
		return "[UNKNOWN]"
	}
}

// FormatTodosForContext formats todos for injection into the agent's
// system prompt.
func FormatTodosForContext(todos []TodoItem) string {
	if len(todos) == 0 {
		return ""
	}

	var result string
	result += "\n<current_todos>\n"
	result += "Your current task list:\n\n"

	for _, todo := range todos {
		result += fmt.Sprintf("%s %s - %s\n", statusIcon(todo.Status), todo.Status, todo.Content)
	}

	result += "\nRemember to update todo status using todo_write tool as you make progress.\n"
	result += "</current_todos>\n"

	return result
}
