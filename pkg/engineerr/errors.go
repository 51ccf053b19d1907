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

// Package engineerr defines the structural error kinds shared across the
// Mission & Task Execution Engine: NotFound, Conflict, Backend, Provider,
// Tool, Cancelled, BudgetExceeded, and ParseFailure. Callers branch on kind,
// never on error text.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is a structural error category.
type Kind string

const (
	// NotFound: entity missing; non-retryable at execution scope.
	NotFound Kind = "not_found"

	// Conflict: CAS denial on admission or state transition; surfaces at
	// the API layer as 409.
	Conflict Kind = "conflict"

	// Backend: transient durable-store failure; non-fatal for auxiliary
	// writes, fatal for status transitions.
	Backend Kind = "backend"

	// Provider: LLM failure; classified retryable/non-retryable by callers
	// per the bridge's failure classification.
	Provider Kind = "provider"

	// Tool: tool-call failure; retryable iff timeout or transport reset.
	Tool Kind = "tool"

	// Cancelled: cooperative cancellation signal; terminal Ok-with-status.
	Cancelled Kind = "cancelled"

	// BudgetExceeded: fatal; mission transitions to failed.
	BudgetExceeded Kind = "budget_exceeded"

	// ParseFailure: LLM-produced JSON could not be parsed. Catastrophic for
	// plan/goal-tree extraction, safe-defaulted elsewhere.
	ParseFailure Kind = "parse_failure"
)

// Error is a structural, inspectable error carrying a Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Transient marks a Provider or Tool error as retryable: provider
	// 5xx/connection-reset/rate-limit-with-retry-after and tool timeout
	// are transient; auth failure, budget exhaustion, tool schema
	// violation, and cancellation are not.
	Transient bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WrapTransient is Wrap for a Provider/Tool error known to be retryable.
func WrapTransient(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause, Transient: true}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the given error should be retried by the
// Sequencer/Adaptive Executor's backoff loop: Provider 5xx/connection-reset/rate-limit-with-retry-after
// and Tool timeout are retryable; everything else (auth, budget, schema
// violation, cancellation) is not.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case Provider, Tool:
		return e.Transient
	default:
		return false
	}
}
