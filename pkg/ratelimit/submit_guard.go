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

package ratelimit

import (
	"context"
	"fmt"

	"github.com/teamforge/missionengine/pkg/utils"
)

// SubmitGuard applies rate limiting at the engine's submit boundary: the
// API layer consults it before handing a task prompt to the task runner. Scope selects whether the quota is per session or per
// user.
type SubmitGuard struct {
	limiter RateLimiter
	scope   Scope
}

// NewSubmitGuard creates a guard over the given limiter.
func NewSubmitGuard(limiter RateLimiter, scope Scope) *SubmitGuard {
	return &SubmitGuard{limiter: limiter, scope: scope}
}

// Admit checks and records one submission carrying the given prompt text.
// Returns a RateLimitError when the quota is exhausted.
func (g *SubmitGuard) Admit(ctx context.Context, identifier, prompt string) error {
	tokens := int64(utils.EstimateTokens(prompt))

	result, err := g.limiter.CheckAndRecord(ctx, g.scope, identifier, tokens, 1)
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}

	if !result.Allowed {
		return NewRateLimitError(result)
	}
	return nil
}

// Usage returns current quota consumption for an identifier.
func (g *SubmitGuard) Usage(ctx context.Context, identifier string) ([]Usage, error) {
	return g.limiter.GetUsage(ctx, g.scope, identifier)
}

// Release resets quota for an identifier. Used by admin tooling and tests.
func (g *SubmitGuard) Release(ctx context.Context, identifier string) error {
	return g.limiter.Reset(ctx, g.scope, identifier)
}
