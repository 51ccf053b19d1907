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

// Package utils provides utility functions for v2.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureStateDir ensures the .missionengine directory exists at the given base path.
// If basePath is empty or ".", it creates ./.missionengine in the current directory.
// Otherwise, it creates {basePath}/.missionengine.
//
// This is used by various facilities that need to store data in .missionengine:
// - Tasks database: ./.missionengine/tasks.db
// - Document store index state: {sourcePath}/.missionengine/index_state_*.json
// - Checkpoints: {sourcePath}/.missionengine/checkpoints/
// - Vector stores: {sourcePath}/.missionengine/vectors/
//
// Returns the full path to the .missionengine directory and any error.
func EnsureStateDir(basePath string) (string, error) {
	var stateDir string
	if basePath == "" || basePath == "." {
		// Root-level .missionengine directory (for tasks.db, etc.)
		stateDir = ".missionengine"
	} else {
		// Source-specific .missionengine directory (for document stores, checkpoints)
		stateDir = filepath.Join(basePath, ".missionengine")
	}

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create .missionengine directory at '%s': %w", stateDir, err)
	}

	return stateDir, nil
}
