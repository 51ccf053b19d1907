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

// Package workspace scopes each mission to a filesystem sandbox under
// WORKSPACE_ROOT as {workspace_root}/{team_id}/missions/{mission_id}.
// The resulting path is handed to stdio tool subprocesses as their working
// directory and persisted on the mission record.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Scope resolves and creates the workspace directory for a mission. It is
// created eagerly at mission-create time (not lazily at first tool spawn)
// so workspace_path can be persisted on the mission record up front.
func Scope(root, teamID, missionID string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("workspace: WORKSPACE_ROOT is not configured")
	}
	if teamID == "" || missionID == "" {
		return "", fmt.Errorf("workspace: team_id and mission_id are required")
	}
	path := filepath.Join(root, teamID, "missions", missionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create %s: %w", path, err)
	}
	return path, nil
}

// Exists reports whether the given workspace path is present on disk,
// without creating it. Used on mission resume to detect a workspace that
// was cleaned up out-of-band.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
