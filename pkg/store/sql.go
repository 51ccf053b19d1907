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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/teamforge/missionengine/pkg/engineerr"
	"github.com/teamforge/missionengine/pkg/session"
)

// SQLGateway implements Gateway against PostgreSQL, MySQL, or SQLite via
// database/sql. Entities are stored as JSON payloads beside the columns
// hot paths filter on (status, is_processing, version); state transitions
// use optimistic concurrency: UPDATE ... WHERE version = ? with a bounded
// retry on conflict.
type SQLGateway struct {
	db      *sql.DB
	dialect string // "postgres", "mysql", or "sqlite"
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    team_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    is_processing BOOLEAN NOT NULL DEFAULT FALSE,
    payload TEXT,
    version INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS missions (
    id VARCHAR(255) PRIMARY KEY,
    team_id VARCHAR(255) NOT NULL,
    status VARCHAR(50) NOT NULL,
    payload TEXT,
    version INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_team_id ON sessions(team_id);
CREATE INDEX IF NOT EXISTS idx_missions_team_id ON missions(team_id);
CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
`

// casRetries bounds optimistic-concurrency retry loops. Contention on a
// single mission is inherently low (one executor goroutine owns it), so
// conflicts here mean an overlapping auxiliary write, not a fight.
const casRetries = 3

// NewSQLGateway wraps an open connection. The dialect must be one of
// postgres, mysql, sqlite.
func NewSQLGateway(db *sql.DB, dialect string) (*SQLGateway, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	g := &SQLGateway{db: db, dialect: dialect}
	if err := g.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return g, nil
}

func (g *SQLGateway) initSchema() error {
	for _, stmt := range strings.Split(createSchemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := g.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ?-placeholders to $n for postgres.
func (g *SQLGateway) rebind(query string) string {
	if g.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func backendErr(op string, err error) error {
	return engineerr.Wrap(engineerr.Backend, op, err)
}

// --- Sessions -------------------------------------------------------------

func (g *SQLGateway) CreateSession(ctx context.Context, p CreateSessionParams) (*session.Session, error) {
	now := time.Now()
	s := &session.Session{
		ID:                uuid.NewString(),
		TeamID:            p.TeamID,
		AgentID:           p.AgentID,
		UserID:            p.UserID,
		Messages:          append([]session.Message(nil), p.Attachments...),
		WorkspacePath:     p.WorkspacePath,
		ExtraInstructions: p.ExtraInstructions,
		AllowedExtensions: p.AllowedExtensions,
		AllowedSkillIDs:   p.AllowedSkillIDs,
		Portal:            p.Portal,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return nil, backendErr("marshal session", err)
	}

	_, err = g.db.ExecContext(ctx, g.rebind(`
INSERT INTO sessions (id, team_id, agent_id, user_id, is_processing, payload, version, created_at, updated_at)
VALUES (?, ?, ?, ?, FALSE, ?, 0, ?, ?)`),
		s.ID, s.TeamID, s.AgentID, s.UserID, string(payload), now, now)
	if err != nil {
		return nil, backendErr("insert session", err)
	}
	return s, nil
}

func (g *SQLGateway) getSessionRow(ctx context.Context, sessionID string) (*session.Session, int, error) {
	var payload string
	var version int
	var isProcessing bool
	err := g.db.QueryRowContext(ctx, g.rebind(`
SELECT payload, version, is_processing FROM sessions WHERE id = ?`), sessionID).
		Scan(&payload, &version, &isProcessing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, engineerr.New(engineerr.NotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	if err != nil {
		return nil, 0, backendErr("select session", err)
	}

	var s session.Session
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, 0, backendErr("unmarshal session", err)
	}
	s.Version = version
	s.IsProcessing = isProcessing
	return &s, version, nil
}

func (g *SQLGateway) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	s, _, err := g.getSessionRow(ctx, sessionID)
	return s, err
}

func (g *SQLGateway) TryStartProcessing(ctx context.Context, sessionID, userID string) (bool, error) {
	res, err := g.db.ExecContext(ctx, g.rebind(`
UPDATE sessions
SET is_processing = TRUE, version = version + 1, updated_at = ?
WHERE id = ? AND user_id = ? AND is_processing = FALSE`),
		time.Now(), sessionID, userID)
	if err != nil {
		return false, backendErr("start processing", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, backendErr("start processing", err)
	}
	if rows == 1 {
		return true, nil
	}

	// Denied: distinguish a missing session (NotFound) from an already
	// active or foreign-user one (plain false).
	if _, _, err := g.getSessionRow(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

func (g *SQLGateway) ClearProcessing(ctx context.Context, sessionID string) error {
	res, err := g.db.ExecContext(ctx, g.rebind(`
UPDATE sessions
SET is_processing = FALSE, version = version + 1, updated_at = ?
WHERE id = ?`), time.Now(), sessionID)
	if err != nil {
		return backendErr("clear processing", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return backendErr("clear processing", err)
	}
	if rows == 0 {
		return engineerr.New(engineerr.NotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	return nil
}

// mutateSession loads the payload, applies fn, and stores with a version
// guard, retrying a bounded number of times on CAS conflict.
func (g *SQLGateway) mutateSession(ctx context.Context, sessionID string, fn func(*session.Session) error) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		s, version, err := g.getSessionRow(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}

		payload, err := json.Marshal(s)
		if err != nil {
			return backendErr("marshal session", err)
		}
		res, err := g.db.ExecContext(ctx, g.rebind(`
UPDATE sessions
SET payload = ?, version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`),
			string(payload), time.Now(), sessionID, version)
		if err != nil {
			return backendErr("update session", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return backendErr("update session", err)
		}
		if rows == 1 {
			return nil
		}
	}
	return engineerr.New(engineerr.Conflict, fmt.Sprintf("session %s: concurrent update", sessionID))
}

func (g *SQLGateway) AppendMessages(ctx context.Context, sessionID string, messages []session.Message) error {
	return g.mutateSession(ctx, sessionID, func(s *session.Session) error {
		s.Messages = append(s.Messages, messages...)
		return nil
	})
}

func (g *SQLGateway) ListRecentMessages(ctx context.Context, sessionID string, n int) ([]session.Message, error) {
	s, _, err := g.getSessionRow(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.RecentMessages(n), nil
}

// --- Missions -------------------------------------------------------------

func (g *SQLGateway) CreateMission(ctx context.Context, m *Mission) (*Mission, error) {
	stored := copyMission(m)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = MissionDraft
	}
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.CurrentStepIndex = -1

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, backendErr("marshal mission", err)
	}

	_, err = g.db.ExecContext(ctx, g.rebind(`
INSERT INTO missions (id, team_id, status, payload, version, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?)`),
		stored.ID, stored.TeamID, string(stored.Status), string(payload), now, now)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, engineerr.New(engineerr.Conflict, fmt.Sprintf("mission %s already exists", stored.ID))
		}
		return nil, backendErr("insert mission", err)
	}
	return stored, nil
}

func isDuplicateKey(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}

func (g *SQLGateway) getMissionRow(ctx context.Context, missionID string) (*Mission, int, error) {
	var payload string
	var version int
	err := g.db.QueryRowContext(ctx, g.rebind(`
SELECT payload, version FROM missions WHERE id = ?`), missionID).
		Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s not found", missionID))
	}
	if err != nil {
		return nil, 0, backendErr("select mission", err)
	}

	var m Mission
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, 0, backendErr("unmarshal mission", err)
	}
	m.Version = version
	return &m, version, nil
}

func (g *SQLGateway) GetMission(ctx context.Context, missionID string) (*Mission, error) {
	m, _, err := g.getMissionRow(ctx, missionID)
	return m, err
}

func (g *SQLGateway) mutateMission(ctx context.Context, missionID string, fn func(*Mission) error) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		m, version, err := g.getMissionRow(ctx, missionID)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}

		payload, err := json.Marshal(m)
		if err != nil {
			return backendErr("marshal mission", err)
		}
		res, err := g.db.ExecContext(ctx, g.rebind(`
UPDATE missions
SET payload = ?, status = ?, version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`),
			string(payload), string(m.Status), time.Now(), missionID, version)
		if err != nil {
			return backendErr("update mission", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return backendErr("update mission", err)
		}
		if rows == 1 {
			return nil
		}
	}
	return engineerr.New(engineerr.Conflict, fmt.Sprintf("mission %s: concurrent update", missionID))
}

func (g *SQLGateway) UpdateMissionStatus(ctx context.Context, missionID string, status MissionStatus) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		if m.Status.IsTerminal() && m.Status != status {
			return engineerr.New(engineerr.Conflict,
				fmt.Sprintf("mission %s is %s; cannot transition to %s", missionID, m.Status, status))
		}
		m.Status = status
		return nil
	})
}

func (g *SQLGateway) SetMissionSession(ctx context.Context, missionID, sessionID string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		if m.SessionID != "" && m.SessionID != sessionID {
			return engineerr.New(engineerr.Conflict,
				fmt.Sprintf("mission %s already bound to session %s", missionID, m.SessionID))
		}
		m.SessionID = sessionID
		return nil
	})
}

func (g *SQLGateway) AddMissionTokens(ctx context.Context, missionID string, stepIdx, tokens int) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		m.TotalTokensUsed += tokens
		if step := m.StepByIndex(stepIdx); step != nil {
			step.TokensUsed += tokens
		}
		return nil
	})
}

func (g *SQLGateway) SetMissionError(ctx context.Context, missionID, message string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		m.ErrorMessage = message
		return nil
	})
}

func (g *SQLGateway) SetMissionWorkspace(ctx context.Context, missionID, path string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		m.WorkspacePath = path
		return nil
	})
}

func (g *SQLGateway) SaveMissionPlan(ctx context.Context, missionID string, steps []MissionStep) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		m.Steps = append([]MissionStep(nil), steps...)
		return nil
	})
}

func (g *SQLGateway) UpdateStepStatus(ctx context.Context, missionID string, idx int, status StepStatus) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		step := m.StepByIndex(idx)
		if step == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no step %d", missionID, idx))
		}
		step.Status = status
		return nil
	})
}

func (g *SQLGateway) AdvanceMissionStep(ctx context.Context, missionID string, idx int) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		m.CurrentStepIndex = idx
		return nil
	})
}

func (g *SQLGateway) IncrementStepRetry(ctx context.Context, missionID string, idx int) (int, error) {
	var count int
	err := g.mutateMission(ctx, missionID, func(m *Mission) error {
		step := m.StepByIndex(idx)
		if step == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no step %d", missionID, idx))
		}
		step.RetryCount++
		count = step.RetryCount
		return nil
	})
	return count, err
}

func (g *SQLGateway) SetStepOutputSummary(ctx context.Context, missionID string, idx int, summary string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		step := m.StepByIndex(idx)
		if step == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no step %d", missionID, idx))
		}
		step.OutputSummary = summary
		return nil
	})
}

func (g *SQLGateway) SetStepError(ctx context.Context, missionID string, idx int, message string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		step := m.StepByIndex(idx)
		if step == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no step %d", missionID, idx))
		}
		step.ErrorMessage = message
		return nil
	})
}

func (g *SQLGateway) ReplanRemainingSteps(ctx context.Context, missionID string, allSteps []MissionStep) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		for i, old := range m.Steps {
			if old.Status != StepCompleted {
				break
			}
			if i >= len(allSteps) || allSteps[i].Title != old.Title || allSteps[i].Status != StepCompleted {
				return engineerr.New(engineerr.Conflict,
					fmt.Sprintf("replan for mission %s rewrites completed step %d", missionID, i))
			}
		}
		m.Steps = append([]MissionStep(nil), allSteps...)
		return nil
	})
}

func (g *SQLGateway) IncrementReplanCount(ctx context.Context, missionID string) (int, error) {
	var count int
	err := g.mutateMission(ctx, missionID, func(m *Mission) error {
		m.ReplanCount++
		count = m.ReplanCount
		return nil
	})
	return count, err
}

func (g *SQLGateway) SaveGoalTree(ctx context.Context, missionID string, goals []*GoalNode) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		m.Goals = copyGoals(goals)
		return nil
	})
}

func (g *SQLGateway) UpdateGoalStatus(ctx context.Context, missionID, goalID string, status GoalStatus) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.Status = status
		return nil
	})
}

func (g *SQLGateway) AdvanceMissionGoal(ctx context.Context, missionID, goalID string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		m.CurrentGoalID = goalID
		return nil
	})
}

func (g *SQLGateway) PushGoalAttempt(ctx context.Context, missionID, goalID string, attempt AttemptRecord) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.Attempts = append(goal.Attempts, attempt)
		return nil
	})
}

func (g *SQLGateway) UpdateLastAttemptSignal(ctx context.Context, missionID, goalID string, signal Signal, learnings string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		last := goal.LastAttempt()
		if last == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("goal %s has no attempts", goalID))
		}
		last.Signal = signal
		last.Learnings = learnings
		return nil
	})
}

func (g *SQLGateway) PivotGoalAtomic(ctx context.Context, missionID, goalID, newApproach string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.Status = GoalPivoting
		goal.PivotReason = newApproach
		m.TotalPivots++
		return nil
	})
}

func (g *SQLGateway) AbandonGoalAtomic(ctx context.Context, missionID, goalID, reason string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.Status = GoalAbandoned
		goal.PivotReason = reason
		m.TotalPivots++
		return nil
	})
}

func (g *SQLGateway) SetGoalOutputSummary(ctx context.Context, missionID, goalID, summary string) error {
	return g.mutateMission(ctx, missionID, func(m *Mission) error {
		goal := m.GoalByID(goalID)
		if goal == nil {
			return engineerr.New(engineerr.NotFound, fmt.Sprintf("mission %s has no goal %s", missionID, goalID))
		}
		goal.OutputSummary = summary
		return nil
	})
}

var _ Gateway = (*SQLGateway)(nil)
