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

package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLStore persists tasks in a relational database. It works against sqlite,
// postgres, and mysql through the shared connection pool; queries are written
// with ? placeholders and rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore wraps an open pool. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the task tables when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	var eventsPK string
	switch s.dialect {
	case "postgres":
		eventsPK = "id BIGSERIAL PRIMARY KEY"
	case "mysql":
		eventsPK = "id BIGINT AUTO_INCREMENT PRIMARY KEY"
	default:
		eventsPK = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			actor_id TEXT,
			client_id TEXT,
			code TEXT NOT NULL,
			runtime_id TEXT,
			timeout_ms INTEGER NOT NULL,
			metadata TEXT,
			status TEXT NOT NULL,
			exit_code INTEGER,
			error TEXT,
			stdout TEXT,
			stderr TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_events (
			%s,
			task_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			payload TEXT,
			created_at TIMESTAMP NOT NULL
		)`, eventsPK),
		`CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks (workspace_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events (task_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Create(ctx context.Context, t *Task) error {
	metadata, err := encodeJSON(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (id, workspace_id, actor_id, client_id, code, runtime_id,
			timeout_ms, metadata, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.WorkspaceID, t.ActorID, t.ClientID, t.Code, t.RuntimeID,
		t.TimeoutMs, metadata, string(t.Status), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

const taskColumns = `id, workspace_id, actor_id, client_id, code, runtime_id,
	timeout_ms, metadata, status, exit_code, error, stdout, stderr,
	created_at, started_at, completed_at`

func (s *SQLStore) Get(ctx context.Context, workspaceID, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND workspace_id = ?`),
		taskID, workspaceID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLStore) List(ctx context.Context, workspaceID string, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE workspace_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{workspaceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkRunning(ctx context.Context, taskID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`),
		string(StatusRunning), at, taskID, string(StatusQueued))
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	return s.checkTransition(ctx, res, taskID, StatusRunning)
}

func (s *SQLStore) Complete(ctx context.Context, taskID string, status Status, r Result, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("task %s: %s is not a terminal status", taskID, status)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET status = ?, exit_code = ?, error = ?, stdout = ?, stderr = ?, completed_at = ?
		WHERE id = ? AND status = ?`),
		string(status), r.ExitCode, r.Error, r.Stdout, r.Stderr, at,
		taskID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return s.checkTransition(ctx, res, taskID, status)
}

// checkTransition turns a zero-row update into the precise state-machine
// error.
func (s *SQLStore) checkTransition(ctx context.Context, res sql.Result, taskID string, to Status) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM tasks WHERE id = ?`), taskID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return errInvalidTransition(taskID, Status(current), to)
}

func (s *SQLStore) AppendEvent(ctx context.Context, e *Event) error {
	payload, err := encodeJSON(e.Payload)
	if err != nil {
		return err
	}
	if s.dialect == "postgres" {
		return s.db.QueryRowContext(ctx, s.rebind(`
			INSERT INTO task_events (task_id, event_name, payload, created_at)
			VALUES (?, ?, ?, ?) RETURNING id`),
			e.TaskID, e.Name, payload, e.CreatedAt).Scan(&e.ID)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO task_events (task_id, event_name, payload, created_at)
		VALUES (?, ?, ?, ?)`),
		e.TaskID, e.Name, payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *SQLStore) Events(ctx context.Context, taskID string, afterID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, task_id, event_name, payload, created_at
		FROM task_events WHERE task_id = ? AND id > ? ORDER BY id`),
		taskID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Name, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("corrupt event payload for task %s: %w", e.TaskID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var actorID, clientID, runtimeID, metadata, errMsg, stdout, stderr sql.NullString
	var status string
	var exitCode sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.WorkspaceID, &actorID, &clientID, &t.Code, &runtimeID,
		&t.TimeoutMs, &metadata, &status, &exitCode, &errMsg, &stdout, &stderr,
		&t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.ActorID = actorID.String
	t.ClientID = clientID.String
	t.RuntimeID = runtimeID.String
	t.Status = Status(status)
	t.Error = errMsg.String
	t.Stdout = stdout.String
	t.Stderr = stderr.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for task %s: %w", t.ID, err)
		}
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func encodeJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode json: %w", err)
	}
	return string(data), nil
}

var _ Store = (*SQLStore)(nil)
