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
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	store := NewSQLStore(db, "sqlite")
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	tk := New("ws_1", "const x = 1; return x;")
	tk.ActorID = "acct_1"
	tk.RuntimeID = "js"
	tk.Metadata = map[string]any{"trace": "abc"}
	require.NoError(t, store.Create(ctx, tk))

	got, err := store.Get(ctx, "ws_1", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Code, got.Code)
	assert.Equal(t, "acct_1", got.ActorID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, map[string]any{"trace": "abc"}, got.Metadata)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ExitCode)

	_, err = store.Get(ctx, "ws_other", tk.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreTransitions(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	tk := New("ws_1", "return 1;")
	require.NoError(t, store.Create(ctx, tk))

	// Completing a queued task violates the state machine.
	err := store.Complete(ctx, tk.ID, StatusFailed, Result{Error: "x"}, time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")

	require.NoError(t, store.MarkRunning(ctx, tk.ID, time.Now().UTC()))
	assert.Error(t, store.MarkRunning(ctx, tk.ID, time.Now().UTC()))

	code := 2
	require.NoError(t, store.Complete(ctx, tk.ID, StatusFailed,
		Result{ExitCode: &code, Error: "boom", Stderr: "trace"}, time.Now().UTC()))
	assert.Error(t, store.Complete(ctx, tk.ID, StatusCompleted, Result{}, time.Now().UTC()))

	got, err := store.Get(ctx, "ws_1", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 2, *got.ExitCode)
	require.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, store.MarkRunning(ctx, "missing", time.Now().UTC()), ErrNotFound)
}

func TestSQLStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	for i := 0; i < 3; i++ {
		e := &Event{
			TaskID:    "t1",
			Name:      EventStatusChange,
			Payload:   map[string]any{"status": "running", "seq": float64(i)},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.ID)
	}

	events, err := store.Events(ctx, "t1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].ID)
	assert.Equal(t, "running", events[0].Payload["status"])
}

func TestSQLStoreList(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		tk := New("ws_1", "return 1;")
		tk.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Create(ctx, tk))
	}

	list, err := store.List(ctx, "ws_1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Newest first.
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))
}

func TestSQLStoreRebind(t *testing.T) {
	pg := NewSQLStore(nil, "postgres")
	assert.Equal(t, "SELECT * FROM tasks WHERE id = $1 AND status = $2",
		pg.rebind("SELECT * FROM tasks WHERE id = ? AND status = ?"))

	lite := NewSQLStore(nil, "sqlite")
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}
