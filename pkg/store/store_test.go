package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/flowline/pkg/run"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func suspendedSnapshot(t *testing.T, id string) *run.Snapshot {
	t.Helper()
	snap := run.New(id, "approval-workflow", run.RunWorkflow, map[string]any{"amount": 100.0})
	_, err := snap.Transition("request-approval", "request-approval", "approval-workflow", run.StepRunning)
	require.NoError(t, err)
	st, err := snap.Transition("request-approval", "", "", run.StepSuspended)
	require.NoError(t, err)
	st.SuspendPayload = map[string]any{"message": "Approve?", "requestId": "req-1"}
	require.NoError(t, snap.SetStatus(run.StatusSuspended))
	return snap
}

func TestStore_CreateGetSave(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		snap := suspendedSnapshot(t, "r1")
		require.NoError(t, s.Create(ctx, snap))
		assert.Equal(t, int64(1), snap.Version)

		err := s.Create(ctx, snap)
		assert.True(t, errors.Is(err, ErrRunExists))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, run.StatusSuspended, got.Status)
		assert.Equal(t, "req-1", got.Steps["request-approval"].SuspendPayload["requestId"])

		sus, err := s.Suspension(ctx, "r1", "request-approval")
		require.NoError(t, err)
		assert.Equal(t, "request-approval", sus.StepID)
		assert.Equal(t, "Approve?", sus.Payload["message"])

		require.NoError(t, got.SetStatus(run.StatusRunning))
		_, err = got.Transition("request-approval", "", "", run.StepRunning)
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, got))
		assert.Equal(t, int64(2), got.Version)

		_, err = s.Suspension(ctx, "r1", "request-approval")
		assert.True(t, errors.Is(err, ErrSuspensionNotFound))

		_, err = s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, ErrRunNotFound))
	})
}

func TestStore_SaveDetectsConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, suspendedSnapshot(t, "r1")))

		a, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		b, err := s.Get(ctx, "r1")
		require.NoError(t, err)

		require.NoError(t, a.SetStatus(run.StatusRunning))
		require.NoError(t, s.Save(ctx, a))

		require.NoError(t, b.SetStatus(run.StatusRunning))
		err = s.Save(ctx, b)
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

		err = s.Save(ctx, run.New("ghost", "wf", run.RunWorkflow, nil))
		assert.True(t, errors.Is(err, ErrRunNotFound), "got %v", err)
	})
}

func TestStore_GetReturnsCopy(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, suspendedSnapshot(t, "r1")))

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		got.Input["amount"] = 1.0

		again, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, 100.0, again.Input["amount"])
	})
}

func TestStore_ListAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)
		for i, id := range []string{"a", "b", "c"} {
			snap := run.New(id, "wf", run.RunWorkflow, nil)
			if id == "c" {
				snap.WorkflowID = "other"
			}
			snap.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			snap.UpdatedAt = snap.CreatedAt
			require.NoError(t, s.Create(ctx, snap))
		}

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].RunID, "newest first")

		wf, err := s.List(ctx, Filter{WorkflowID: "wf", Limit: 1})
		require.NoError(t, err)
		require.Len(t, wf, 1)
		assert.Equal(t, "b", wf[0].RunID)

		running, err := s.List(ctx, Filter{Status: run.StatusRunning, UpdatedBefore: base.Add(90 * time.Second)})
		require.NoError(t, err)
		assert.Len(t, running, 2)

		require.NoError(t, s.Delete(ctx, "a"))
		assert.True(t, errors.Is(s.Delete(ctx, "a"), ErrRunNotFound))
		all, err = s.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestStore_Records(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, run.New("r1", "wf", run.RunWorkflow, nil)))

		now := time.Now().UTC()
		recs := []run.Record{
			{Seq: 1, RunID: "r1", Kind: run.KindRun, Status: "running", Time: now},
			{Seq: 2, RunID: "r1", Kind: run.KindStep, StepID: "a", Status: "running", Time: now},
			{Seq: 3, RunID: "r1", Kind: run.KindEvent, StepID: "a", Time: now,
				Event: &run.Event{Type: "progress", Data: map[string]any{"status": "done"}}},
		}
		require.NoError(t, s.AppendRecords(ctx, recs))
		require.NoError(t, s.AppendRecords(ctx, recs[2:]), "duplicates are skipped")

		got, err := s.Records(ctx, "r1", 1)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(2), got[0].Seq)
		assert.Equal(t, "progress", got[1].Event.Type)

		require.NoError(t, s.Delete(ctx, "r1"))
		got, err = s.Records(ctx, "r1", 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestNewSQLStore_Dialects(t *testing.T) {
	_, err := NewSQLStore(nil, "sqlite")
	assert.Error(t, err)

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = NewSQLStore(db, "oracle")
	assert.ErrorContains(t, err, "unsupported dialect")
}

func TestConvertToPostgresPlaceholders(t *testing.T) {
	assert.Equal(t,
		"SELECT 1 FROM t WHERE a = $1 AND b = $2",
		convertToPostgresPlaceholders("SELECT 1 FROM t WHERE a = ? AND b = ?"))
}
