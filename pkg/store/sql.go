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
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/flowline/pkg/run"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on a SQL database. Concurrency between processes
// is handled by the version column and transactions.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createRunsSchemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    run_id VARCHAR(255) NOT NULL PRIMARY KEY,
    workflow_id VARCHAR(255) NOT NULL,
    kind VARCHAR(50) NOT NULL,
    status VARCHAR(50) NOT NULL,
    snapshot_json TEXT NOT NULL,
    version BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createRunsWorkflowIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs(workflow_id, status)`

const createRunsUpdatedIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_runs_updated ON workflow_runs(updated_at)`

const createSuspensionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS run_suspensions (
    run_id VARCHAR(255) NOT NULL,
    step_path VARCHAR(512) NOT NULL,
    step_id VARCHAR(255) NOT NULL,
    payload_json TEXT,
    suspended_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, step_path)
)`

const createRecordsSchemaSQL = `
CREATE TABLE IF NOT EXISTS run_records (
    run_id VARCHAR(255) NOT NULL,
    seq BIGINT NOT NULL,
    kind VARCHAR(50) NOT NULL,
    record_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, seq)
)`

// NewSQLStore creates a SQL-backed store and initializes its schema.
// Supported dialects: postgres, mysql, sqlite (sqlite3).
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tables := []string{createRunsSchemaSQL, createSuspensionsSchemaSQL, createRecordsSchemaSQL}
	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	for _, stmt := range []string{createRunsWorkflowIndexSQL, createRunsUpdatedIndexSQL} {
		if s.dialect == "mysql" {
			// MySQL has no CREATE INDEX IF NOT EXISTS.
			stmt = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) query(q string) string {
	if s.dialect == "postgres" {
		return convertToPostgresPlaceholders(q)
	}
	return q
}

func (s *SQLStore) Create(ctx context.Context, snap *run.Snapshot) error {
	snap.Version = 1
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.query(`SELECT COUNT(*) FROM workflow_runs WHERE run_id = ?`), snap.RunID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%s: %w", snap.RunID, ErrRunExists)
	}

	_, err = tx.ExecContext(ctx, s.query(`INSERT INTO workflow_runs
		(run_id, workflow_id, kind, status, snapshot_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		snap.RunID, snap.WorkflowID, string(snap.Kind), string(snap.Status), string(data),
		snap.Version, snap.CreatedAt, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if err := s.syncSuspensionsTx(ctx, tx, snap); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, snap *run.Snapshot) error {
	next := snap.Clone()
	next.Version = snap.Version + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.query(`UPDATE workflow_runs
		SET status = ?, snapshot_json = ?, version = ?, updated_at = ?
		WHERE run_id = ? AND version = ?`),
		string(next.Status), string(data), next.Version, next.UpdatedAt, snap.RunID, snap.Version)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	if n == 0 {
		var stored int64
		err := tx.QueryRowContext(ctx, s.query(`SELECT version FROM workflow_runs WHERE run_id = ?`), snap.RunID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", snap.RunID, ErrRunNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check run version: %w", err)
		}
		return fmt.Errorf("%s: %w: stored version %d, have %d", snap.RunID, ErrConflict, stored, snap.Version)
	}

	if err := s.syncSuspensionsTx(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	snap.Version = next.Version
	snap.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *SQLStore) syncSuspensionsTx(ctx context.Context, tx *sql.Tx, snap *run.Snapshot) error {
	if _, err := tx.ExecContext(ctx, s.query(`DELETE FROM run_suspensions WHERE run_id = ?`), snap.RunID); err != nil {
		return fmt.Errorf("failed to clear suspensions: %w", err)
	}
	for _, sus := range suspensionsOf(snap) {
		payload, err := json.Marshal(sus.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal suspend payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.query(`INSERT INTO run_suspensions
			(run_id, step_path, step_id, payload_json, suspended_at) VALUES (?, ?, ?, ?, ?)`),
			sus.RunID, sus.StepPath, sus.StepID, string(payload), sus.SuspendedAt)
		if err != nil {
			return fmt.Errorf("failed to insert suspension: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, runID string) (*run.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.query(`SELECT snapshot_json FROM workflow_runs WHERE run_id = ?`), runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return decodeSnapshot(data)
}

func decodeSnapshot(data string) (*run.Snapshot, error) {
	var snap run.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if snap.Steps == nil {
		snap.Steps = make(map[string]*run.StepState)
	}
	if snap.Branches == nil {
		snap.Branches = make(map[string]string)
	}
	return &snap, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*run.Snapshot, error) {
	query := `SELECT snapshot_json FROM workflow_runs WHERE 1 = 1`
	var args []any
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		query += " AND updated_at < ?"
		args = append(args, filter.UpdatedBefore.UTC())
	}
	query += " ORDER BY created_at DESC, run_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.query(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*run.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM run_records WHERE run_id = ?`,
		`DELETE FROM run_suspensions WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.query(q), runID); err != nil {
			return fmt.Errorf("failed to delete run data: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, s.query(`DELETE FROM workflow_runs WHERE run_id = ?`), runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) insertRecordQuery() string {
	switch s.dialect {
	case "mysql":
		return `INSERT IGNORE INTO run_records (run_id, seq, kind, record_json, created_at)
			VALUES (?, ?, ?, ?, ?)`
	case "postgres":
		return `INSERT INTO run_records (run_id, seq, kind, record_json, created_at)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (run_id, seq) DO NOTHING`
	default:
		return `INSERT INTO run_records (run_id, seq, kind, record_json, created_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (run_id, seq) DO NOTHING`
	}
}

func (s *SQLStore) AppendRecords(ctx context.Context, records []run.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.insertRecordQuery())
	if err != nil {
		return fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, rec.RunID, rec.Seq, string(rec.Kind), string(data), rec.Time.UTC()); err != nil {
			return fmt.Errorf("failed to insert record %d: %w", rec.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) Records(ctx context.Context, runID string, after int64) ([]run.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		s.query(`SELECT record_json FROM run_records WHERE run_id = ? AND seq > ? ORDER BY seq ASC`),
		runID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []run.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var rec run.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			slog.Warn("Skipping unreadable run record", "run_id", runID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Suspension(ctx context.Context, runID, stepPath string) (*Suspension, error) {
	var (
		sus     = Suspension{RunID: runID, StepPath: stepPath}
		payload sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		s.query(`SELECT step_id, payload_json, suspended_at FROM run_suspensions WHERE run_id = ? AND step_path = ?`),
		runID, stepPath).Scan(&sus.StepID, &payload, &sus.SuspendedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", runID, stepPath, ErrSuspensionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suspension: %w", err)
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &sus.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal suspend payload: %w", err)
		}
	}
	return &sus, nil
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc. in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

var _ Store = (*SQLStore)(nil)
