/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package taskqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

const taskColumns = `id, account_id, record_id, from_type, from_config_id, to_type, to_config_id,
	state, attempts, last_error, claimed_by, claimed_at, next_attempt_at, created_at, updated_at`

type taskRow struct {
	ID            string       `db:"id"`
	AccountID     string       `db:"account_id"`
	RecordID      string       `db:"record_id"`
	FromType      string       `db:"from_type"`
	FromConfigID  string       `db:"from_config_id"`
	ToType        string       `db:"to_type"`
	ToConfigID    string       `db:"to_config_id"`
	State         string       `db:"state"`
	Attempts      int          `db:"attempts"`
	LastError     string       `db:"last_error"`
	ClaimedBy     string       `db:"claimed_by"`
	ClaimedAt     sql.NullTime `db:"claimed_at"`
	NextAttemptAt time.Time    `db:"next_attempt_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r *taskRow) toModel() *models.MigrationTask {
	t := &models.MigrationTask{
		ID:            r.ID,
		AccountID:     r.AccountID,
		RecordID:      r.RecordID,
		FromType:      models.EncryptionType(r.FromType),
		FromConfigID:  r.FromConfigID,
		ToType:        models.EncryptionType(r.ToType),
		ToConfigID:    r.ToConfigID,
		State:         models.TaskState(r.State),
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		ClaimedBy:     r.ClaimedBy,
		NextAttemptAt: r.NextAttemptAt.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.ClaimedAt.Valid {
		t.ClaimedAt = r.ClaimedAt.Time.UTC()
	}
	return t
}

// SQLQueue stores tasks in the migration_tasks table of the secret store database
type SQLQueue struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLQueue creates a queue on a database whose schema is already initialized
func NewSQLQueue(db *sqlx.DB, logger *zap.Logger) *SQLQueue {
	return &SQLQueue{db: db, logger: logger}
}

func (q *SQLQueue) Enqueue(ctx context.Context, tasks ...*models.MigrationTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, q.db.Rebind(`
		INSERT INTO migration_tasks (id, account_id, record_id, from_type, from_config_id,
			to_type, to_config_id, state, attempts, last_error, claimed_by, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare enqueue: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, t := range tasks {
		t.State = models.TaskQueued
		t.CreatedAt = now
		t.UpdatedAt = now
		if t.NextAttemptAt.IsZero() {
			t.NextAttemptAt = now
		}
		if _, err := stmt.ExecContext(ctx, t.ID, t.AccountID, t.RecordID, string(t.FromType), t.FromConfigID,
			string(t.ToType), t.ToConfigID, string(t.State), t.NextAttemptAt.UTC(), now, now); err != nil {
			return fmt.Errorf("failed to enqueue task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}
	q.logger.Debug("Enqueued migration tasks", zap.Int("count", len(tasks)))
	return nil
}

// Claim selects candidates and takes each one with a conditional update, so concurrent
// workers never claim the same task twice
func (q *SQLQueue) Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]*models.MigrationTask, error) {
	now = now.UTC()
	var ids []string
	if err := q.db.SelectContext(ctx, &ids, q.db.Rebind(`
		SELECT id FROM migration_tasks
		WHERE state IN (?, ?) AND next_attempt_at <= ?
		ORDER BY seq ASC
		LIMIT ?`), string(models.TaskQueued), string(models.TaskFailed), now, limit); err != nil {
		return nil, fmt.Errorf("failed to select claimable tasks: %w", err)
	}

	claim := q.db.Rebind(`
		UPDATE migration_tasks
		SET state = ?, claimed_by = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND state IN (?, ?)`)
	var out []*models.MigrationTask
	for _, id := range ids {
		result, err := q.db.ExecContext(ctx, claim, string(models.TaskInFlight), workerID, now, now,
			id, string(models.TaskQueued), string(models.TaskFailed))
		if err != nil {
			return out, fmt.Errorf("failed to claim task %s: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue
		}
		t, err := q.get(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *SQLQueue) get(ctx context.Context, id string) (*models.MigrationTask, error) {
	var row taskRow
	err := q.db.GetContext(ctx, &row, q.db.Rebind(`SELECT `+taskColumns+` FROM migration_tasks WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return row.toModel(), nil
}

// finish transitions an in-flight task
func (q *SQLQueue) finish(ctx context.Context, id string, state models.TaskState, reason string, retryAt *time.Time) error {
	now := time.Now().UTC()
	var result sql.Result
	var err error
	if retryAt != nil {
		result, err = q.db.ExecContext(ctx, q.db.Rebind(`
			UPDATE migration_tasks
			SET state = ?, last_error = ?, claimed_by = '', next_attempt_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`),
			string(state), reason, retryAt.UTC(), now, id, string(models.TaskInFlight))
	} else {
		result, err = q.db.ExecContext(ctx, q.db.Rebind(`
			UPDATE migration_tasks
			SET state = ?, last_error = ?, claimed_by = '', updated_at = ?
			WHERE id = ? AND state = ?`),
			string(state), reason, now, id, string(models.TaskInFlight))
	}
	if err != nil {
		return fmt.Errorf("failed to move task %s to %s: %w", id, state, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

func (q *SQLQueue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, models.TaskApplied, "", nil)
}

func (q *SQLQueue) Fail(ctx context.Context, id, reason string, retryAt time.Time) error {
	return q.finish(ctx, id, models.TaskFailed, reason, &retryAt)
}

func (q *SQLQueue) DeadLetter(ctx context.Context, id, reason string) error {
	return q.finish(ctx, id, models.TaskDeadLetter, reason, nil)
}

func (q *SQLQueue) Drop(ctx context.Context, id, reason string) error {
	return q.finish(ctx, id, models.TaskDropped, reason, nil)
}

func (q *SQLQueue) RecoverExpiredLeases(ctx context.Context, claimedBefore time.Time) (int, error) {
	result, err := q.db.ExecContext(ctx, q.db.Rebind(`
		UPDATE migration_tasks
		SET state = ?, claimed_by = '', updated_at = ?
		WHERE state = ? AND claimed_at < ?`),
		string(models.TaskQueued), time.Now().UTC(), string(models.TaskInFlight), claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to recover expired leases: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("Recovered migration tasks with expired leases", zap.Int64("count", n))
	}
	return int(n), nil
}

func (q *SQLQueue) Counts(ctx context.Context, accountID, fromConfigID string) (map[models.TaskState]int, error) {
	query := `SELECT state, COUNT(*) AS n FROM migration_tasks WHERE 1 = 1`
	var args []any
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	if fromConfigID != "" {
		query += ` AND from_config_id = ?`
		args = append(args, fromConfigID)
	}
	query += ` GROUP BY state`

	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	if err := q.db.SelectContext(ctx, &rows, q.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	counts := make(map[models.TaskState]int, len(rows))
	for _, r := range rows {
		counts[models.TaskState(r.State)] = r.N
	}
	return counts, nil
}

func (q *SQLQueue) List(ctx context.Context, accountID string, state models.TaskState, limit int) ([]*models.MigrationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM migration_tasks WHERE account_id = ? AND state = ? ORDER BY seq ASC`
	args := []any{accountID, string(state)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []taskRow
	if err := q.db.SelectContext(ctx, &rows, q.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	out := make([]*models.MigrationTask, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
