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

// Package taskqueue is the durable at-least-once queue behind the migration engine.
// Tasks are claimed under a lease; a lease that outlives its worker is recovered back
// into the queue, so no task is lost across restarts.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// ErrTaskNotFound is returned when a task id is unknown or no longer in the expected state
var ErrTaskNotFound = errors.New("task not found")

// Queue is a durable queue of migration tasks
type Queue interface {
	// Enqueue stores tasks in the QUEUED state
	Enqueue(ctx context.Context, tasks ...*models.MigrationTask) error

	// Claim moves up to limit claimable tasks whose next attempt is due to IN_FLIGHT
	// for workerID and counts the attempt
	Claim(ctx context.Context, workerID string, limit int, now time.Time) ([]*models.MigrationTask, error)

	// Complete marks an in-flight task APPLIED
	Complete(ctx context.Context, id string) error

	// Fail returns an in-flight task to the queue, due again at retryAt
	Fail(ctx context.Context, id, reason string, retryAt time.Time) error

	// DeadLetter parks an in-flight task that exhausted its attempts
	DeadLetter(ctx context.Context, id, reason string) error

	// Drop marks an in-flight task DROPPED because its record vanished
	Drop(ctx context.Context, id, reason string) error

	// RecoverExpiredLeases returns tasks claimed before claimedBefore to the queue
	RecoverExpiredLeases(ctx context.Context, claimedBefore time.Time) (int, error)

	// Counts returns the number of tasks per state. Empty filters match everything.
	Counts(ctx context.Context, accountID, fromConfigID string) (map[models.TaskState]int, error)

	// List returns tasks of an account in the given state, oldest first; limit <= 0 means all
	List(ctx context.Context, accountID string, state models.TaskState, limit int) ([]*models.MigrationTask, error)
}

// Pending sums the states that still have work to do
func Pending(counts map[models.TaskState]int) int {
	return counts[models.TaskQueued] + counts[models.TaskInFlight] + counts[models.TaskFailed]
}
