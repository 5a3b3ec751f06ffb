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
	"fmt"
	"sync"
	"time"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// MemoryQueue is an in-process Queue for memory-only mode and tests
type MemoryQueue struct {
	mu    sync.Mutex
	tasks []*models.MigrationTask
	byID  map[string]*models.MigrationTask
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{byID: make(map[string]*models.MigrationTask)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, tasks ...*models.MigrationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range tasks {
		if _, ok := q.byID[t.ID]; ok {
			return fmt.Errorf("task %s already enqueued", t.ID)
		}
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		t.State = models.TaskQueued
		t.CreatedAt = now
		t.UpdatedAt = now
		if t.NextAttemptAt.IsZero() {
			t.NextAttemptAt = now
		}
		cp := *t
		q.tasks = append(q.tasks, &cp)
		q.byID[cp.ID] = &cp
	}
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, workerID string, limit int, now time.Time) ([]*models.MigrationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.MigrationTask
	for _, t := range q.tasks {
		if len(out) >= limit {
			break
		}
		if !t.State.Claimable() || t.NextAttemptAt.After(now) {
			continue
		}
		t.State = models.TaskInFlight
		t.ClaimedBy = workerID
		t.ClaimedAt = now.UTC()
		t.Attempts++
		t.UpdatedAt = now.UTC()
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// finish transitions an in-flight task
func (q *MemoryQueue) finish(id string, mutate func(*models.MigrationTask)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok || t.State != models.TaskInFlight {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	mutate(t)
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	return q.finish(id, func(t *models.MigrationTask) {
		t.State = models.TaskApplied
		t.LastError = ""
	})
}

func (q *MemoryQueue) Fail(_ context.Context, id, reason string, retryAt time.Time) error {
	return q.finish(id, func(t *models.MigrationTask) {
		t.State = models.TaskFailed
		t.LastError = reason
		t.NextAttemptAt = retryAt.UTC()
	})
}

func (q *MemoryQueue) DeadLetter(_ context.Context, id, reason string) error {
	return q.finish(id, func(t *models.MigrationTask) {
		t.State = models.TaskDeadLetter
		t.LastError = reason
	})
}

func (q *MemoryQueue) Drop(_ context.Context, id, reason string) error {
	return q.finish(id, func(t *models.MigrationTask) {
		t.State = models.TaskDropped
		t.LastError = reason
	})
}

func (q *MemoryQueue) RecoverExpiredLeases(_ context.Context, claimedBefore time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, t := range q.tasks {
		if t.State == models.TaskInFlight && t.ClaimedAt.Before(claimedBefore) {
			t.State = models.TaskQueued
			t.ClaimedBy = ""
			t.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Counts(_ context.Context, accountID, fromConfigID string) (map[models.TaskState]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[models.TaskState]int)
	for _, t := range q.tasks {
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		if fromConfigID != "" && t.FromConfigID != fromConfigID {
			continue
		}
		counts[t.State]++
	}
	return counts, nil
}

func (q *MemoryQueue) List(_ context.Context, accountID string, state models.TaskState, limit int) ([]*models.MigrationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []*models.MigrationTask{}
	for _, t := range q.tasks {
		if limit > 0 && len(out) >= limit {
			break
		}
		if t.AccountID == accountID && t.State == state {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
