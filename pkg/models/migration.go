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

package models

import "time"

// TaskState is the lifecycle state of a migration task
type TaskState string

const (
	TaskQueued   TaskState = "QUEUED"
	TaskInFlight TaskState = "IN_FLIGHT"
	TaskApplied  TaskState = "APPLIED"
	// TaskFailed is failed-retryable: the task is back in the queue waiting for NextAttemptAt
	TaskFailed TaskState = "FAILED"
	// TaskDeadLetter holds tasks that exhausted their attempts
	TaskDeadLetter TaskState = "DEAD_LETTER"
	// TaskDropped holds tasks whose record vanished
	TaskDropped TaskState = "DROPPED"
)

// Claimable reports whether a worker may pick the task up
func (s TaskState) Claimable() bool {
	return s == TaskQueued || s == TaskFailed
}

// MigrationTask is a durable unit of re-encryption work for one record
type MigrationTask struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"accountId"`
	RecordID     string         `json:"recordId"`
	FromType     EncryptionType `json:"fromType"`
	FromConfigID string         `json:"fromConfigId"`
	ToType       EncryptionType `json:"toType"`
	ToConfigID   string         `json:"toConfigId"`

	State         TaskState `json:"state"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	ClaimedBy     string    `json:"claimedBy,omitempty"`
	ClaimedAt     time.Time `json:"claimedAt,omitempty"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
