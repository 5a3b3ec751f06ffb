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

// Change log descriptions
const (
	ChangeDescriptionCreated       = "Created"
	ChangeDescriptionSecretChanged = " Changed secret"
	ChangeDescriptionNameAndSecret = "Changed name & secret"
)

// Actor identifies who performed a change
type Actor struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// SecretChangeLog is one append-only entry per secret value change
type SecretChangeLog struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	RecordID    string    `json:"recordId"`
	Actor       Actor     `json:"actor"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// UsageContext describes where a decrypted secret is being used
type UsageContext struct {
	EntityID      string `json:"entityId,omitempty"`
	EntityType    string `json:"entityType,omitempty"`
	AppID         string `json:"appId,omitempty"`
	EnvID         string `json:"envId,omitempty"`
	ExecutionName string `json:"executionName,omitempty"`
}

// SecretUsageLog is one append-only entry per usage-context resolution
type SecretUsageLog struct {
	ID        string       `json:"id"`
	AccountID string       `json:"accountId"`
	RecordID  string       `json:"recordId"`
	Context   UsageContext `json:"context"`
	CreatedAt time.Time    `json:"createdAt"`
}

// AuditOperation represents the type of config change
type AuditOperation string

const (
	AuditCreate AuditOperation = "CREATE"
	AuditUpdate AuditOperation = "UPDATE"
	AuditDelete AuditOperation = "DELETE"
)

// AuditEvent carries before and after images of a secret manager config change
type AuditEvent struct {
	ID         string         `json:"id"`
	AccountID  string         `json:"accountId"`
	Operation  AuditOperation `json:"operation"`
	ResourceID string         `json:"resourceId"`
	Actor      Actor          `json:"actor"`
	Before     []byte         `json:"before,omitempty"`
	After      []byte         `json:"after,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
