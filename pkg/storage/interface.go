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

package storage

import (
	"context"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// EncryptedDataFilter narrows ListEncryptedData. Zero values match everything.
type EncryptedDataFilter struct {
	KmsID        string
	Types        []models.SecretType
	ExcludeTypes []models.SecretType
}

// Storage is the durable store behind the registry, the record store and the audit trail
type Storage interface {
	// SaveSecretManagerConfig creates or updates a config. When cfg.Default is set the
	// default flag of every other config of the same account is cleared in the same write.
	SaveSecretManagerConfig(ctx context.Context, cfg *models.SecretManagerConfig) error

	// GetSecretManagerConfig retrieves a config by account and id
	GetSecretManagerConfig(ctx context.Context, accountID, id string) (*models.SecretManagerConfig, error)

	// GetSecretManagerConfigByName retrieves a config by account and display name
	GetSecretManagerConfigByName(ctx context.Context, accountID, name string) (*models.SecretManagerConfig, error)

	// ListSecretManagerConfigs returns the account's configs, most recently created first
	ListSecretManagerConfigs(ctx context.Context, accountID string) ([]*models.SecretManagerConfig, error)

	// ListRenewableSecretManagerConfigs returns configs of every account with a renewal interval
	ListRenewableSecretManagerConfigs(ctx context.Context) ([]*models.SecretManagerConfig, error)

	// SetDefaultSecretManagerConfig makes id the only default of the account; an empty id clears it
	SetDefaultSecretManagerConfig(ctx context.Context, accountID, id string) error

	// DeleteSecretManagerConfig removes a config
	DeleteSecretManagerConfig(ctx context.Context, accountID, id string) error

	// CreateEncryptedData inserts a record with its parents; Version is set to 1
	CreateEncryptedData(ctx context.Context, data *models.EncryptedData) error

	// UpdateEncryptedData rewrites the record columns and bumps Version. Parents are not touched.
	UpdateEncryptedData(ctx context.Context, data *models.EncryptedData) error

	// CompareAndSwapEncryptedData updates the record only if it still points at expectedKmsID
	// with expectedVersion, otherwise ErrVersionMismatch
	CompareAndSwapEncryptedData(ctx context.Context, data *models.EncryptedData, expectedKmsID string, expectedVersion int64) error

	// GetEncryptedData retrieves a record with its parents
	GetEncryptedData(ctx context.Context, accountID, id string) (*models.EncryptedData, error)

	// GetEncryptedDataByName retrieves a record by account and name
	GetEncryptedDataByName(ctx context.Context, accountID, name string) (*models.EncryptedData, error)

	// ListEncryptedData returns the account's records matching the filter, oldest first
	ListEncryptedData(ctx context.Context, accountID string, filter EncryptedDataFilter) ([]*models.EncryptedData, error)

	// AddParent adds a consumer reference; it returns false if it was already present
	AddParent(ctx context.Context, accountID, recordID string, parent models.Parent) (bool, error)

	// RemoveParent drops a consumer reference; it returns false if it was absent
	RemoveParent(ctx context.Context, accountID, recordID string, parent models.Parent) (bool, error)

	// DeleteEncryptedData removes a record and its parents
	DeleteEncryptedData(ctx context.Context, accountID, id string) error

	// AppendChangeLog appends a change log entry
	AppendChangeLog(ctx context.Context, entry *models.SecretChangeLog) error

	// ListChangeLogs returns a record's change log, newest first
	ListChangeLogs(ctx context.Context, accountID, recordID string) ([]*models.SecretChangeLog, error)

	// AppendUsageLog appends a usage log entry
	AppendUsageLog(ctx context.Context, entry *models.SecretUsageLog) error

	// ListUsageLogs returns a record's usage log newest first, optionally narrowed to a consumer entity type
	ListUsageLogs(ctx context.Context, accountID, recordID, entityType string) ([]*models.SecretUsageLog, error)

	// SaveAuditEvent persists a config audit event
	SaveAuditEvent(ctx context.Context, event *models.AuditEvent) error

	// ListAuditEvents returns the account's config audit events newest first; limit <= 0 means all
	ListAuditEvents(ctx context.Context, accountID string, limit int) ([]*models.AuditEvent, error)

	// Close closes the storage connection
	Close() error
}
