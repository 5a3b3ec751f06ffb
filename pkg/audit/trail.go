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

// Package audit records the append-only change and usage logs of secret records and
// reports secret manager config changes to audit sinks.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/metrics"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// LogStore is the persistence the trail needs
type LogStore interface {
	AppendChangeLog(ctx context.Context, entry *models.SecretChangeLog) error
	ListChangeLogs(ctx context.Context, accountID, recordID string) ([]*models.SecretChangeLog, error)
	AppendUsageLog(ctx context.Context, entry *models.SecretUsageLog) error
	ListUsageLogs(ctx context.Context, accountID, recordID, entityType string) ([]*models.SecretUsageLog, error)
}

// Trail appends and queries change and usage logs. Entries are never rewritten.
type Trail struct {
	store  LogStore
	logger *zap.Logger
}

// NewTrail creates a trail over store
func NewTrail(store LogStore, logger *zap.Logger) *Trail {
	return &Trail{store: store, logger: logger}
}

// RecordChange appends one change log entry attributed to the actor in ctx
func (t *Trail) RecordChange(ctx context.Context, accountID, recordID, description string) error {
	entry := &models.SecretChangeLog{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		RecordID:    recordID,
		Actor:       ActorFromContext(ctx),
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := t.store.AppendChangeLog(ctx, entry); err != nil {
		metrics.AuditWritesTotal.WithLabelValues("change", "error").Inc()
		return fmt.Errorf("failed to append change log for %s: %w", recordID, err)
	}
	metrics.AuditWritesTotal.WithLabelValues("change", "success").Inc()

	t.logger.Debug("Recorded secret change",
		zap.String("account_id", accountID),
		zap.String("secret_id", recordID),
		zap.String("description", description),
		zap.String("actor_id", entry.Actor.ID))
	return nil
}

// RecordUsage appends one usage log entry. Repeated usages produce repeated rows.
func (t *Trail) RecordUsage(ctx context.Context, accountID, recordID string, usage models.UsageContext) error {
	entry := &models.SecretUsageLog{
		ID:        uuid.New().String(),
		AccountID: accountID,
		RecordID:  recordID,
		Context:   usage,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.store.AppendUsageLog(ctx, entry); err != nil {
		metrics.AuditWritesTotal.WithLabelValues("usage", "error").Inc()
		return fmt.Errorf("failed to append usage log for %s: %w", recordID, err)
	}
	metrics.AuditWritesTotal.WithLabelValues("usage", "success").Inc()
	return nil
}

// ChangeLogs returns the change log of a record, newest first
func (t *Trail) ChangeLogs(ctx context.Context, accountID, recordID string) ([]*models.SecretChangeLog, error) {
	return t.store.ListChangeLogs(ctx, accountID, recordID)
}

// UsageLogs returns the usage log of a record, newest first; an empty entityType matches all consumers
func (t *Trail) UsageLogs(ctx context.Context, accountID, recordID, entityType string) ([]*models.SecretUsageLog, error) {
	return t.store.ListUsageLogs(ctx, accountID, recordID, entityType)
}
