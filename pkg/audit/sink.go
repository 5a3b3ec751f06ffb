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

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/metrics"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// Sink receives before and after images of secret manager config changes.
// Images passed to a sink are already masked.
type Sink interface {
	ReportCreate(ctx context.Context, accountID string, after *models.SecretManagerConfig) error
	ReportUpdate(ctx context.Context, accountID string, before, after *models.SecretManagerConfig) error
	ReportDelete(ctx context.Context, accountID string, before *models.SecretManagerConfig) error
}

// EventStore persists config audit events
type EventStore interface {
	SaveAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, accountID string, limit int) ([]*models.AuditEvent, error)
}

// StoreSink persists every report as an AuditEvent with JSON images
type StoreSink struct {
	store EventStore
}

// NewStoreSink creates a storage-backed sink
func NewStoreSink(store EventStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) ReportCreate(ctx context.Context, accountID string, after *models.SecretManagerConfig) error {
	return s.save(ctx, accountID, models.AuditCreate, nil, after)
}

func (s *StoreSink) ReportUpdate(ctx context.Context, accountID string, before, after *models.SecretManagerConfig) error {
	return s.save(ctx, accountID, models.AuditUpdate, before, after)
}

func (s *StoreSink) ReportDelete(ctx context.Context, accountID string, before *models.SecretManagerConfig) error {
	return s.save(ctx, accountID, models.AuditDelete, before, nil)
}

func (s *StoreSink) save(ctx context.Context, accountID string, op models.AuditOperation, before, after *models.SecretManagerConfig) error {
	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Operation: op,
		Actor:     ActorFromContext(ctx),
		CreatedAt: time.Now().UTC(),
	}
	var err error
	if event.Before, err = image(before); err != nil {
		return err
	}
	if event.After, err = image(after); err != nil {
		return err
	}
	switch {
	case after != nil:
		event.ResourceID = after.ID
	case before != nil:
		event.ResourceID = before.ID
	}

	if err := s.store.SaveAuditEvent(ctx, event); err != nil {
		metrics.AuditWritesTotal.WithLabelValues("config", "error").Inc()
		return fmt.Errorf("failed to save audit event for %s: %w", event.ResourceID, err)
	}
	metrics.AuditWritesTotal.WithLabelValues("config", "success").Inc()
	return nil
}

// Events returns the account's audit events newest first
func (s *StoreSink) Events(ctx context.Context, accountID string, limit int) ([]*models.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, accountID, limit)
}

func image(cfg *models.SecretManagerConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit image of %s: %w", cfg.ID, err)
	}
	return b, nil
}

// LogSink writes reports to the structured log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) ReportCreate(ctx context.Context, accountID string, after *models.SecretManagerConfig) error {
	s.log(ctx, accountID, models.AuditCreate, after)
	return nil
}

func (s *LogSink) ReportUpdate(ctx context.Context, accountID string, _, after *models.SecretManagerConfig) error {
	s.log(ctx, accountID, models.AuditUpdate, after)
	return nil
}

func (s *LogSink) ReportDelete(ctx context.Context, accountID string, before *models.SecretManagerConfig) error {
	s.log(ctx, accountID, models.AuditDelete, before)
	return nil
}

func (s *LogSink) log(ctx context.Context, accountID string, op models.AuditOperation, cfg *models.SecretManagerConfig) {
	actor := ActorFromContext(ctx)
	s.logger.Info("Secret manager config changed",
		zap.String("operation", string(op)),
		zap.String("account_id", accountID),
		zap.String("config_id", cfg.ID),
		zap.String("encryption_type", string(cfg.EncryptionType)),
		zap.String("actor_id", actor.ID))
}

// MultiSink fans a report out to every sink and joins their failures
type MultiSink []Sink

func (m MultiSink) ReportCreate(ctx context.Context, accountID string, after *models.SecretManagerConfig) error {
	var result *multierror.Error
	for _, s := range m {
		result = multierror.Append(result, s.ReportCreate(ctx, accountID, after))
	}
	return result.ErrorOrNil()
}

func (m MultiSink) ReportUpdate(ctx context.Context, accountID string, before, after *models.SecretManagerConfig) error {
	var result *multierror.Error
	for _, s := range m {
		result = multierror.Append(result, s.ReportUpdate(ctx, accountID, before, after))
	}
	return result.ErrorOrNil()
}

func (m MultiSink) ReportDelete(ctx context.Context, accountID string, before *models.SecretManagerConfig) error {
	var result *multierror.Error
	for _, s := range m {
		result = multierror.Append(result, s.ReportDelete(ctx, accountID, before))
	}
	return result.ErrorOrNil()
}
