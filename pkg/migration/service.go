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

// Package migration moves secret records from one secret manager to another. Transition
// requests enqueue one durable task per record; a background worker re-encrypts them.
package migration

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/metrics"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secreterrors"
	"github.com/wso2/api-platform/secret-manager/pkg/secretmanager"
	"github.com/wso2/api-platform/secret-manager/pkg/storage"
	"github.com/wso2/api-platform/secret-manager/pkg/taskqueue"
)

// Progress reports how far a transition away from a source config has come
type Progress struct {
	// Remaining is the number of records still pointing at the source config
	Remaining int
	// Tasks counts transition tasks from the source config per state
	Tasks map[models.TaskState]int
}

// Done reports whether no record and no pending task is left
func (p *Progress) Done() bool {
	return p.Remaining == 0 && taskqueue.Pending(p.Tasks) == 0
}

// Service accepts transition requests
type Service struct {
	store    storage.Storage
	registry *secretmanager.Registry
	queue    taskqueue.Queue
	logger   *zap.Logger
}

// NewService creates a migration service
func NewService(store storage.Storage, registry *secretmanager.Registry, queue taskqueue.Queue, logger *zap.Logger) *Service {
	return &Service{store: store, registry: registry, queue: queue, logger: logger}
}

// TransitionSecrets enqueues one task per record of the account that points at fromID.
// Secret manager credentials are not moved. Both configs must exist, match the given kinds
// and be writable; otherwise nothing is enqueued. It returns the number of tasks enqueued.
func (s *Service) TransitionSecrets(ctx context.Context, accountID string, fromType models.EncryptionType, fromID string,
	toType models.EncryptionType, toID string) (int, error) {
	if err := s.registry.CheckEntitled(ctx, accountID); err != nil {
		return 0, err
	}
	if fromID == "" || toID == "" {
		return 0, secreterrors.InvalidRequest(accountID, fromID, "source and destination secret managers are required")
	}
	if fromID == toID {
		return 0, secreterrors.InvalidRequest(accountID, fromID, "source and destination secret managers are the same")
	}

	from, err := s.endpoint(ctx, accountID, fromID, fromType, "source")
	if err != nil {
		return 0, err
	}
	to, err := s.endpoint(ctx, accountID, toID, toType, "destination")
	if err != nil {
		return 0, err
	}

	records, err := s.store.ListEncryptedData(ctx, accountID, storage.EncryptedDataFilter{
		KmsID:        fromID,
		ExcludeTypes: []models.SecretType{models.SecretTypeSecretManagerCredential},
	})
	if err != nil {
		return 0, secreterrors.SecretManagement(accountID, fromID, err, "failed to list secrets to transition")
	}
	if len(records) == 0 {
		return 0, nil
	}

	tasks := make([]*models.MigrationTask, 0, len(records))
	for _, r := range records {
		tasks = append(tasks, &models.MigrationTask{
			ID:           uuid.New().String(),
			AccountID:    accountID,
			RecordID:     r.ID,
			FromType:     from.EncryptionType,
			FromConfigID: from.ID,
			ToType:       to.EncryptionType,
			ToConfigID:   to.ID,
		})
	}
	if err := s.queue.Enqueue(ctx, tasks...); err != nil {
		return 0, secreterrors.SecretManagement(accountID, fromID, err, "failed to enqueue transition tasks")
	}
	metrics.MigrationTasksEnqueuedTotal.Add(float64(len(tasks)))

	s.logger.Info("Enqueued secret transition",
		zap.String("account_id", accountID),
		zap.String("from_config_id", fromID),
		zap.String("to_config_id", toID),
		zap.Int("count", len(tasks)))
	return len(tasks), nil
}

// endpoint loads one side of a transition and checks it can take part
func (s *Service) endpoint(ctx context.Context, accountID, id string, kind models.EncryptionType, role string) (*models.SecretManagerConfig, error) {
	cfg, err := s.registry.Get(ctx, accountID, id, false)
	if err != nil {
		return nil, err
	}
	if kind != "" && cfg.EncryptionType != kind {
		return nil, secreterrors.InvalidRequest(accountID, id, "%s secret manager is %s, not %s", role, cfg.EncryptionType, kind)
	}
	if cfg.ReadOnly {
		return nil, secreterrors.SecretManagement(accountID, id, nil, "%s secret manager %s is read-only", role, id)
	}
	if len(cfg.TemplatizedFields) > 0 {
		return nil, secreterrors.InvalidRequest(accountID, id, "%s secret manager %s is templatized", role, id)
	}
	return cfg, nil
}

// Progress returns the remaining records and task states of transitions away from fromID
func (s *Service) Progress(ctx context.Context, accountID, fromID string) (*Progress, error) {
	records, err := s.store.ListEncryptedData(ctx, accountID, storage.EncryptedDataFilter{
		KmsID:        fromID,
		ExcludeTypes: []models.SecretType{models.SecretTypeSecretManagerCredential},
	})
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, fromID, err, "failed to list secrets")
	}
	counts, err := s.queue.Counts(ctx, accountID, fromID)
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, fromID, err, "failed to count transition tasks")
	}
	return &Progress{Remaining: len(records), Tasks: counts}, nil
}

// DeadLetters returns tasks of the account that exhausted their attempts
func (s *Service) DeadLetters(ctx context.Context, accountID string, limit int) ([]*models.MigrationTask, error) {
	tasks, err := s.queue.List(ctx, accountID, models.TaskDeadLetter, limit)
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, "", err, "failed to list dead-lettered tasks")
	}
	return tasks, nil
}
