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

// Package secrets is the record store: it persists encrypted secret values through the
// account's secret manager, tracks which consumer entities reference each record and
// writes the change and usage logs.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/audit"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/metrics"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secreterrors"
	"github.com/wso2/api-platform/secret-manager/pkg/secretmanager"
	"github.com/wso2/api-platform/secret-manager/pkg/storage"
)

const (
	// MaxSecretSize is the maximum allowed size for a secret text value (10KB)
	MaxSecretSize = 10 * 1024

	// MaxFileSize is the maximum allowed size for an encrypted file (1MB)
	MaxFileSize = 1024 * 1024
)

// SecretParams carries input to save or update a secret.
//
// Exactly one of Value and Path is normally set. Value alone encrypts the plaintext through
// the secret manager. Path alone references a value that already exists in the backend.
// Both together write Value at the caller-owned Path. On update an empty or masked Value
// keeps the stored value, and nil ScopedToAccount or UsageRestrictions keep the stored scope.
// An empty UsageRestrictions lifts the restrictions.
type SecretParams struct {
	Name              string
	Value             []byte
	Path              string
	ConfigID          string // secret manager id; empty means the account default
	Type              models.SecretType
	ScopedToAccount   *bool
	UsageRestrictions *models.UsageRestrictions
	RuntimeParameters map[string]string
	Parent            *models.Parent // optional first consumer
}

// ListFilter narrows ListSecrets
type ListFilter struct {
	Types              []models.SecretType
	ConfigID           string
	IncludeCredentials bool
}

// SecretService handles business logic for secret records
type SecretService struct {
	storage  storage.Storage
	registry *secretmanager.Registry
	trail    *audit.Trail
	logger   *zap.Logger
}

// NewSecretsService creates a new secret service
func NewSecretsService(
	storage storage.Storage,
	registry *secretmanager.Registry,
	trail *audit.Trail,
	logger *zap.Logger,
) *SecretService {
	return &SecretService{
		storage:  storage,
		registry: registry,
		trail:    trail,
		logger:   logger,
	}
}

func observe(operation string, start time.Time, err *error) {
	metrics.SecretOperationsTotal.WithLabelValues(operation, metrics.Status(*err)).Inc()
	metrics.SecretOperationDurationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// SaveSecretText encrypts a text secret and returns the new record id
func (s *SecretService) SaveSecretText(ctx context.Context, accountID string, params SecretParams) (id string, err error) {
	defer observe("save_text", time.Now(), &err)
	if params.Type == "" {
		params.Type = models.SecretTypeText
	}
	if len(params.Value) > MaxSecretSize {
		return "", secreterrors.InvalidRequest(accountID, params.Name, "secret value exceeds %d bytes", MaxSecretSize)
	}
	return s.save(ctx, accountID, params)
}

// SaveSecretFile encrypts file content and returns the new record id
func (s *SecretService) SaveSecretFile(ctx context.Context, accountID string, params SecretParams) (id string, err error) {
	defer observe("save_file", time.Now(), &err)
	params.Type = models.SecretTypeFile
	params.Path = ""
	if len(params.Value) == 0 {
		return "", secreterrors.InvalidRequest(accountID, params.Name, "file content is required")
	}
	if len(params.Value) > MaxFileSize {
		return "", secreterrors.InvalidRequest(accountID, params.Name, "file exceeds %d bytes", MaxFileSize)
	}
	return s.save(ctx, accountID, params)
}

func (s *SecretService) save(ctx context.Context, accountID string, params SecretParams) (string, error) {
	params.Name = strings.TrimSpace(params.Name)
	if params.Name == "" {
		return "", secreterrors.InvalidRequest(accountID, "", "secret name is required")
	}
	if len(params.Value) == 0 && params.Path == "" {
		return "", secreterrors.InvalidRequest(accountID, params.Name, "either a value or a path is required")
	}
	if params.Type == models.SecretTypeSecretManagerCredential {
		return "", secreterrors.InvalidRequest(accountID, params.Name, "secret manager credentials are managed by the registry")
	}

	cfg, err := s.registry.ResolveForUse(ctx, accountID, params.ConfigID, params.RuntimeParameters)
	if err != nil {
		return "", s.resolveError(accountID, params.Name, err)
	}

	record, err := s.write(ctx, accountID, params.Name, params.Value, params.Path, cfg)
	if err != nil {
		return "", err
	}

	actor := audit.ActorFromContext(ctx)
	data := &models.EncryptedData{
		ID:                uuid.New().String(),
		AccountID:         accountID,
		Name:              params.Name,
		EncryptionType:    cfg.EncryptionType,
		KmsID:             cfg.ID,
		Type:              params.Type,
		Enabled:           true,
		ScopedToAccount:   params.ScopedToAccount != nil && *params.ScopedToAccount,
		UsageRestrictions: params.UsageRestrictions,
		Parents:           []models.Parent{},
		CreatedBy:         actor,
		UpdatedBy:         actor,
	}
	if params.Type == models.SecretTypeFile {
		data.FileSize = int64(len(params.Value))
	}
	if params.Parent != nil {
		data.Parents = append(data.Parents, *params.Parent)
	}
	data.ApplyRecord(record)

	if err := s.storage.CreateEncryptedData(ctx, data); err != nil {
		s.discard(ctx, accountID, record, cfg)
		if storage.IsConflictError(err) {
			return "", secreterrors.Conflict(accountID, params.Name, "secret named %q already exists", params.Name)
		}
		s.logger.Error("Failed to save secret",
			zap.String("account_id", accountID),
			zap.String("name", params.Name),
			zap.Error(err))
		return "", secreterrors.SecretManagement(accountID, params.Name, err, "failed to save secret")
	}
	if err := s.trail.RecordChange(ctx, accountID, data.ID, models.ChangeDescriptionCreated); err != nil {
		return "", secreterrors.SecretManagement(accountID, data.ID, err, "failed to write change log")
	}

	s.logger.Info("Secret created successfully",
		zap.String("account_id", accountID),
		zap.String("secret_id", data.ID),
		zap.String("config_id", cfg.ID),
		zap.String("encryption_type", string(cfg.EncryptionType)))
	return data.ID, nil
}

// write hands the value to the backend: a reference is validated, a value at a path is
// written there, and a plain value is encrypted
func (s *SecretService) write(ctx context.Context, accountID, name string, value []byte, path string, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	enc, err := s.registry.Encryptor(cfg)
	if err != nil {
		return nil, err
	}

	if path != "" && len(value) == 0 {
		ok, err := enc.ValidateReference(ctx, accountID, path, cfg)
		if err != nil {
			return nil, secreterrors.SecretManagement(accountID, name, err, "failed to validate reference %q", path)
		}
		if !ok {
			return nil, secreterrors.SecretManagement(accountID, name, nil,
				"reference %q does not resolve in secret manager %s", path, cfg.ID)
		}
		return &models.EncryptedRecord{EncryptionKey: path, Path: path}, nil
	}

	if cfg.ReadOnly {
		return nil, secreterrors.SecretManagement(accountID, name, nil,
			"secret manager %s is read-only and cannot store new secrets", cfg.ID)
	}

	var record *models.EncryptedRecord
	if path != "" {
		record, err = enc.CreateSecret(ctx, accountID, path, value, cfg)
	} else {
		record, err = enc.EncryptSecret(ctx, accountID, name, value, cfg)
	}
	if errors.Is(err, encryption.ErrUnsupportedOperation) {
		return nil, secreterrors.SecretManagement(accountID, name, err,
			"secret manager %s does not support named secret paths", cfg.ID)
	}
	if err != nil {
		s.logger.Error("Failed to encrypt secret",
			zap.String("account_id", accountID),
			zap.String("name", name),
			zap.String("config_id", cfg.ID),
			zap.Error(err))
		return nil, secreterrors.SecretManagement(accountID, name, err, "encryption failed")
	}
	return record, nil
}

// discard removes backend state no stored record points at: a write whose record was never
// stored, or the value a rewrite replaced
func (s *SecretService) discard(ctx context.Context, accountID string, record *models.EncryptedRecord, cfg *models.SecretManagerConfig) {
	enc, err := s.registry.Encryptor(cfg)
	if err != nil {
		return
	}
	if err := enc.DeleteSecret(ctx, accountID, record, cfg); err != nil {
		s.logger.Warn("Failed to discard backend secret",
			zap.String("account_id", accountID),
			zap.String("config_id", cfg.ID),
			zap.Error(err))
	}
}

func (s *SecretService) resolveError(accountID, name string, err error) error {
	if errors.Is(err, secreterrors.ErrNoSecretManager) {
		return secreterrors.SecretManagement(accountID, name, err, "no secret manager is configured")
	}
	return err
}

// UpdateSecretText updates a text secret. The value is re-encrypted only when it differs from
// the stored one, and only then is a change log entry written.
func (s *SecretService) UpdateSecretText(ctx context.Context, accountID, id string, params SecretParams) (err error) {
	defer observe("update_text", time.Now(), &err)
	if len(params.Value) > MaxSecretSize {
		return secreterrors.InvalidRequest(accountID, id, "secret value exceeds %d bytes", MaxSecretSize)
	}
	return s.update(ctx, accountID, id, params)
}

// UpdateSecretFile updates an encrypted file; nil content keeps the stored file
func (s *SecretService) UpdateSecretFile(ctx context.Context, accountID, id string, params SecretParams) (err error) {
	defer observe("update_file", time.Now(), &err)
	params.Path = ""
	if len(params.Value) > MaxFileSize {
		return secreterrors.InvalidRequest(accountID, id, "file exceeds %d bytes", MaxFileSize)
	}
	return s.update(ctx, accountID, id, params)
}

func (s *SecretService) update(ctx context.Context, accountID, id string, params SecretParams) error {
	data, err := s.load(ctx, accountID, id)
	if err != nil {
		return err
	}
	if data.Type == models.SecretTypeSecretManagerCredential {
		return secreterrors.InvalidRequest(accountID, id, "secret manager credentials are managed by the registry")
	}

	nameChanged := false
	if name := strings.TrimSpace(params.Name); name != "" && name != data.Name {
		if err := s.checkNameFree(ctx, accountID, id, name); err != nil {
			return err
		}
		data.Name = name
		nameChanged = true
	}
	if params.ScopedToAccount != nil {
		data.ScopedToAccount = *params.ScopedToAccount
	}
	if params.UsageRestrictions != nil {
		data.UsageRestrictions = params.UsageRestrictions
	}

	value := params.Value
	if bytes.Equal(value, []byte(models.SecretMask)) {
		value = nil
	}
	pathChanged := params.Path != "" && params.Path != data.Path

	// previous is the backend value the record pointed at before a rewrite
	previous := data.Record()
	var written *models.EncryptedRecord
	var cfg *models.SecretManagerConfig
	if len(value) > 0 || pathChanged {
		cfg, err = s.registry.ResolveForUse(ctx, accountID, data.KmsID, params.RuntimeParameters)
		if err != nil {
			return s.resolveError(accountID, id, err)
		}
		if !pathChanged && s.sameValue(ctx, data, value, cfg) {
			s.logger.Debug("Secret value unchanged, updating metadata only",
				zap.String("account_id", accountID),
				zap.String("secret_id", id))
		} else {
			written, err = s.rewrite(ctx, data, value, params.Path, pathChanged, cfg)
			if err != nil {
				return err
			}
			data.ApplyRecord(written)
			if data.Type == models.SecretTypeFile {
				data.FileSize = int64(len(value))
			}
		}
	}
	valueChanged := written != nil
	relocated := valueChanged && !sameLocation(previous, written)

	data.UpdatedBy = audit.ActorFromContext(ctx)
	if err := s.storage.UpdateEncryptedData(ctx, data); err != nil {
		if relocated {
			s.discard(ctx, accountID, written, cfg)
		}
		if storage.IsConflictError(err) {
			return secreterrors.Conflict(accountID, id, "secret named %q already exists", data.Name)
		}
		if storage.IsNotFoundError(err) {
			return secreterrors.NotFound(accountID, id, "secret not found")
		}
		return secreterrors.SecretManagement(accountID, id, err, "failed to update secret")
	}
	if relocated {
		s.discard(ctx, accountID, previous, cfg)
	}

	if valueChanged {
		description := models.ChangeDescriptionSecretChanged
		if nameChanged {
			description = models.ChangeDescriptionNameAndSecret
		}
		if err := s.trail.RecordChange(ctx, accountID, id, description); err != nil {
			return secreterrors.SecretManagement(accountID, id, err, "failed to write change log")
		}
	}

	s.logger.Info("Secret updated successfully",
		zap.String("account_id", accountID),
		zap.String("secret_id", id),
		zap.Bool("value_changed", valueChanged),
		zap.Bool("name_changed", nameChanged))
	return nil
}

// checkNameFree fails when another record of the account already uses name, so a rename is
// refused before anything is written to the backend
func (s *SecretService) checkNameFree(ctx context.Context, accountID, id, name string) error {
	existing, err := s.storage.GetEncryptedDataByName(ctx, accountID, name)
	switch {
	case err == nil && existing.ID != id:
		return secreterrors.Conflict(accountID, id, "secret named %q already exists", name)
	case err != nil && !storage.IsNotFoundError(err):
		return secreterrors.SecretManagement(accountID, id, err, "failed to check secret name")
	}
	return nil
}

// sameLocation reports whether two records address the same backend value
func sameLocation(a, b *models.EncryptedRecord) bool {
	return a.EncryptionKey == b.EncryptionKey && a.Path == b.Path
}

// sameValue reports whether the stored plaintext already equals value
func (s *SecretService) sameValue(ctx context.Context, data *models.EncryptedData, value []byte, cfg *models.SecretManagerConfig) bool {
	enc, err := s.registry.Encryptor(cfg)
	if err != nil {
		return false
	}
	current, err := enc.FetchSecretValue(ctx, data.AccountID, data.Name, data.Record(), cfg)
	if err != nil {
		s.logger.Debug("Could not read stored value for comparison",
			zap.String("account_id", data.AccountID),
			zap.String("secret_id", data.ID),
			zap.Error(err))
		return false
	}
	return bytes.Equal(current, value)
}

func (s *SecretService) rewrite(ctx context.Context, data *models.EncryptedData, value []byte, path string, pathChanged bool, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	switch {
	case pathChanged:
		return s.write(ctx, data.AccountID, data.Name, value, path, cfg)
	case data.Path != "":
		if cfg.ReadOnly {
			return nil, secreterrors.SecretManagement(data.AccountID, data.ID, nil,
				"secret manager %s is read-only and cannot update secrets", cfg.ID)
		}
		enc, err := s.registry.Encryptor(cfg)
		if err != nil {
			return nil, err
		}
		record, err := enc.UpdateSecret(ctx, data.AccountID, data.Path, value, cfg)
		if err != nil {
			return nil, secreterrors.SecretManagement(data.AccountID, data.ID, err, "failed to update secret at %q", data.Path)
		}
		return record, nil
	default:
		if cfg.ReadOnly {
			return nil, secreterrors.SecretManagement(data.AccountID, data.ID, nil,
				"secret manager %s is read-only and cannot update secrets", cfg.ID)
		}
		return s.write(ctx, data.AccountID, data.Name, value, "", cfg)
	}
}

// ReuseSecret adds a consumer to an existing record instead of encrypting the value again.
// The record is neither re-encrypted nor logged as changed.
func (s *SecretService) ReuseSecret(ctx context.Context, accountID, reference string, parent models.Parent) (id string, err error) {
	defer observe("reuse", time.Now(), &err)
	if _, err := s.AddParent(ctx, accountID, reference, parent); err != nil {
		return "", err
	}
	return reference, nil
}

// AddParent records that a consumer entity references the secret. It returns false when the
// consumer was already present.
func (s *SecretService) AddParent(ctx context.Context, accountID, id string, parent models.Parent) (bool, error) {
	if parent.EntityID == "" || parent.EntityType == "" {
		return false, secreterrors.InvalidRequest(accountID, id, "parent entity id and type are required")
	}
	data, err := s.load(ctx, accountID, id)
	if err != nil {
		return false, err
	}
	if data.Type == models.SecretTypeSecretManagerCredential {
		return false, secreterrors.InvalidRequest(accountID, id, "secret manager credentials cannot be referenced")
	}
	added, err := s.storage.AddParent(ctx, accountID, id, parent)
	if err != nil {
		if storage.IsNotFoundError(err) {
			return false, secreterrors.NotFound(accountID, id, "secret not found")
		}
		return false, secreterrors.SecretManagement(accountID, id, err, "failed to add parent")
	}
	return added, nil
}

// RemoveParent drops a consumer reference. The record is kept even when no parent remains.
func (s *SecretService) RemoveParent(ctx context.Context, accountID, id string, parent models.Parent) (bool, error) {
	removed, err := s.storage.RemoveParent(ctx, accountID, id, parent)
	if err != nil {
		if storage.IsNotFoundError(err) {
			return false, secreterrors.NotFound(accountID, id, "secret not found")
		}
		return false, secreterrors.SecretManagement(accountID, id, err, "failed to remove parent")
	}
	return removed, nil
}

// DeleteSecret permanently removes a record. It is refused while consumers reference the
// record unless force is set, and always while the record is the credential of an existing
// secret manager.
func (s *SecretService) DeleteSecret(ctx context.Context, accountID, id string, force bool) (err error) {
	defer observe("delete", time.Now(), &err)

	data, err := s.load(ctx, accountID, id)
	if err != nil {
		return err
	}

	if data.Type == models.SecretTypeSecretManagerCredential {
		for _, p := range data.Parents {
			if p.EntityType != models.EntityTypeSecretManager {
				continue
			}
			_, err := s.storage.GetSecretManagerConfig(ctx, accountID, p.EntityID)
			if err == nil {
				return secreterrors.Conflict(accountID, id, "secret is a credential of secret manager %s", p.EntityID)
			}
			if !storage.IsNotFoundError(err) {
				return secreterrors.SecretManagement(accountID, id, err, "failed to check owning secret manager")
			}
		}
	} else if len(data.Parents) > 0 && !force {
		p := data.Parents[0]
		return secreterrors.Conflict(accountID, id, "secret is referenced by %d entit(ies), including %s %s",
			len(data.Parents), p.EntityType, p.EntityID)
	}

	cfg, err := s.registry.ResolveForUse(ctx, accountID, data.KmsID, nil)
	switch {
	case err == nil:
		enc, err := s.registry.Encryptor(cfg)
		if err != nil {
			return err
		}
		if err := enc.DeleteSecret(ctx, accountID, data.Record(), cfg); err != nil {
			return secreterrors.SecretManagement(accountID, id, err, "failed to delete secret from backend")
		}
	case secreterrors.KindOf(err) == secreterrors.KindNotFound, secreterrors.KindOf(err) == secreterrors.KindInvalidRequest:
		s.logger.Warn("Skipping backend cleanup of deleted secret",
			zap.String("account_id", accountID),
			zap.String("secret_id", id),
			zap.String("config_id", data.KmsID),
			zap.Error(err))
	default:
		return err
	}

	if err := s.storage.DeleteEncryptedData(ctx, accountID, id); err != nil {
		if storage.IsNotFoundError(err) {
			return secreterrors.NotFound(accountID, id, "secret not found")
		}
		return secreterrors.SecretManagement(accountID, id, err, "failed to delete secret")
	}

	s.logger.Info("Secret deleted successfully",
		zap.String("account_id", accountID),
		zap.String("secret_id", id),
		zap.Bool("force", force))
	return nil
}

// GetSecretByID returns record metadata without ciphertext
func (s *SecretService) GetSecretByID(ctx context.Context, accountID, id string) (*models.EncryptedData, error) {
	data, err := s.load(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	return metadataOnly(data), nil
}

// GetSecretByName returns record metadata without ciphertext
func (s *SecretService) GetSecretByName(ctx context.Context, accountID, name string) (*models.EncryptedData, error) {
	data, err := s.storage.GetEncryptedDataByName(ctx, accountID, name)
	if err != nil {
		if storage.IsNotFoundError(err) {
			return nil, secreterrors.NotFound(accountID, name, "secret not found")
		}
		return nil, secreterrors.SecretManagement(accountID, name, err, "failed to load secret")
	}
	return metadataOnly(data), nil
}

// ListSecrets returns record metadata; secret manager credentials are hidden unless requested
func (s *SecretService) ListSecrets(ctx context.Context, accountID string, filter ListFilter) ([]*models.EncryptedData, error) {
	f := storage.EncryptedDataFilter{KmsID: filter.ConfigID, Types: filter.Types}
	if !filter.IncludeCredentials {
		f.ExcludeTypes = []models.SecretType{models.SecretTypeSecretManagerCredential}
	}
	records, err := s.storage.ListEncryptedData(ctx, accountID, f)
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, "", err, "failed to list secrets")
	}
	out := make([]*models.EncryptedData, 0, len(records))
	for _, r := range records {
		out = append(out, metadataOnly(r))
	}
	return out, nil
}

// ChangeLogs returns the change log of a secret, newest first
func (s *SecretService) ChangeLogs(ctx context.Context, accountID, id string) ([]*models.SecretChangeLog, error) {
	logs, err := s.trail.ChangeLogs(ctx, accountID, id)
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, id, err, "failed to read change log")
	}
	return logs, nil
}

// UsageLogs returns the usage log of a secret newest first, optionally narrowed to a consumer type
func (s *SecretService) UsageLogs(ctx context.Context, accountID, id, entityType string) ([]*models.SecretUsageLog, error) {
	logs, err := s.trail.UsageLogs(ctx, accountID, id, entityType)
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, id, err, "failed to read usage log")
	}
	return logs, nil
}

func (s *SecretService) load(ctx context.Context, accountID, id string) (*models.EncryptedData, error) {
	data, err := s.storage.GetEncryptedData(ctx, accountID, id)
	if err != nil {
		if storage.IsNotFoundError(err) {
			return nil, secreterrors.NotFound(accountID, id, "secret not found")
		}
		return nil, secreterrors.SecretManagement(accountID, id, err, "failed to load secret")
	}
	return data, nil
}

func metadataOnly(data *models.EncryptedData) *models.EncryptedData {
	out := data.Clone()
	out.EncryptionKey = ""
	out.EncryptedValue = nil
	return out
}
