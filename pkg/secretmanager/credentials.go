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

package secretmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/storage"
)

var errMaskedWithoutValue = errors.New("attribute is masked but no stored value exists")

// credentialWrite tracks one credential record touched by a save so it can be undone
type credentialWrite struct {
	recordID string
	created  bool
}

// storeCredentials replaces plaintext secret attributes of cfg with the ids of the records
// holding them. Masked attributes keep the reference of the existing config. It returns the
// records it created and the ids of records that are no longer referenced.
func (r *Registry) storeCredentials(ctx context.Context, cfg, existing *models.SecretManagerConfig) ([]credentialWrite, []string, error) {
	var writes []credentialWrite
	var orphaned []string

	existingRefs := map[string]string{}
	if existing != nil && existing.EncryptionType == cfg.EncryptionType {
		for _, a := range existing.SecretAttributes() {
			existingRefs[a.Name] = *a.Value
		}
	} else if existing != nil {
		for _, a := range existing.SecretAttributes() {
			if *a.Value != "" {
				orphaned = append(orphaned, *a.Value)
			}
		}
	}

	for _, a := range cfg.SecretAttributes() {
		prev := existingRefs[a.Name]

		switch {
		case cfg.IsTemplatized(a.Name), *a.Value == "":
			*a.Value = ""
			if prev != "" {
				orphaned = append(orphaned, prev)
			}

		case *a.Value == models.SecretMask:
			if prev == "" {
				return writes, nil, fmt.Errorf("%w: %s", errMaskedWithoutValue, a.Name)
			}
			*a.Value = prev

		default:
			id, created, err := r.writeCredential(ctx, cfg, a.Name, prev, []byte(*a.Value))
			if err != nil {
				return writes, nil, err
			}
			writes = append(writes, credentialWrite{recordID: id, created: created})
			*a.Value = id
		}
	}
	return writes, orphaned, nil
}

// writeCredential encrypts one attribute value with the account's local backend
func (r *Registry) writeCredential(ctx context.Context, cfg *models.SecretManagerConfig, attr, prevID string, plaintext []byte) (string, bool, error) {
	local := models.NewLocalConfig(cfg.AccountID)
	enc, err := r.encryptors.For(local)
	if err != nil {
		return "", false, err
	}
	name := cfg.CredentialName(attr)
	record, err := enc.EncryptSecret(ctx, cfg.AccountID, name, plaintext, local)
	if err != nil {
		return "", false, fmt.Errorf("failed to encrypt %s: %w", attr, err)
	}

	if prevID != "" {
		data, err := r.store.GetEncryptedData(ctx, cfg.AccountID, prevID)
		if err == nil {
			data.ApplyRecord(record)
			data.EncryptionType = models.EncryptionTypeLocal
			data.KmsID = local.ID
			data.UpdatedBy = actorFrom(ctx)
			if err := r.store.UpdateEncryptedData(ctx, data); err != nil {
				return "", false, fmt.Errorf("failed to update credential %s: %w", name, err)
			}
			if err := r.trail.RecordChange(ctx, cfg.AccountID, data.ID, models.ChangeDescriptionSecretChanged); err != nil {
				return "", false, err
			}
			return data.ID, false, nil
		}
		if !storage.IsNotFoundError(err) {
			return "", false, err
		}
		r.logger.Warn("Stored credential record missing, recreating",
			zap.String("account_id", cfg.AccountID),
			zap.String("config_id", cfg.ID),
			zap.String("secret_id", prevID))
	}

	actor := actorFrom(ctx)
	data := &models.EncryptedData{
		ID:              uuid.New().String(),
		AccountID:       cfg.AccountID,
		Name:            name,
		EncryptionType:  models.EncryptionTypeLocal,
		KmsID:           local.ID,
		Type:            models.SecretTypeSecretManagerCredential,
		Enabled:         true,
		ScopedToAccount: true,
		Parents:         []models.Parent{{EntityID: cfg.ID, EntityType: models.EntityTypeSecretManager}},
		CreatedBy:       actor,
		UpdatedBy:       actor,
	}
	data.ApplyRecord(record)
	if err := r.store.CreateEncryptedData(ctx, data); err != nil {
		return "", false, fmt.Errorf("failed to store credential %s: %w", name, err)
	}
	if err := r.trail.RecordChange(ctx, cfg.AccountID, data.ID, models.ChangeDescriptionCreated); err != nil {
		return "", false, err
	}
	return data.ID, true, nil
}

// rollbackCredentials removes credential records created by a save that did not complete
func (r *Registry) rollbackCredentials(ctx context.Context, accountID string, writes []credentialWrite) {
	for _, w := range writes {
		if !w.created {
			continue
		}
		if err := r.store.DeleteEncryptedData(ctx, accountID, w.recordID); err != nil && !storage.IsNotFoundError(err) {
			r.logger.Error("Failed to roll back credential record",
				zap.String("account_id", accountID),
				zap.String("secret_id", w.recordID),
				zap.Error(err))
		}
	}
}

// deleteCredentials removes credential records that no config references any more
func (r *Registry) deleteCredentials(ctx context.Context, accountID string, ids []string) {
	for _, id := range ids {
		if err := r.store.DeleteEncryptedData(ctx, accountID, id); err != nil && !storage.IsNotFoundError(err) {
			r.logger.Warn("Failed to delete credential record",
				zap.String("account_id", accountID),
				zap.String("secret_id", id),
				zap.Error(err))
		}
	}
}

// hydrate returns a copy of cfg with credential references replaced by plaintext.
// Templatized attributes are left blank.
func (r *Registry) hydrate(ctx context.Context, cfg *models.SecretManagerConfig) (*models.SecretManagerConfig, error) {
	out := cfg.Clone()
	local := models.NewLocalConfig(cfg.AccountID)
	for _, a := range out.SecretAttributes() {
		if out.IsTemplatized(a.Name) || *a.Value == "" {
			continue
		}
		data, err := r.store.GetEncryptedData(ctx, cfg.AccountID, *a.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to load credential %s of %s: %w", a.Name, cfg.ID, err)
		}
		enc, err := r.encryptors.For(local)
		if err != nil {
			return nil, err
		}
		plaintext, err := enc.FetchSecretValue(ctx, cfg.AccountID, data.Name, data.Record(), local)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credential %s of %s: %w", a.Name, cfg.ID, err)
		}
		*a.Value = string(plaintext)
	}
	return out, nil
}

// mergeForValidation builds the plaintext view of an incoming config for a connection check.
// Masked attributes take the hydrated value of the existing config.
func mergeForValidation(incoming, hydratedExisting *models.SecretManagerConfig) *models.SecretManagerConfig {
	out := incoming.Clone()
	if hydratedExisting == nil || hydratedExisting.EncryptionType != incoming.EncryptionType {
		return out
	}
	prev := map[string]string{}
	for _, a := range hydratedExisting.SecretAttributes() {
		prev[a.Name] = *a.Value
	}
	for _, a := range out.SecretAttributes() {
		if *a.Value == models.SecretMask {
			*a.Value = prev[a.Name]
		}
	}
	return out
}
