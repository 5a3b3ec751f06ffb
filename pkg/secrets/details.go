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

package secrets

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secreterrors"
)

// Consumer is an entity whose fields hold secret record ids
type Consumer struct {
	models.Parent
	// Fields maps a field name of the entity to the id of the record it references
	Fields map[string]string
}

// EncryptionDetail is everything needed to materialize one field of a consumer
type EncryptionDetail struct {
	Field    string
	RecordID string
	Name     string
	Record   *models.EncryptedRecord
	// Config is hydrated with plaintext credentials and must not leave the process
	Config *models.SecretManagerConfig
}

// GetEncryptionDetails resolves the records referenced by a consumer's fields together with the
// secret manager each one needs, and appends one usage log entry per resolved record.
// Usage restrictions of records that are not account scoped are checked against usage.AppID
// and usage.EnvID when an app is given.
func (s *SecretService) GetEncryptionDetails(ctx context.Context, accountID string, consumer Consumer,
	usage models.UsageContext, runtimeParams map[string]string) (details []*EncryptionDetail, err error) {
	defer observe("encryption_details", time.Now(), &err)

	if usage.EntityID == "" {
		usage.EntityID = consumer.EntityID
	}
	if usage.EntityType == "" {
		usage.EntityType = consumer.EntityType
	}

	fields := make([]string, 0, len(consumer.Fields))
	for f, ref := range consumer.Fields {
		if ref != "" {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)

	configs := map[string]*models.SecretManagerConfig{}
	for _, field := range fields {
		id := consumer.Fields[field]
		data, err := s.load(ctx, accountID, id)
		if err != nil {
			return nil, err
		}
		if data.Type == models.SecretTypeSecretManagerCredential {
			return nil, secreterrors.InvalidRequest(accountID, id, "secret manager credentials cannot be referenced")
		}
		if !data.Enabled {
			return nil, secreterrors.InvalidRequest(accountID, id, "secret %q is disabled", data.Name)
		}
		if !data.ScopedToAccount && usage.AppID != "" && !data.UsageRestrictions.Allows(usage.AppID, usage.EnvID) {
			return nil, secreterrors.InvalidRequest(accountID, id,
				"secret %q cannot be used by app %s in env %s", data.Name, usage.AppID, usage.EnvID)
		}

		cfg, ok := configs[data.KmsID]
		if !ok {
			cfg, err = s.registry.ResolveForUse(ctx, accountID, data.KmsID, runtimeParams)
			if err != nil {
				return nil, s.resolveError(accountID, id, err)
			}
			configs[data.KmsID] = cfg
		}

		details = append(details, &EncryptionDetail{
			Field:    field,
			RecordID: data.ID,
			Name:     data.Name,
			Record:   data.Record(),
			Config:   cfg,
		})
	}

	for _, d := range details {
		if err := s.trail.RecordUsage(ctx, accountID, d.RecordID, usage); err != nil {
			return nil, secreterrors.SecretManagement(accountID, d.RecordID, err, "failed to write usage log")
		}
	}

	s.logger.Debug("Resolved encryption details",
		zap.String("account_id", accountID),
		zap.String("entity_id", consumer.EntityID),
		zap.String("entity_type", consumer.EntityType),
		zap.Int("count", len(details)))
	return details, nil
}

// Decrypt materializes plaintext for resolved details keyed by field name. It writes no usage log.
func (s *SecretService) Decrypt(ctx context.Context, accountID string, details []*EncryptionDetail) (values map[string][]byte, err error) {
	defer observe("decrypt", time.Now(), &err)

	values = make(map[string][]byte, len(details))
	for _, d := range details {
		enc, err := s.registry.Encryptor(d.Config)
		if err != nil {
			return nil, err
		}
		plaintext, err := enc.FetchSecretValue(ctx, accountID, d.Name, d.Record, d.Config)
		if err != nil {
			s.logger.Error("Failed to decrypt secret",
				zap.String("account_id", accountID),
				zap.String("secret_id", d.RecordID),
				zap.String("config_id", d.Config.ID),
				zap.Error(err))
			return nil, secreterrors.SecretManagement(accountID, d.RecordID, err, "decryption failed")
		}
		values[d.Field] = plaintext
	}
	return values, nil
}
