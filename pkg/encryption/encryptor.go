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

// Package encryption defines the contract every secret backend implements and the
// registry that maps a secret manager config to its backend.
package encryption

import (
	"context"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// Encryptor is implemented once per backend kind. The config passed to each call is fully
// hydrated: secret-valued attributes hold plaintext credentials and templatized fields are filled.
type Encryptor interface {
	// Kind returns the backend kind served by this encryptor
	Kind() models.EncryptionType

	// EncryptSecret protects plaintext under the config and returns what must be stored
	EncryptSecret(ctx context.Context, accountID, name string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error)

	// FetchSecretValue recovers the plaintext of a stored record
	FetchSecretValue(ctx context.Context, accountID, name string, record *models.EncryptedRecord, cfg *models.SecretManagerConfig) ([]byte, error)

	// CreateSecret writes plaintext at a named path owned by the caller
	CreateSecret(ctx context.Context, accountID, path string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error)

	// UpdateSecret overwrites the value at a named path
	UpdateSecret(ctx context.Context, accountID, path string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error)

	// DeleteSecret removes backend-side state of a record. Backends that keep nothing
	// outside the stored ciphertext return nil.
	DeleteSecret(ctx context.Context, accountID string, record *models.EncryptedRecord, cfg *models.SecretManagerConfig) error

	// ValidateReference reports whether a caller-supplied path resolves to an existing secret
	ValidateReference(ctx context.Context, accountID, reference string, cfg *models.SecretManagerConfig) (bool, error)

	// ValidateConfig checks connectivity and credentials of a config
	ValidateConfig(ctx context.Context, accountID string, cfg *models.SecretManagerConfig) error
}

// Renewer is implemented by backends whose credentials expire
type Renewer interface {
	RenewToken(ctx context.Context, cfg *models.SecretManagerConfig) error
}
