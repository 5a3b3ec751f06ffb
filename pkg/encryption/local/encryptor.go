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

// Package local implements the LOCAL backend: envelope encryption with a per-record data key
// wrapped by a key-encryption key derived per account from a versioned master key.
package local

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

const providerName = "local"

// Encryptor implements encryption.Encryptor for LOCAL configs
type Encryptor struct {
	keys   *KeyManager
	logger *zap.Logger
}

// NewEncryptor creates the local encryptor over loaded master keys
func NewEncryptor(keys *KeyManager, logger *zap.Logger) *Encryptor {
	logger.Info("Local encryptor initialized", zap.String("primary_key_version", keys.PrimaryVersion()))
	return &Encryptor{keys: keys, logger: logger}
}

// Kind returns LOCAL
func (e *Encryptor) Kind() models.EncryptionType {
	return models.EncryptionTypeLocal
}

func (e *Encryptor) keyVersion(cfg *models.SecretManagerConfig) string {
	if cfg != nil && cfg.Local != nil && cfg.Local.KeyVersion != "" {
		return cfg.Local.KeyVersion
	}
	return e.keys.PrimaryVersion()
}

// deriveKEK derives the account key-encryption key from the master key
func deriveKEK(master []byte, accountID string) ([]byte, error) {
	kek := make([]byte, encryption.AESKeySize)
	r := hkdf.New(sha256.New, master, nil, []byte("secret-manager/"+accountID))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("failed to derive key-encryption key: %w", err)
	}
	return kek, nil
}

func (e *Encryptor) withKEK(version, accountID string, fn func(kek []byte) error) error {
	return e.keys.WithKey(version, func(master []byte) error {
		kek, err := deriveKEK(master, accountID)
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(kek)
		return fn(kek)
	})
}

// EncryptSecret seals plaintext under a fresh data key and wraps the data key
func (e *Encryptor) EncryptSecret(_ context.Context, accountID, name string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	version := e.keyVersion(cfg)
	if !e.keys.HasVersion(version) {
		return nil, &encryption.ErrEncryptionFailed{Backend: providerName, Cause: fmt.Errorf("key version not found: %s", version)}
	}

	dek, err := encryption.GenerateDataKey()
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: providerName, Cause: err}
	}
	defer memguard.WipeBytes(dek)

	ciphertext, err := encryption.Seal(dek, plaintext, []byte(accountID))
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: providerName, Cause: err}
	}

	var wrapped []byte
	err = e.withKEK(version, accountID, func(kek []byte) error {
		var sealErr error
		wrapped, sealErr = encryption.Seal(kek, dek, nil)
		return sealErr
	})
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: providerName, Cause: err}
	}

	e.logger.Debug("Encrypted secret with local backend",
		zap.String("account_id", accountID),
		zap.String("name", name),
		zap.String("key_version", version),
		zap.Int("ciphertext_size", len(ciphertext)))

	return &models.EncryptedRecord{
		EncryptionKey: encryption.MarshalPayload(&encryption.EncryptedPayload{
			Provider:   providerName,
			KeyVersion: version,
			Ciphertext: wrapped,
		}),
		EncryptedValue: ciphertext,
	}, nil
}

// FetchSecretValue unwraps the data key and opens the stored ciphertext
func (e *Encryptor) FetchSecretValue(_ context.Context, accountID, name string, record *models.EncryptedRecord, _ *models.SecretManagerConfig) ([]byte, error) {
	payload, err := encryption.UnmarshalPayload(record.EncryptionKey)
	if err != nil {
		return nil, &encryption.ErrDecryptionFailed{Backend: providerName, Cause: err}
	}
	if payload.Provider != providerName {
		return nil, &encryption.ErrDecryptionFailed{Backend: providerName, Cause: fmt.Errorf("record was wrapped by provider %s", payload.Provider)}
	}

	var dek []byte
	err = e.withKEK(payload.KeyVersion, accountID, func(kek []byte) error {
		var openErr error
		dek, openErr = encryption.Open(kek, payload.Ciphertext, nil)
		return openErr
	})
	if err != nil {
		return nil, &encryption.ErrDecryptionFailed{Backend: providerName, Cause: err}
	}
	defer memguard.WipeBytes(dek)

	plaintext, err := encryption.Open(dek, record.EncryptedValue, []byte(accountID))
	if err != nil {
		return nil, &encryption.ErrDecryptionFailed{Backend: providerName, Cause: err}
	}

	e.logger.Debug("Decrypted secret with local backend",
		zap.String("account_id", accountID),
		zap.String("name", name),
		zap.String("key_version", payload.KeyVersion))
	return plaintext, nil
}

// CreateSecret is not supported: local secrets have no named paths
func (e *Encryptor) CreateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, encryption.ErrUnsupportedOperation
}

// UpdateSecret is not supported: local secrets have no named paths
func (e *Encryptor) UpdateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, encryption.ErrUnsupportedOperation
}

// DeleteSecret is a no-op; all state lives in the stored record
func (e *Encryptor) DeleteSecret(context.Context, string, *models.EncryptedRecord, *models.SecretManagerConfig) error {
	return nil
}

// ValidateReference always reports false; references are meaningless for local secrets
func (e *Encryptor) ValidateReference(context.Context, string, string, *models.SecretManagerConfig) (bool, error) {
	return false, nil
}

// ValidateConfig checks that the pinned key version is loaded
func (e *Encryptor) ValidateConfig(_ context.Context, _ string, cfg *models.SecretManagerConfig) error {
	version := e.keyVersion(cfg)
	if !e.keys.HasVersion(version) {
		return fmt.Errorf("master key version %q is not loaded", version)
	}
	return nil
}
