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

// Package vault implements the VAULT backend on a KV v2 secret engine. Values live in Vault;
// the stored record only carries the path.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

const (
	// valueKey is the data key used for values written by this backend
	valueKey = "value"

	// encodingKey marks how valueKey is encoded; values this backend writes are base64
	encodingKey    = "encoding"
	encodingBase64 = "base64"

	// referenceSeparator splits "path#key" references
	referenceSeparator = "#"
)

// Option configures the encryptor
type Option func(*Encryptor)

// WithConnector replaces session construction, used by tests
func WithConnector(c Connector) Option {
	return func(e *Encryptor) {
		e.connect = c
	}
}

// Encryptor implements encryption.Encryptor and encryption.Renewer for VAULT configs
type Encryptor struct {
	connect Connector
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]Session
}

// NewEncryptor creates a Vault encryptor
func NewEncryptor(logger *zap.Logger, opts ...Option) *Encryptor {
	e := &Encryptor{
		connect:  Connect,
		logger:   logger,
		sessions: make(map[string]Session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Kind returns VAULT
func (e *Encryptor) Kind() models.EncryptionType {
	return models.EncryptionTypeVault
}

func (e *Encryptor) session(ctx context.Context, cfg *models.SecretManagerConfig) (Session, error) {
	v := cfg.Vault
	if v == nil || v.VaultURL == "" || v.SecretEngineName == "" {
		return nil, fmt.Errorf("vault config %s is missing url or secret engine", cfg.ID)
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{v.VaultURL, v.Namespace, v.SecretEngineName, v.AuthToken, v.AppRoleID, v.SecretID}, "\x00")))
	cacheKey := cfg.ID + "/" + hex.EncodeToString(sum[:8])

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[cacheKey]; ok {
		return s, nil
	}
	s, err := e.connect(ctx, v)
	if err != nil {
		return nil, err
	}
	e.sessions[cacheKey] = s
	return s, nil
}

// secretPath is where EncryptSecret stores a named value. The config id keeps two configs
// sharing one engine and base path apart.
func secretPath(cfg *models.SecretManagerConfig, accountID, name string) string {
	return path.Join(cfg.Vault.BasePath, accountID, cfg.ID, name)
}

// splitReference parses "path#key"; the key defaults to valueKey
func splitReference(reference string) (string, string) {
	p, key, found := strings.Cut(reference, referenceSeparator)
	if !found || key == "" {
		return strings.TrimSpace(p), valueKey
	}
	return strings.TrimSpace(p), key
}

// EncryptSecret writes plaintext under the config base path
func (e *Encryptor) EncryptSecret(ctx context.Context, accountID, name string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	s, err := e.session(ctx, cfg)
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: err}
	}
	p := secretPath(cfg, accountID, name)
	version, err := s.Write(ctx, p, map[string]interface{}{
		valueKey:    base64.StdEncoding.EncodeToString(plaintext),
		encodingKey: encodingBase64,
	})
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: fmt.Errorf("write %s: %w", p, err)}
	}

	e.logger.Debug("Stored secret in vault",
		zap.String("account_id", accountID),
		zap.String("config_id", cfg.ID),
		zap.String("path", p),
		zap.Int("version", version))
	return &models.EncryptedRecord{EncryptionKey: p}, nil
}

// FetchSecretValue reads the value at the record's path or reference
func (e *Encryptor) FetchSecretValue(ctx context.Context, accountID, name string, record *models.EncryptedRecord, cfg *models.SecretManagerConfig) ([]byte, error) {
	s, err := e.session(ctx, cfg)
	if err != nil {
		return nil, &encryption.ErrDecryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: err}
	}

	locator := record.EncryptionKey
	if record.Path != "" {
		locator = record.Path
	}
	p, key := splitReference(locator)

	data, found, err := s.Read(ctx, p)
	if err != nil {
		return nil, &encryption.ErrDecryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: fmt.Errorf("read %s: %w", p, err)}
	}
	if !found {
		return nil, &encryption.ErrDecryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: fmt.Errorf("no secret found at %s", p)}
	}
	value, ok := data[key]
	if !ok {
		return nil, &encryption.ErrDecryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: fmt.Errorf("key %q not present at %s", key, p)}
	}

	e.logger.Debug("Read secret from vault",
		zap.String("account_id", accountID),
		zap.String("name", name),
		zap.String("path", p))

	// caller-owned references hold plain strings; values written before the encoding
	// marker existed are read as they are
	if record.Path == "" && key == valueKey && data[encodingKey] == encodingBase64 {
		encoded, _ := value.(string)
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, &encryption.ErrDecryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: fmt.Errorf("decode %s: %w", p, err)}
		}
		return decoded, nil
	}
	return []byte(fmt.Sprint(value)), nil
}

// CreateSecret writes plaintext at a caller-owned path
func (e *Encryptor) CreateSecret(ctx context.Context, accountID, reference string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return e.writePath(ctx, accountID, reference, plaintext, cfg)
}

// UpdateSecret overwrites the value at a caller-owned path
func (e *Encryptor) UpdateSecret(ctx context.Context, accountID, reference string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return e.writePath(ctx, accountID, reference, plaintext, cfg)
}

func (e *Encryptor) writePath(ctx context.Context, accountID, reference string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	s, err := e.session(ctx, cfg)
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: err}
	}
	p, key := splitReference(reference)
	if p == "" {
		return nil, &encryption.ErrEncryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: fmt.Errorf("empty secret path")}
	}
	// values at caller-owned keys stay plain strings for other readers of the path
	if !utf8.Valid(plaintext) {
		return nil, &encryption.ErrEncryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: fmt.Errorf("value for %s is not valid UTF-8", reference)}
	}
	// other keys stored at the same path are preserved
	data, _, err := s.Read(ctx, p)
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: fmt.Errorf("read %s: %w", p, err)}
	}
	if data == nil {
		data = make(map[string]interface{}, 1)
	}
	data[key] = string(plaintext)
	if _, err := s.Write(ctx, p, data); err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: string(models.EncryptionTypeVault), Cause: fmt.Errorf("write %s: %w", p, err)}
	}
	e.logger.Debug("Wrote secret at vault path",
		zap.String("account_id", accountID),
		zap.String("config_id", cfg.ID),
		zap.String("path", p))
	return &models.EncryptedRecord{EncryptionKey: reference, Path: reference}, nil
}

// DeleteSecret removes values this backend wrote. Caller-owned paths are left in place.
func (e *Encryptor) DeleteSecret(ctx context.Context, accountID string, record *models.EncryptedRecord, cfg *models.SecretManagerConfig) error {
	if record.Path != "" || record.EncryptionKey == "" {
		return nil
	}
	s, err := e.session(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.Delete(ctx, record.EncryptionKey); err != nil {
		return fmt.Errorf("delete %s: %w", record.EncryptionKey, err)
	}
	e.logger.Debug("Deleted secret from vault",
		zap.String("account_id", accountID),
		zap.String("path", record.EncryptionKey))
	return nil
}

// ValidateReference reports whether "path#key" resolves to a stored value
func (e *Encryptor) ValidateReference(ctx context.Context, _ string, reference string, cfg *models.SecretManagerConfig) (bool, error) {
	p, key := splitReference(reference)
	if p == "" {
		return false, nil
	}
	s, err := e.session(ctx, cfg)
	if err != nil {
		return false, err
	}
	data, found, err := s.Read(ctx, p)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	_, ok := data[key]
	return ok, nil
}

// ValidateConfig checks that the configured credentials yield a valid token
func (e *Encryptor) ValidateConfig(ctx context.Context, _ string, cfg *models.SecretManagerConfig) error {
	s, err := e.session(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.LookupSelf(ctx); err != nil {
		e.forget(cfg.ID)
		return fmt.Errorf("vault token lookup failed: %w", err)
	}
	return nil
}

// RenewToken extends the lease of the config's token
func (e *Encryptor) RenewToken(ctx context.Context, cfg *models.SecretManagerConfig) error {
	s, err := e.session(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.RenewSelf(ctx); err != nil {
		e.forget(cfg.ID)
		return fmt.Errorf("vault token renewal failed: %w", err)
	}
	e.logger.Info("Renewed vault token", zap.String("config_id", cfg.ID))
	return nil
}

// forget drops cached sessions of a config so the next call logs in again
func (e *Encryptor) forget(configID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.sessions {
		if strings.HasPrefix(k, configID+"/") {
			delete(e.sessions, k)
		}
	}
}
