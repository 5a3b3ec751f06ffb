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

package encryption

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// Registry maps a backend kind to its encryptor. It is the only place that branches on kind.
type Registry struct {
	encryptors map[models.EncryptionType]Encryptor
	guard      *Guard
	logger     *zap.Logger
}

// NewRegistry creates a registry over the given encryptors. Calls through the registry are
// bounded by guard when it is non-nil.
func NewRegistry(guard *Guard, logger *zap.Logger, encryptors ...Encryptor) (*Registry, error) {
	r := &Registry{
		encryptors: make(map[models.EncryptionType]Encryptor, len(encryptors)),
		guard:      guard,
		logger:     logger,
	}
	for _, e := range encryptors {
		if _, exists := r.encryptors[e.Kind()]; exists {
			return nil, fmt.Errorf("duplicate encryptor for kind %s", e.Kind())
		}
		r.encryptors[e.Kind()] = e
	}

	logger.Info("Initialized encryptor registry", zap.Strings("kinds", kindStrings(r.Kinds())))
	return r, nil
}

// For returns the encryptor serving a config's kind
func (r *Registry) For(cfg *models.SecretManagerConfig) (Encryptor, error) {
	e, ok := r.encryptors[cfg.EncryptionType]
	if !ok {
		return nil, &ErrBackendNotFound{Kind: cfg.EncryptionType}
	}
	if r.guard == nil {
		return e, nil
	}
	return &guardedEncryptor{inner: e, guard: r.guard}, nil
}

// Kinds returns the registered backend kinds in sorted order
func (r *Registry) Kinds() []models.EncryptionType {
	kinds := make([]models.EncryptionType, 0, len(r.encryptors))
	for k := range r.encryptors {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Renew renews the credentials of cfg when its backend supports renewal.
// It reports whether a renewal was performed.
func (r *Registry) Renew(ctx context.Context, cfg *models.SecretManagerConfig) (bool, error) {
	e, err := r.For(cfg)
	if err != nil {
		return false, err
	}
	renewer, ok := e.(Renewer)
	if !ok {
		return false, nil
	}
	if err := renewer.RenewToken(ctx, cfg); err != nil {
		if errors.Is(err, ErrUnsupportedOperation) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Forget releases per-config state held for a deleted config
func (r *Registry) Forget(configID string) {
	if r.guard != nil {
		r.guard.Forget(configID)
	}
}

func kindStrings(kinds []models.EncryptionType) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// guardedEncryptor bounds every call of the wrapped encryptor through the guard
type guardedEncryptor struct {
	inner Encryptor
	guard *Guard
}

func (g *guardedEncryptor) Kind() models.EncryptionType {
	return g.inner.Kind()
}

func (g *guardedEncryptor) EncryptSecret(ctx context.Context, accountID, name string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return guardedCall(ctx, g.guard, g.Kind(), cfg, "encrypt", func(ctx context.Context) (*models.EncryptedRecord, error) {
		return g.inner.EncryptSecret(ctx, accountID, name, plaintext, cfg)
	})
}

func (g *guardedEncryptor) FetchSecretValue(ctx context.Context, accountID, name string, record *models.EncryptedRecord, cfg *models.SecretManagerConfig) ([]byte, error) {
	return guardedCall(ctx, g.guard, g.Kind(), cfg, "fetch", func(ctx context.Context) ([]byte, error) {
		return g.inner.FetchSecretValue(ctx, accountID, name, record, cfg)
	})
}

func (g *guardedEncryptor) CreateSecret(ctx context.Context, accountID, path string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return guardedCall(ctx, g.guard, g.Kind(), cfg, "create", func(ctx context.Context) (*models.EncryptedRecord, error) {
		return g.inner.CreateSecret(ctx, accountID, path, plaintext, cfg)
	})
}

func (g *guardedEncryptor) UpdateSecret(ctx context.Context, accountID, path string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return guardedCall(ctx, g.guard, g.Kind(), cfg, "update", func(ctx context.Context) (*models.EncryptedRecord, error) {
		return g.inner.UpdateSecret(ctx, accountID, path, plaintext, cfg)
	})
}

func (g *guardedEncryptor) DeleteSecret(ctx context.Context, accountID string, record *models.EncryptedRecord, cfg *models.SecretManagerConfig) error {
	_, err := guardedCall(ctx, g.guard, g.Kind(), cfg, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.DeleteSecret(ctx, accountID, record, cfg)
	})
	return err
}

func (g *guardedEncryptor) ValidateReference(ctx context.Context, accountID, reference string, cfg *models.SecretManagerConfig) (bool, error) {
	return guardedCall(ctx, g.guard, g.Kind(), cfg, "validate_reference", func(ctx context.Context) (bool, error) {
		return g.inner.ValidateReference(ctx, accountID, reference, cfg)
	})
}

func (g *guardedEncryptor) ValidateConfig(ctx context.Context, accountID string, cfg *models.SecretManagerConfig) error {
	_, err := guardedCall(ctx, g.guard, g.Kind(), cfg, "validate_config", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.ValidateConfig(ctx, accountID, cfg)
	})
	return err
}

func (g *guardedEncryptor) RenewToken(ctx context.Context, cfg *models.SecretManagerConfig) error {
	renewer, ok := g.inner.(Renewer)
	if !ok {
		return ErrUnsupportedOperation
	}
	_, err := guardedCall(ctx, g.guard, g.Kind(), cfg, "renew", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, renewer.RenewToken(ctx, cfg)
	})
	return err
}
