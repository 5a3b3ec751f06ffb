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
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/audit"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption/local"
	"github.com/wso2/api-platform/secret-manager/pkg/features"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secreterrors"
	"github.com/wso2/api-platform/secret-manager/pkg/storage"
)

const (
	testAccount = "acc-1"
	globalID    = models.DefaultGlobalAccountID
)

// fakeBackend stores nothing remotely and remembers the configs it was handed
type fakeBackend struct {
	kind models.EncryptionType

	mu        sync.Mutex
	rejectCfg bool
	validated []*models.SecretManagerConfig
	renewals  int
}

func (f *fakeBackend) Kind() models.EncryptionType { return f.kind }

func (f *fakeBackend) EncryptSecret(_ context.Context, _, _ string, plaintext []byte, _ *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return &models.EncryptedRecord{EncryptionKey: "fake", EncryptedValue: bytes.Clone(plaintext)}, nil
}

func (f *fakeBackend) FetchSecretValue(_ context.Context, _, _ string, r *models.EncryptedRecord, _ *models.SecretManagerConfig) ([]byte, error) {
	return bytes.Clone(r.EncryptedValue), nil
}

func (f *fakeBackend) CreateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, encryption.ErrUnsupportedOperation
}

func (f *fakeBackend) UpdateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, encryption.ErrUnsupportedOperation
}

func (f *fakeBackend) DeleteSecret(context.Context, string, *models.EncryptedRecord, *models.SecretManagerConfig) error {
	return nil
}

func (f *fakeBackend) ValidateReference(context.Context, string, string, *models.SecretManagerConfig) (bool, error) {
	return false, nil
}

func (f *fakeBackend) ValidateConfig(_ context.Context, _ string, cfg *models.SecretManagerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, cfg.Clone())
	if f.rejectCfg {
		return errors.New("invalid credentials")
	}
	return nil
}

func (f *fakeBackend) RenewToken(context.Context, *models.SecretManagerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	return nil
}

type fixture struct {
	store    *storage.MemoryStorage
	registry *Registry
	flags    *features.Static
	trail    *audit.Trail
	sink     *audit.StoreSink
	kms      *fakeBackend
	vault    *fakeBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage()

	km, err := local.NewKeyManagerFromBytes([]string{"v1"}, [][]byte{bytes.Repeat([]byte{0x11}, encryption.AESKeySize)}, logger)
	require.NoError(t, err)
	kms := &fakeBackend{kind: models.EncryptionTypeKMS}
	vault := &fakeBackend{kind: models.EncryptionTypeVault}
	encryptors, err := encryption.NewRegistry(encryption.NewGuard(encryption.GuardConfig{}, logger), logger,
		local.NewEncryptor(km, logger), kms, vault)
	require.NoError(t, err)

	flags := features.NewStatic(globalID, true)
	trail := audit.NewTrail(store, logger)
	sink := audit.NewStoreSink(store)
	registry := NewRegistry(store, encryptors, flags, sink, trail,
		Options{GlobalAccountID: globalID, LocalFallbackEnabled: true}, logger)

	return &fixture{store: store, registry: registry, flags: flags, trail: trail, sink: sink, kms: kms, vault: vault}
}

func kmsConfig(name string, isDefault bool) *models.SecretManagerConfig {
	return &models.SecretManagerConfig{
		Name:           name,
		Default:        isDefault,
		EncryptionType: models.EncryptionTypeKMS,
		KMS: &models.KMSConfig{
			AccessKey: "AKIA-" + name,
			SecretKey: "secret-" + name,
			KMSArn:    "arn:aws:kms:us-east-1:111122223333:key/" + name,
			Region:    "us-east-1",
		},
	}
}

func vaultConfig(name string) *models.SecretManagerConfig {
	return &models.SecretManagerConfig{
		Name:           name,
		EncryptionType: models.EncryptionTypeVault,
		Vault: &models.VaultConfig{
			VaultURL:         "https://vault.example.com",
			AuthToken:        "s.token-" + name,
			SecretEngineName: "secret",
		},
	}
}

func (f *fixture) save(t *testing.T, accountID string, cfg *models.SecretManagerConfig) *models.SecretManagerConfig {
	t.Helper()
	saved, err := f.registry.Save(context.Background(), accountID, cfg, false)
	require.NoError(t, err)
	return saved
}

func (f *fixture) defaultID(t *testing.T, accountID string) string {
	t.Helper()
	cfg, err := f.registry.GetDefault(context.Background(), accountID)
	if errors.Is(err, secreterrors.ErrNoSecretManager) {
		return ""
	}
	require.NoError(t, err)
	return cfg.ID
}
