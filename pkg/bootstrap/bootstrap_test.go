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

package bootstrap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/audit"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption/local"
	"github.com/wso2/api-platform/secret-manager/pkg/features"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secretmanager"
	"github.com/wso2/api-platform/secret-manager/pkg/storage"
)

const seed = `
secretManagers:
  - name: shared-kms
    default: true
    encryptionType: KMS
    kms:
      accessKey: ${TEST_SEED_ACCESS_KEY}
      secretKey: seed-secret
      kmsArn: arn:aws:kms:us-east-1:111122223333:key/shared
      region: us-east-1
  - name: archive-kms
    encryptionType: KMS
    renewalInterval: 1h
    kms:
      accessKey: AKIA-ARCHIVE
      secretKey: archive-secret
      kmsArn: arn:aws:kms:eu-west-1:111122223333:key/archive
      region: eu-west-1
`

type kmsBackend struct{}

func (kmsBackend) Kind() models.EncryptionType { return models.EncryptionTypeKMS }

func (kmsBackend) EncryptSecret(_ context.Context, _, _ string, plaintext []byte, _ *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return &models.EncryptedRecord{EncryptionKey: "kms", EncryptedValue: bytes.Clone(plaintext)}, nil
}

func (kmsBackend) FetchSecretValue(_ context.Context, _, _ string, r *models.EncryptedRecord, _ *models.SecretManagerConfig) ([]byte, error) {
	return bytes.Clone(r.EncryptedValue), nil
}

func (kmsBackend) CreateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, encryption.ErrUnsupportedOperation
}

func (kmsBackend) UpdateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, encryption.ErrUnsupportedOperation
}

func (kmsBackend) DeleteSecret(context.Context, string, *models.EncryptedRecord, *models.SecretManagerConfig) error {
	return nil
}

func (kmsBackend) ValidateReference(context.Context, string, string, *models.SecretManagerConfig) (bool, error) {
	return false, nil
}

func (kmsBackend) ValidateConfig(context.Context, string, *models.SecretManagerConfig) error {
	return nil
}

func newRegistry(t *testing.T) *secretmanager.Registry {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage()
	km, err := local.NewKeyManagerFromBytes([]string{"v1"}, [][]byte{bytes.Repeat([]byte{0x44}, encryption.AESKeySize)}, logger)
	require.NoError(t, err)
	encryptors, err := encryption.NewRegistry(encryption.NewGuard(encryption.GuardConfig{}, logger), logger,
		local.NewEncryptor(km, logger), kmsBackend{})
	require.NoError(t, err)
	return secretmanager.NewRegistry(store, encryptors,
		features.NewStatic(models.DefaultGlobalAccountID, true), audit.NewLogSink(logger), audit.NewTrail(store, logger),
		secretmanager.Options{}, logger)
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_SEED_ACCESS_KEY", "AKIA-FROM-ENV")

	f, err := Parse([]byte(seed))
	require.NoError(t, err)
	require.Len(t, f.SecretManagers, 2)
	assert.Equal(t, "AKIA-FROM-ENV", f.SecretManagers[0].KMS.AccessKey)
	assert.True(t, f.SecretManagers[0].Default)
	assert.Equal(t, "1h0m0s", f.SecretManagers[1].RenewalInterval.String())
}

func TestParse_RejectsDuplicateNames(t *testing.T) {
	_, err := Parse([]byte(`
secretManagers:
  - name: a
    encryptionType: LOCAL
  - name: a
    encryptionType: LOCAL
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestSeed_IsIdempotent(t *testing.T) {
	t.Setenv("TEST_SEED_ACCESS_KEY", "AKIA-FROM-ENV")
	ctx := context.Background()
	registry := newRegistry(t)
	f, err := Parse([]byte(seed))
	require.NoError(t, err)

	res, err := Seed(ctx, registry, f, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, &Result{Created: 2}, res)

	res, err = Seed(ctx, registry, f, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, &Result{Updated: 2}, res)

	configs, err := registry.List(ctx, models.DefaultGlobalAccountID, false)
	require.NoError(t, err)
	assert.Len(t, configs, 2)

	// accounts without a default of their own fall back to the seeded one
	cfg, err := registry.ResolveForUse(ctx, "acc-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "shared-kms", cfg.Name)
	assert.Equal(t, "AKIA-FROM-ENV", cfg.KMS.AccessKey)
}

func TestSeed_ReportsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)
	f, err := Parse([]byte(`
secretManagers:
  - name: broken
    encryptionType: KMS
    kms:
      region: us-east-1
  - name: archive-kms
    encryptionType: KMS
    kms:
      accessKey: AKIA-ARCHIVE
      secretKey: archive-secret
      kmsArn: arn:aws:kms:eu-west-1:111122223333:key/archive
      region: eu-west-1
`))
	require.NoError(t, err)

	res, err := Seed(ctx, registry, f, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"broken"`)
	assert.Equal(t, 1, res.Created)
}

func TestSeedFile(t *testing.T) {
	t.Setenv("TEST_SEED_ACCESS_KEY", "AKIA-FROM-ENV")
	ctx := context.Background()
	registry := newRegistry(t)

	res, err := SeedFile(ctx, registry, "", zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, res.Created)

	_, err = SeedFile(ctx, registry, filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop())
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))
	res, err = SeedFile(ctx, registry, path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
}
