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
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secreterrors"
)

// stubEncryptor echoes plaintext and can be told to fail or hang
type stubEncryptor struct {
	kind  models.EncryptionType
	fail  atomic.Bool
	hang  atomic.Bool
	calls atomic.Int32
}

func (s *stubEncryptor) Kind() models.EncryptionType { return s.kind }

func (s *stubEncryptor) do(ctx context.Context) error {
	s.calls.Add(1)
	if s.hang.Load() {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	}
	if s.fail.Load() {
		return errors.New("backend unreachable")
	}
	return nil
}

func (s *stubEncryptor) EncryptSecret(ctx context.Context, _, _ string, plaintext []byte, _ *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return &models.EncryptedRecord{EncryptionKey: "k", EncryptedValue: plaintext}, nil
}

func (s *stubEncryptor) FetchSecretValue(ctx context.Context, _, _ string, r *models.EncryptedRecord, _ *models.SecretManagerConfig) ([]byte, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return r.EncryptedValue, nil
}

func (s *stubEncryptor) CreateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, ErrUnsupportedOperation
}

func (s *stubEncryptor) UpdateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, ErrUnsupportedOperation
}

func (s *stubEncryptor) DeleteSecret(ctx context.Context, _ string, _ *models.EncryptedRecord, _ *models.SecretManagerConfig) error {
	return s.do(ctx)
}

func (s *stubEncryptor) ValidateReference(ctx context.Context, _, ref string, _ *models.SecretManagerConfig) (bool, error) {
	return ref == "ok", s.do(ctx)
}

func (s *stubEncryptor) ValidateConfig(ctx context.Context, _ string, _ *models.SecretManagerConfig) error {
	return s.do(ctx)
}

type renewingStub struct {
	stubEncryptor
	renewed atomic.Int32
}

func (r *renewingStub) RenewToken(context.Context, *models.SecretManagerConfig) error {
	r.renewed.Add(1)
	return nil
}

func testConfig(id string, kind models.EncryptionType) *models.SecretManagerConfig {
	return &models.SecretManagerConfig{ID: id, AccountID: "acc-1", EncryptionType: kind}
}

func TestNewRegistry(t *testing.T) {
	local := &stubEncryptor{kind: models.EncryptionTypeLocal}
	kms := &stubEncryptor{kind: models.EncryptionTypeKMS}

	r, err := NewRegistry(nil, zap.NewNop(), local, kms)
	require.NoError(t, err)
	assert.Equal(t, []models.EncryptionType{models.EncryptionTypeKMS, models.EncryptionTypeLocal}, r.Kinds())

	_, err = NewRegistry(nil, zap.NewNop(), local, &stubEncryptor{kind: models.EncryptionTypeLocal})
	assert.Error(t, err)
}

func TestRegistry_For(t *testing.T) {
	local := &stubEncryptor{kind: models.EncryptionTypeLocal}
	r, err := NewRegistry(nil, zap.NewNop(), local)
	require.NoError(t, err)

	e, err := r.For(testConfig("c1", models.EncryptionTypeLocal))
	require.NoError(t, err)
	assert.Same(t, local, e)

	_, err = r.For(testConfig("c2", models.EncryptionTypeVault))
	var notFound *ErrBackendNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, models.EncryptionTypeVault, notFound.Kind)
}

func TestRegistry_GuardedRoundTrip(t *testing.T) {
	stub := &stubEncryptor{kind: models.EncryptionTypeKMS}
	r, err := NewRegistry(NewGuard(GuardConfig{CallTimeout: time.Second}, zap.NewNop()), zap.NewNop(), stub)
	require.NoError(t, err)
	cfg := testConfig("kms-1", models.EncryptionTypeKMS)
	ctx := context.Background()

	e, err := r.For(cfg)
	require.NoError(t, err)
	assert.Equal(t, models.EncryptionTypeKMS, e.Kind())

	record, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), cfg)
	require.NoError(t, err)
	value, err := e.FetchSecretValue(ctx, "acc-1", "n", record, cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	ok, err := e.ValidateReference(ctx, "acc-1", "ok", cfg)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.CreateSecret(ctx, "acc-1", "p", []byte("v"), cfg)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.NoError(t, e.DeleteSecret(ctx, "acc-1", record, cfg))
	assert.NoError(t, e.ValidateConfig(ctx, "acc-1", cfg))
}

func TestGuard_TimeoutIsRetryable(t *testing.T) {
	stub := &stubEncryptor{kind: models.EncryptionTypeVault}
	stub.hang.Store(true)
	r, err := NewRegistry(NewGuard(GuardConfig{CallTimeout: 20 * time.Millisecond}, zap.NewNop()), zap.NewNop(), stub)
	require.NoError(t, err)
	cfg := testConfig("vault-1", models.EncryptionTypeVault)

	e, err := r.For(cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = e.EncryptSecret(context.Background(), "acc-1", "n", []byte("v"), cfg)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, secreterrors.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuard_CircuitOpensPerConfig(t *testing.T) {
	stub := &stubEncryptor{kind: models.EncryptionTypeKMS}
	stub.fail.Store(true)
	guard := NewGuard(GuardConfig{CallTimeout: time.Second, MaxFailures: 2, OpenTimeout: time.Minute}, zap.NewNop())
	r, err := NewRegistry(guard, zap.NewNop(), stub)
	require.NoError(t, err)

	broken := testConfig("kms-broken", models.EncryptionTypeKMS)
	healthy := testConfig("kms-healthy", models.EncryptionTypeKMS)
	e, err := r.For(broken)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), broken)
		require.Error(t, err)
		assert.False(t, secreterrors.IsRetryable(err))
	}
	assert.Equal(t, gobreaker.StateOpen, guard.State(broken.ID))

	// open circuit short-circuits without calling the backend
	calls := stub.calls.Load()
	_, err = e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), broken)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, secreterrors.IsRetryable(err))
	assert.Equal(t, calls, stub.calls.Load())

	// another config of the same kind is unaffected
	stub.fail.Store(false)
	_, err = e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), healthy)
	assert.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, guard.State(healthy.ID))

	r.Forget(broken.ID)
	assert.Equal(t, gobreaker.StateClosed, guard.State(broken.ID))
}

func TestGuard_UnsupportedDoesNotTrip(t *testing.T) {
	stub := &stubEncryptor{kind: models.EncryptionTypeLocal}
	guard := NewGuard(GuardConfig{MaxFailures: 1}, zap.NewNop())
	r, err := NewRegistry(guard, zap.NewNop(), stub)
	require.NoError(t, err)
	cfg := testConfig("acc-1", models.EncryptionTypeLocal)
	e, err := r.For(cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.UpdateSecret(context.Background(), "acc-1", "p", []byte("v"), cfg)
		assert.ErrorIs(t, err, ErrUnsupportedOperation)
	}
	assert.Equal(t, gobreaker.StateClosed, guard.State(cfg.ID))
}

func TestRegistry_Renew(t *testing.T) {
	vault := &renewingStub{stubEncryptor: stubEncryptor{kind: models.EncryptionTypeVault}}
	kms := &stubEncryptor{kind: models.EncryptionTypeKMS}

	for _, guard := range []*Guard{nil, NewGuard(GuardConfig{}, zap.NewNop())} {
		r, err := NewRegistry(guard, zap.NewNop(), vault, kms)
		require.NoError(t, err)

		renewed, err := r.Renew(context.Background(), testConfig("v1", models.EncryptionTypeVault))
		require.NoError(t, err)
		assert.True(t, renewed)

		renewed, err = r.Renew(context.Background(), testConfig("k1", models.EncryptionTypeKMS))
		require.NoError(t, err)
		assert.False(t, renewed)
	}
	assert.Equal(t, int32(2), vault.renewed.Load())
}
