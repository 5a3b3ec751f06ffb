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

package kms

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

const testArn = "arn:aws:kms:us-east-1:111122223333:key/1234abcd"

// fakeKMS wraps data keys with a fixed master key
type fakeKMS struct {
	master    []byte
	enabled   bool
	failDecr  bool
	generated atomic.Int32
	lastCtx   map[string]string
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{master: bytes.Repeat([]byte{0x42}, encryption.AESKeySize), enabled: true}
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if aws.ToString(in.KeyId) != testArn {
		return nil, errors.New("NotFoundException: key not found")
	}
	f.generated.Add(1)
	f.lastCtx = in.EncryptionContext
	dek, err := encryption.GenerateDataKey()
	if err != nil {
		return nil, err
	}
	blob, err := encryption.Seal(f.master, dek, []byte(in.EncryptionContext["accountId"]))
	if err != nil {
		return nil, err
	}
	return &kms.GenerateDataKeyOutput{Plaintext: dek, CiphertextBlob: blob, KeyId: in.KeyId}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.failDecr {
		return nil, errors.New("AccessDeniedException")
	}
	dek, err := encryption.Open(f.master, in.CiphertextBlob, []byte(in.EncryptionContext["accountId"]))
	if err != nil {
		return nil, errors.New("InvalidCiphertextException")
	}
	return &kms.DecryptOutput{Plaintext: dek, KeyId: in.KeyId}, nil
}

func (f *fakeKMS) DescribeKey(_ context.Context, in *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	if aws.ToString(in.KeyId) != testArn {
		return nil, errors.New("NotFoundException")
	}
	return &kms.DescribeKeyOutput{KeyMetadata: &types.KeyMetadata{
		KeyId:    in.KeyId,
		Enabled:  f.enabled,
		KeyUsage: types.KeyUsageTypeEncryptDecrypt,
	}}, nil
}

func newTestConfig() *models.SecretManagerConfig {
	return &models.SecretManagerConfig{
		ID:             "kms-1",
		AccountID:      "acc-1",
		Name:           "aws",
		EncryptionType: models.EncryptionTypeKMS,
		KMS: &models.KMSConfig{
			AccessKey: "AKIA",
			SecretKey: "secret",
			KMSArn:    testArn,
			Region:    "us-east-1",
		},
	}
}

func newTestEncryptor(fake *fakeKMS, built *atomic.Int32) *Encryptor {
	return NewEncryptor(zap.NewNop(), WithClientFactory(func(context.Context, *models.KMSConfig) (KMSAPI, error) {
		if built != nil {
			built.Add(1)
		}
		return fake, nil
	}))
}

func TestEncryptor_RoundTrip(t *testing.T) {
	fake := newFakeKMS()
	e := newTestEncryptor(fake, nil)
	cfg := newTestConfig()
	ctx := context.Background()

	record, err := e.EncryptSecret(ctx, "acc-1", "api-key", []byte("hunter2"), cfg)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"accountId": "acc-1"}, fake.lastCtx)

	payload, err := encryption.UnmarshalPayload(record.EncryptionKey)
	require.NoError(t, err)
	assert.Equal(t, "kms", payload.Provider)

	plaintext, err := e.FetchSecretValue(ctx, "acc-1", "api-key", record, cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), plaintext)
}

func TestEncryptor_ClientCache(t *testing.T) {
	fake := newFakeKMS()
	var built atomic.Int32
	e := newTestEncryptor(fake, &built)
	cfg := newTestConfig()

	for i := 0; i < 3; i++ {
		_, err := e.EncryptSecret(context.Background(), "acc-1", "n", []byte("v"), cfg)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), built.Load())
	assert.Equal(t, int32(3), fake.generated.Load())

	// rotated credentials build a new client
	cfg.KMS.SecretKey = "rotated"
	_, err := e.EncryptSecret(context.Background(), "acc-1", "n", []byte("v"), cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(2), built.Load())
}

func TestEncryptor_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing arn", func(t *testing.T) {
		e := newTestEncryptor(newFakeKMS(), nil)
		cfg := newTestConfig()
		cfg.KMS.KMSArn = ""
		_, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), cfg)
		var encErr *encryption.ErrEncryptionFailed
		assert.ErrorAs(t, err, &encErr)
	})

	t.Run("unknown key", func(t *testing.T) {
		e := newTestEncryptor(newFakeKMS(), nil)
		cfg := newTestConfig()
		cfg.KMS.KMSArn = "arn:aws:kms:us-east-1:111122223333:key/other"
		_, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), cfg)
		assert.Error(t, err)
		assert.Error(t, e.ValidateConfig(ctx, "acc-1", cfg))
	})

	t.Run("decrypt denied", func(t *testing.T) {
		fake := newFakeKMS()
		e := newTestEncryptor(fake, nil)
		cfg := newTestConfig()
		record, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), cfg)
		require.NoError(t, err)

		fake.failDecr = true
		_, err = e.FetchSecretValue(ctx, "acc-1", "n", record, cfg)
		var decErr *encryption.ErrDecryptionFailed
		assert.ErrorAs(t, err, &decErr)
	})

	t.Run("wrong account", func(t *testing.T) {
		e := newTestEncryptor(newFakeKMS(), nil)
		cfg := newTestConfig()
		record, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), cfg)
		require.NoError(t, err)
		_, err = e.FetchSecretValue(ctx, "acc-2", "n", record, cfg)
		assert.Error(t, err)
	})

	t.Run("client factory error", func(t *testing.T) {
		e := NewEncryptor(zap.NewNop(), WithClientFactory(func(context.Context, *models.KMSConfig) (KMSAPI, error) {
			return nil, errors.New("no credentials")
		}))
		_, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), newTestConfig())
		assert.ErrorContains(t, err, "no credentials")
	})
}

func TestEncryptor_ValidateConfig(t *testing.T) {
	fake := newFakeKMS()
	e := newTestEncryptor(fake, nil)
	assert.NoError(t, e.ValidateConfig(context.Background(), "acc-1", newTestConfig()))

	fake.enabled = false
	assert.ErrorContains(t, e.ValidateConfig(context.Background(), "acc-1", newTestConfig()), "not enabled")
}

func TestEncryptor_NamedPathOperations(t *testing.T) {
	e := newTestEncryptor(newFakeKMS(), nil)
	ctx := context.Background()
	cfg := newTestConfig()

	_, err := e.CreateSecret(ctx, "acc-1", "p", []byte("v"), cfg)
	assert.ErrorIs(t, err, encryption.ErrUnsupportedOperation)
	_, err = e.UpdateSecret(ctx, "acc-1", "p", []byte("v"), cfg)
	assert.ErrorIs(t, err, encryption.ErrUnsupportedOperation)
	ok, err := e.ValidateReference(ctx, "acc-1", "p", cfg)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, e.DeleteSecret(ctx, "acc-1", &models.EncryptedRecord{}, cfg))
	assert.Equal(t, models.EncryptionTypeKMS, e.Kind())
}
