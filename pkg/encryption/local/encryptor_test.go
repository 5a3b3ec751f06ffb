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

package local

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

func writeKey(t *testing.T, dir, name string, fill byte, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{fill}, size), 0600))
	return path
}

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	dir := t.TempDir()
	km, err := NewKeyManager([]KeyConfig{
		{Version: "v2", FilePath: writeKey(t, dir, "v2.key", 0x02, encryption.AESKeySize)},
		{Version: "v1", FilePath: writeKey(t, dir, "v1.key", 0x01, encryption.AESKeySize)},
	}, zap.NewNop())
	require.NoError(t, err)
	return NewEncryptor(km, zap.NewNop())
}

func TestNewKeyManager(t *testing.T) {
	dir := t.TempDir()

	t.Run("no keys", func(t *testing.T) {
		_, err := NewKeyManager(nil, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewKeyManager([]KeyConfig{{Version: "v1", FilePath: filepath.Join(dir, "nope.key")}}, zap.NewNop())
		var notFound *encryption.ErrKeyNotFound
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("wrong size", func(t *testing.T) {
		path := writeKey(t, dir, "short.key", 0x01, 16)
		_, err := NewKeyManager([]KeyConfig{{Version: "v1", FilePath: path}}, zap.NewNop())
		var sizeErr *encryption.ErrInvalidKeySize
		require.ErrorAs(t, err, &sizeErr)
		assert.Equal(t, 16, sizeErr.Actual)
	})

	t.Run("duplicate version", func(t *testing.T) {
		path := writeKey(t, dir, "dup.key", 0x01, encryption.AESKeySize)
		_, err := NewKeyManager([]KeyConfig{{Version: "v1", FilePath: path}, {Version: "v1", FilePath: path}}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("first key is primary", func(t *testing.T) {
		km, err := NewKeyManager([]KeyConfig{
			{Version: "b", FilePath: writeKey(t, dir, "b.key", 0x0b, encryption.AESKeySize)},
			{Version: "a", FilePath: writeKey(t, dir, "a.key", 0x0a, encryption.AESKeySize)},
		}, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "b", km.PrimaryVersion())
		assert.True(t, km.HasVersion("a"))
		assert.False(t, km.HasVersion("c"))

		err = km.WithKey("a", func(key []byte) error {
			assert.Equal(t, bytes.Repeat([]byte{0x0a}, encryption.AESKeySize), key)
			return nil
		})
		assert.NoError(t, err)
	})
}

func TestNewKeyManagerFromBytes(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, encryption.AESKeySize)
	km, err := NewKeyManagerFromBytes([]string{"v1"}, [][]byte{key}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "v1", km.PrimaryVersion())

	_, err = NewKeyManagerFromBytes([]string{"v1", "v2"}, [][]byte{key}, zap.NewNop())
	assert.Error(t, err)
}

func TestEncryptor_RoundTrip(t *testing.T) {
	e := newTestEncryptor(t)
	ctx := context.Background()
	cfg := models.NewLocalConfig("acc-1")

	record, err := e.EncryptSecret(ctx, "acc-1", "db-password", []byte("s3cr3t"), cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(record.EncryptedValue), "s3cr3t")
	assert.Empty(t, record.Path)

	payload, err := encryption.UnmarshalPayload(record.EncryptionKey)
	require.NoError(t, err)
	assert.Equal(t, "local", payload.Provider)
	assert.Equal(t, "v2", payload.KeyVersion)

	plaintext, err := e.FetchSecretValue(ctx, "acc-1", "db-password", record, cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cr3t"), plaintext)
}

func TestEncryptor_FreshDataKeyPerRecord(t *testing.T) {
	e := newTestEncryptor(t)
	cfg := models.NewLocalConfig("acc-1")

	r1, err := e.EncryptSecret(context.Background(), "acc-1", "a", []byte("same"), cfg)
	require.NoError(t, err)
	r2, err := e.EncryptSecret(context.Background(), "acc-1", "b", []byte("same"), cfg)
	require.NoError(t, err)

	assert.NotEqual(t, r1.EncryptionKey, r2.EncryptionKey)
	assert.NotEqual(t, r1.EncryptedValue, r2.EncryptedValue)
}

func TestEncryptor_AccountBinding(t *testing.T) {
	e := newTestEncryptor(t)
	cfg := models.NewLocalConfig("acc-1")

	record, err := e.EncryptSecret(context.Background(), "acc-1", "token", []byte("value"), cfg)
	require.NoError(t, err)

	_, err = e.FetchSecretValue(context.Background(), "acc-2", "token", record, cfg)
	var decErr *encryption.ErrDecryptionFailed
	assert.ErrorAs(t, err, &decErr)
}

func TestEncryptor_PinnedKeyVersion(t *testing.T) {
	e := newTestEncryptor(t)
	cfg := models.NewLocalConfig("acc-1")
	cfg.Local.KeyVersion = "v1"

	record, err := e.EncryptSecret(context.Background(), "acc-1", "token", []byte("value"), cfg)
	require.NoError(t, err)
	payload, err := encryption.UnmarshalPayload(record.EncryptionKey)
	require.NoError(t, err)
	assert.Equal(t, "v1", payload.KeyVersion)

	// decrypt does not depend on the config pin
	plaintext, err := e.FetchSecretValue(context.Background(), "acc-1", "token", record, models.NewLocalConfig("acc-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), plaintext)

	cfg.Local.KeyVersion = "v9"
	_, err = e.EncryptSecret(context.Background(), "acc-1", "token", []byte("value"), cfg)
	var encErr *encryption.ErrEncryptionFailed
	assert.ErrorAs(t, err, &encErr)
	assert.Error(t, e.ValidateConfig(context.Background(), "acc-1", cfg))
}

func TestEncryptor_RejectsForeignPayload(t *testing.T) {
	e := newTestEncryptor(t)
	record := &models.EncryptedRecord{
		EncryptionKey: encryption.MarshalPayload(&encryption.EncryptedPayload{Provider: "kms", KeyVersion: "v2", Ciphertext: []byte("x")}),
	}
	_, err := e.FetchSecretValue(context.Background(), "acc-1", "n", record, nil)
	assert.Error(t, err)

	_, err = e.FetchSecretValue(context.Background(), "acc-1", "n", &models.EncryptedRecord{EncryptionKey: "garbage"}, nil)
	assert.Error(t, err)
}

func TestEncryptor_NamedPathOperations(t *testing.T) {
	e := newTestEncryptor(t)
	ctx := context.Background()
	cfg := models.NewLocalConfig("acc-1")

	_, err := e.CreateSecret(ctx, "acc-1", "p", []byte("v"), cfg)
	assert.ErrorIs(t, err, encryption.ErrUnsupportedOperation)
	_, err = e.UpdateSecret(ctx, "acc-1", "p", []byte("v"), cfg)
	assert.ErrorIs(t, err, encryption.ErrUnsupportedOperation)

	ok, err := e.ValidateReference(ctx, "acc-1", "p", cfg)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, e.DeleteSecret(ctx, "acc-1", &models.EncryptedRecord{}, cfg))
	assert.NoError(t, e.ValidateConfig(ctx, "acc-1", cfg))
	assert.Equal(t, models.EncryptionTypeLocal, e.Kind())
}
