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

package vault

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption/vault/vaulttest"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

type fakeSession struct {
	mu        sync.Mutex
	data      map[string]map[string]interface{}
	versions  map[string]int
	tokenOK   bool
	renewals  int
	failWrite bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		data:     make(map[string]map[string]interface{}),
		versions: make(map[string]int),
		tokenOK:  true,
	}
}

func (f *fakeSession) Read(_ context.Context, path string) (map[string]interface{}, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[path]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(d), true, nil
}

func (f *fakeSession) Write(_ context.Context, path string, data map[string]interface{}) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return 0, errors.New("permission denied")
	}
	f.data[path] = maps.Clone(data)
	f.versions[path]++
	return f.versions[path], nil
}

func (f *fakeSession) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, path)
	return nil
}

func (f *fakeSession) LookupSelf(context.Context) error {
	if !f.tokenOK {
		return errors.New("permission denied")
	}
	return nil
}

func (f *fakeSession) RenewSelf(context.Context) error {
	if !f.tokenOK {
		return errors.New("token expired")
	}
	f.renewals++
	return nil
}

func newTestConfig() *models.SecretManagerConfig {
	return &models.SecretManagerConfig{
		ID:             "vault-1",
		AccountID:      "acc-1",
		Name:           "vault",
		EncryptionType: models.EncryptionTypeVault,
		Vault: &models.VaultConfig{
			VaultURL:         "https://vault.example.com:8200",
			AuthToken:        "s.token",
			SecretEngineName: "secret",
			BasePath:         "platform",
		},
	}
}

func newTestEncryptor(s *fakeSession, connects *int) *Encryptor {
	return NewEncryptor(zap.NewNop(), WithConnector(func(context.Context, *models.VaultConfig) (Session, error) {
		if connects != nil {
			*connects++
		}
		return s, nil
	}))
}

func TestEncryptor_EncryptAndFetch(t *testing.T) {
	s := newFakeSession()
	e := newTestEncryptor(s, nil)
	cfg := newTestConfig()
	ctx := context.Background()

	record, err := e.EncryptSecret(ctx, "acc-1", "db-password", []byte("pw"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "platform/acc-1/vault-1/db-password", record.EncryptionKey)
	assert.Empty(t, record.EncryptedValue)
	assert.Empty(t, record.Path)
	assert.Equal(t, map[string]interface{}{valueKey: "cHc=", encodingKey: encodingBase64},
		s.data["platform/acc-1/vault-1/db-password"])

	value, err := e.FetchSecretValue(ctx, "acc-1", "db-password", record, cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("pw"), value)

	require.NoError(t, e.DeleteSecret(ctx, "acc-1", record, cfg))
	_, err = e.FetchSecretValue(ctx, "acc-1", "db-password", record, cfg)
	var decErr *encryption.ErrDecryptionFailed
	assert.ErrorAs(t, err, &decErr)
}

func TestEncryptor_NamedPaths(t *testing.T) {
	s := newFakeSession()
	e := newTestEncryptor(s, nil)
	cfg := newTestConfig()
	ctx := context.Background()

	record, err := e.CreateSecret(ctx, "acc-1", "team/app#apiKey", []byte("k1"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "team/app#apiKey", record.Path)

	_, err = e.CreateSecret(ctx, "acc-1", "team/app#other", []byte("o"), cfg)
	require.NoError(t, err)
	_, err = e.UpdateSecret(ctx, "acc-1", "team/app#apiKey", []byte("k2"), cfg)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"apiKey": "k2", "other": "o"}, s.data["team/app"])

	value, err := e.FetchSecretValue(ctx, "acc-1", "whatever", record, cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("k2"), value)

	// caller-owned paths survive record deletion
	require.NoError(t, e.DeleteSecret(ctx, "acc-1", record, cfg))
	assert.Contains(t, s.data, "team/app")

	_, err = e.CreateSecret(ctx, "acc-1", " #key", []byte("x"), cfg)
	assert.Error(t, err)

	// a caller-owned key holds a plain string, so binary content is refused
	_, err = e.UpdateSecret(ctx, "acc-1", "team/app#apiKey", []byte{0xff, 0xfe}, cfg)
	var encErr *encryption.ErrEncryptionFailed
	assert.ErrorAs(t, err, &encErr)
	assert.Equal(t, "k2", s.data["team/app"]["apiKey"])
}

func TestEncryptor_PlainLegacyValue(t *testing.T) {
	s := newFakeSession()
	s.data["platform/acc-1/vault-1/old"] = map[string]interface{}{valueKey: "stored-before-encoding"}
	e := newTestEncryptor(s, nil)

	value, err := e.FetchSecretValue(context.Background(), "acc-1", "old",
		&models.EncryptedRecord{EncryptionKey: "platform/acc-1/vault-1/old"}, newTestConfig())
	require.NoError(t, err)
	assert.Equal(t, []byte("stored-before-encoding"), value)
}

func TestEncryptor_ConfigsOnSharedEngine(t *testing.T) {
	s := newFakeSession()
	e := newTestEncryptor(s, nil)
	first := newTestConfig()
	second := newTestConfig()
	second.ID = "vault-2"
	ctx := context.Background()

	a, err := e.EncryptSecret(ctx, "acc-1", "db-password", []byte("a"), first)
	require.NoError(t, err)
	b, err := e.EncryptSecret(ctx, "acc-1", "db-password", []byte("b"), second)
	require.NoError(t, err)
	assert.NotEqual(t, a.EncryptionKey, b.EncryptionKey)

	require.NoError(t, e.DeleteSecret(ctx, "acc-1", a, first))
	value, err := e.FetchSecretValue(ctx, "acc-1", "db-password", b, second)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), value)
}

func TestEncryptor_BinaryValueOverHTTP(t *testing.T) {
	srv := vaulttest.NewServer()
	defer srv.Close()

	e := NewEncryptor(zap.NewNop())
	cfg := newTestConfig()
	cfg.Vault.VaultURL = srv.URL
	ctx := context.Background()

	binary := []byte{0x00, 0xff, 0xfe, 0x89, 0x50, 0x4e, 0x47}
	record, err := e.EncryptSecret(ctx, "acc-1", "keystore.p12", binary, cfg)
	require.NoError(t, err)

	stored, ok := srv.Get("secret", record.EncryptionKey)
	require.True(t, ok)
	assert.Equal(t, encodingBase64, stored[encodingKey])

	value, err := e.FetchSecretValue(ctx, "acc-1", "keystore.p12", record, cfg)
	require.NoError(t, err)
	assert.Equal(t, binary, value)

	require.NoError(t, e.ValidateConfig(ctx, "acc-1", cfg))
	require.NoError(t, e.DeleteSecret(ctx, "acc-1", record, cfg))
	_, ok = srv.Get("secret", record.EncryptionKey)
	assert.False(t, ok)

	_, err = e.FetchSecretValue(ctx, "acc-1", "keystore.p12", record, cfg)
	var decErr *encryption.ErrDecryptionFailed
	assert.ErrorAs(t, err, &decErr)
}

func TestEncryptor_PathReferenceOverHTTP(t *testing.T) {
	srv := vaulttest.NewServer()
	defer srv.Close()

	e := NewEncryptor(zap.NewNop())
	cfg := newTestConfig()
	cfg.Vault.VaultURL = srv.URL
	ctx := context.Background()

	record, err := e.CreateSecret(ctx, "acc-1", "team/db#password", []byte("s3cret"), cfg)
	require.NoError(t, err)
	stored, ok := srv.Get("secret", "team/db")
	require.True(t, ok)
	assert.Equal(t, "s3cret", stored["password"])

	ok, err = e.ValidateReference(ctx, "acc-1", "team/db#password", cfg)
	require.NoError(t, err)
	assert.True(t, ok)

	value, err := e.FetchSecretValue(ctx, "acc-1", "db", record, cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), value)
}

func TestEncryptor_ValidateReference(t *testing.T) {
	s := newFakeSession()
	s.data["existing"] = map[string]interface{}{"value": "v", "user": "u"}
	e := newTestEncryptor(s, nil)
	cfg := newTestConfig()
	ctx := context.Background()

	tests := []struct {
		reference string
		want      bool
	}{
		{"existing", true},
		{"existing#user", true},
		{"existing#missing", false},
		{"absent", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.reference, func(t *testing.T) {
			ok, err := e.ValidateReference(ctx, "acc-1", tt.reference, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEncryptor_SessionCache(t *testing.T) {
	s := newFakeSession()
	connects := 0
	e := newTestEncryptor(s, &connects)
	cfg := newTestConfig()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), cfg)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, connects)

	cfg.Vault.AuthToken = "s.rotated"
	_, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, connects)

	// a failed lookup drops the session
	s.tokenOK = false
	assert.Error(t, e.ValidateConfig(ctx, "acc-1", cfg))
	s.tokenOK = true
	require.NoError(t, e.ValidateConfig(ctx, "acc-1", cfg))
	assert.Equal(t, 3, connects)
}

func TestEncryptor_RenewToken(t *testing.T) {
	s := newFakeSession()
	e := newTestEncryptor(s, nil)
	cfg := newTestConfig()

	require.NoError(t, e.RenewToken(context.Background(), cfg))
	assert.Equal(t, 1, s.renewals)

	s.tokenOK = false
	assert.Error(t, e.RenewToken(context.Background(), cfg))

	var _ encryption.Renewer = e
}

func TestEncryptor_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing url", func(t *testing.T) {
		e := newTestEncryptor(newFakeSession(), nil)
		cfg := newTestConfig()
		cfg.Vault.VaultURL = ""
		_, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), cfg)
		var encErr *encryption.ErrEncryptionFailed
		assert.ErrorAs(t, err, &encErr)
	})

	t.Run("write rejected", func(t *testing.T) {
		s := newFakeSession()
		s.failWrite = true
		e := newTestEncryptor(s, nil)
		_, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), newTestConfig())
		assert.ErrorContains(t, err, "permission denied")
	})

	t.Run("connect error", func(t *testing.T) {
		e := NewEncryptor(zap.NewNop(), WithConnector(func(context.Context, *models.VaultConfig) (Session, error) {
			return nil, errors.New("approle login: invalid secret id")
		}))
		_, err := e.EncryptSecret(ctx, "acc-1", "n", []byte("v"), newTestConfig())
		assert.ErrorContains(t, err, "approle login")
	})
}

func TestIsNotFound(t *testing.T) {
	assert.False(t, isNotFound(nil))
	assert.True(t, isNotFound(api.ErrSecretNotFound))
	assert.True(t, isNotFound(&api.ResponseError{StatusCode: http.StatusNotFound}))
	assert.False(t, isNotFound(&api.ResponseError{StatusCode: http.StatusForbidden}))
	assert.True(t, isNotFound(errors.New("no secret found at path")))
}
