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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/config"
	"github.com/wso2/api-platform/secret-manager/pkg/storage"
	"github.com/wso2/api-platform/secret-manager/pkg/taskqueue"
)

func TestOpenStorage(t *testing.T) {
	log := zap.NewNop()

	t.Run("memory", func(t *testing.T) {
		sm := &config.SecretManager{Storage: config.StorageConfig{Type: "memory"}}
		db, queue, err := openStorage(sm, log)
		require.NoError(t, err)
		defer db.Close()
		assert.IsType(t, &storage.MemoryStorage{}, db)
		assert.IsType(t, &taskqueue.MemoryQueue{}, queue)
	})

	t.Run("sqlite", func(t *testing.T) {
		sm := &config.SecretManager{Storage: config.StorageConfig{
			Type:   "sqlite",
			SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "sm.db")},
		}}
		db, queue, err := openStorage(sm, log)
		require.NoError(t, err)
		defer db.Close()
		assert.IsType(t, &storage.SQLStorage{}, db)
		assert.IsType(t, &taskqueue.SQLQueue{}, queue)
	})

	t.Run("unknown", func(t *testing.T) {
		sm := &config.SecretManager{Storage: config.StorageConfig{Type: "etcd"}}
		_, _, err := openStorage(sm, log)
		require.Error(t, err)
	})
}

func TestNewEncryptors(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "master-v1.key")
	require.NoError(t, os.WriteFile(keyPath, bytes.Repeat([]byte{0x55}, 32), 0o600))

	sm := &config.SecretManager{Encryption: config.EncryptionConfig{
		Local: config.LocalEncryptionConfig{Keys: []config.KeyConfig{{Version: "v1", FilePath: keyPath}}},
	}}
	encryptors, err := newEncryptors(sm, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, encryptors)

	sm.Encryption.Local.Keys[0].FilePath = filepath.Join(dir, "missing.key")
	_, err = newEncryptors(sm, zap.NewNop())
	require.Error(t, err)
}

func TestRunRenewal_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runRenewal(ctx, nil, time.Hour, zap.NewNop())
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("renewal loop did not stop")
	}
}
