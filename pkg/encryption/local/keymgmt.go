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
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
)

// KeyConfig holds configuration for a single master key
type KeyConfig struct {
	Version  string
	FilePath string
}

// KeyManager holds the versioned master keys inside memguard enclaves.
// The first configured key is the primary key used for new encryptions.
type KeyManager struct {
	keys           map[string]*memguard.Enclave
	primaryVersion string
	logger         *zap.Logger
}

// NewKeyManager creates a new key manager and loads keys from files
func NewKeyManager(keyConfigs []KeyConfig, logger *zap.Logger) (*KeyManager, error) {
	if len(keyConfigs) == 0 {
		return nil, fmt.Errorf("at least one master key is required")
	}

	km := &KeyManager{
		keys:   make(map[string]*memguard.Enclave, len(keyConfigs)),
		logger: logger,
	}
	for i, cfg := range keyConfigs {
		if _, dup := km.keys[cfg.Version]; dup {
			return nil, fmt.Errorf("duplicate master key version: %s", cfg.Version)
		}
		data, err := km.loadKey(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load key %s: %w", cfg.Version, err)
		}
		if err := km.addKey(cfg.Version, data, i == 0); err != nil {
			return nil, err
		}
	}

	logger.Info("Key manager initialized",
		zap.Int("total_keys", len(km.keys)),
		zap.String("primary_version", km.primaryVersion))
	return km, nil
}

// NewKeyManagerFromBytes builds a key manager from raw keys, primary first.
// The passed slices are wiped.
func NewKeyManagerFromBytes(versions []string, keys [][]byte, logger *zap.Logger) (*KeyManager, error) {
	if len(versions) == 0 || len(versions) != len(keys) {
		return nil, fmt.Errorf("versions and keys must be non-empty and of equal length")
	}
	km := &KeyManager{
		keys:   make(map[string]*memguard.Enclave, len(keys)),
		logger: logger,
	}
	for i := range keys {
		if err := km.addKey(versions[i], keys[i], i == 0); err != nil {
			return nil, err
		}
	}
	return km, nil
}

func (km *KeyManager) addKey(version string, data []byte, primary bool) error {
	if len(data) != encryption.AESKeySize {
		memguard.WipeBytes(data)
		return &encryption.ErrInvalidKeySize{Expected: encryption.AESKeySize, Actual: len(data)}
	}
	// NewEnclave wipes data
	km.keys[version] = memguard.NewEnclave(data)
	if primary {
		km.primaryVersion = version
	}
	km.logger.Debug("Loaded master key",
		zap.String("version", version),
		zap.Bool("is_primary", primary))
	return nil
}

// loadKey reads a key from a file and validates its size
func (km *KeyManager) loadKey(cfg KeyConfig) ([]byte, error) {
	info, err := os.Stat(cfg.FilePath)
	if err != nil {
		return nil, &encryption.ErrKeyNotFound{KeyPath: cfg.FilePath}
	}

	perm := info.Mode().Perm()
	if perm&0004 != 0 {
		km.logger.Warn("Master key file is world-readable - consider restricting permissions",
			zap.String("key_version", cfg.Version),
			zap.String("file_path", cfg.FilePath),
			zap.String("permissions", perm.String()))
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(data) != encryption.AESKeySize {
		memguard.WipeBytes(data)
		return nil, &encryption.ErrInvalidKeySize{Expected: encryption.AESKeySize, Actual: len(data)}
	}
	return data, nil
}

// PrimaryVersion returns the primary key version
func (km *KeyManager) PrimaryVersion() string {
	return km.primaryVersion
}

// HasVersion reports whether a key version is loaded
func (km *KeyManager) HasVersion(version string) bool {
	_, ok := km.keys[version]
	return ok
}

// WithKey opens the enclave of a key version for the duration of fn.
// The key bytes must not be retained after fn returns.
func (km *KeyManager) WithKey(version string, fn func(key []byte) error) error {
	enclave, ok := km.keys[version]
	if !ok {
		return fmt.Errorf("key version not found: %s", version)
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open key enclave %s: %w", version, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
