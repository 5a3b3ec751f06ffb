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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// AESKeySize is the required key size for AES-256 (32 bytes)
	AESKeySize = 32

	// NonceSize is the size of the nonce for AES-GCM (12 bytes is standard)
	NonceSize = 12
)

// EncryptedPayload is a wrapped data key with the provider and key version that wrapped it
type EncryptedPayload struct {
	Provider   string // Provider type identifier (e.g., "local", "awskms")
	KeyVersion string // Key name/version (e.g., "key-v2")
	Ciphertext []byte
}

// MarshalPayload converts EncryptedPayload to storage format
// Format: enc:provider:v1:key-version:base64-ciphertext
func MarshalPayload(payload *EncryptedPayload) string {
	encoded := base64.StdEncoding.EncodeToString(payload.Ciphertext)
	return fmt.Sprintf("enc:%s:v1:%s:%s", payload.Provider, payload.KeyVersion, encoded)
}

// UnmarshalPayload converts storage format back to EncryptedPayload
func UnmarshalPayload(stored string) (*EncryptedPayload, error) {
	parts := strings.SplitN(stored, ":", 5)
	if len(parts) != 5 {
		return nil, fmt.Errorf("invalid payload format: expected 5 parts, got %d", len(parts))
	}

	if parts[0] != "enc" {
		return nil, fmt.Errorf("invalid payload prefix: expected 'enc', got '%s'", parts[0])
	}

	if parts[2] != "v1" {
		return nil, fmt.Errorf("unsupported payload version: %s", parts[2])
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	return &EncryptedPayload{
		Provider:   parts[1],
		KeyVersion: parts[3],
		Ciphertext: ciphertext,
	}, nil
}

// Seal encrypts plaintext with AES-256-GCM under key and returns nonce || ciphertext || tag
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM appends the auth tag to the ciphertext automatically
	return gcm.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(sealed))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (authentication error): %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, &ErrInvalidKeySize{Expected: AESKeySize, Actual: len(key)}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateDataKey returns a fresh random AES-256 key
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}
