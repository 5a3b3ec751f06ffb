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

// Package kms implements the KMS backend: envelope encryption with AWS KMS data keys.
// KMS generates and unwraps the data key; the secret itself is sealed locally with AES-GCM.
package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

const (
	providerName = "kms"
	keySpecTag   = "aes256"
)

// KMSAPI is the subset of the AWS KMS client used by the encryptor
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// ClientFactory builds a KMS client for the connection attributes of a config
type ClientFactory func(ctx context.Context, cfg *models.KMSConfig) (KMSAPI, error)

// Option configures the encryptor
type Option func(*Encryptor)

// WithClientFactory replaces the AWS client construction, used by tests
func WithClientFactory(f ClientFactory) Option {
	return func(e *Encryptor) {
		e.newClient = f
	}
}

// Encryptor implements encryption.Encryptor for KMS configs
type Encryptor struct {
	newClient ClientFactory
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[string]KMSAPI
}

// NewEncryptor creates a KMS encryptor
func NewEncryptor(logger *zap.Logger, opts ...Option) *Encryptor {
	e := &Encryptor{
		newClient: newAWSClient,
		logger:    logger,
		clients:   make(map[string]KMSAPI),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newAWSClient(ctx context.Context, cfg *models.KMSConfig) (KMSAPI, error) {
	configOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// Kind returns KMS
func (e *Encryptor) Kind() models.EncryptionType {
	return models.EncryptionTypeKMS
}

// client returns a cached client for the config's current credentials
func (e *Encryptor) client(ctx context.Context, cfg *models.SecretManagerConfig) (KMSAPI, *models.KMSConfig, error) {
	if cfg.KMS == nil || cfg.KMS.KMSArn == "" || cfg.KMS.Region == "" {
		return nil, nil, fmt.Errorf("kms config %s is missing key arn or region", cfg.ID)
	}
	sum := sha256.Sum256([]byte(cfg.KMS.Region + "\x00" + cfg.KMS.AccessKey + "\x00" + cfg.KMS.SecretKey))
	cacheKey := cfg.ID + "/" + hex.EncodeToString(sum[:8])

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[cacheKey]; ok {
		return c, cfg.KMS, nil
	}
	c, err := e.newClient(ctx, cfg.KMS)
	if err != nil {
		return nil, nil, err
	}
	e.clients[cacheKey] = c
	return c, cfg.KMS, nil
}

// EncryptSecret seals plaintext under a fresh KMS data key
func (e *Encryptor) EncryptSecret(ctx context.Context, accountID, name string, plaintext []byte, cfg *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	client, kmsCfg, err := e.client(ctx, cfg)
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: providerName, Cause: err}
	}

	out, err := client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(kmsCfg.KMSArn),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: map[string]string{"accountId": accountID},
	})
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: providerName, Cause: fmt.Errorf("generate data key: %w", err)}
	}
	defer memguard.WipeBytes(out.Plaintext)

	ciphertext, err := encryption.Seal(out.Plaintext, plaintext, []byte(accountID))
	if err != nil {
		return nil, &encryption.ErrEncryptionFailed{Backend: providerName, Cause: err}
	}

	e.logger.Debug("Encrypted secret with KMS data key",
		zap.String("account_id", accountID),
		zap.String("name", name),
		zap.String("config_id", cfg.ID))

	return &models.EncryptedRecord{
		EncryptionKey: encryption.MarshalPayload(&encryption.EncryptedPayload{
			Provider:   providerName,
			KeyVersion: keySpecTag,
			Ciphertext: out.CiphertextBlob,
		}),
		EncryptedValue: ciphertext,
	}, nil
}

// FetchSecretValue unwraps the data key through KMS and opens the stored ciphertext
func (e *Encryptor) FetchSecretValue(ctx context.Context, accountID, name string, record *models.EncryptedRecord, cfg *models.SecretManagerConfig) ([]byte, error) {
	payload, err := encryption.UnmarshalPayload(record.EncryptionKey)
	if err != nil {
		return nil, &encryption.ErrDecryptionFailed{Backend: providerName, Cause: err}
	}
	if payload.Provider != providerName {
		return nil, &encryption.ErrDecryptionFailed{Backend: providerName, Cause: fmt.Errorf("record was wrapped by provider %s", payload.Provider)}
	}

	client, kmsCfg, err := e.client(ctx, cfg)
	if err != nil {
		return nil, &encryption.ErrDecryptionFailed{Backend: providerName, Cause: err}
	}

	out, err := client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    payload.Ciphertext,
		KeyId:             aws.String(kmsCfg.KMSArn),
		EncryptionContext: map[string]string{"accountId": accountID},
	})
	if err != nil {
		return nil, &encryption.ErrDecryptionFailed{Backend: providerName, Cause: fmt.Errorf("decrypt data key: %w", err)}
	}
	defer memguard.WipeBytes(out.Plaintext)

	plaintext, err := encryption.Open(out.Plaintext, record.EncryptedValue, []byte(accountID))
	if err != nil {
		return nil, &encryption.ErrDecryptionFailed{Backend: providerName, Cause: err}
	}

	e.logger.Debug("Decrypted secret with KMS data key",
		zap.String("account_id", accountID),
		zap.String("name", name),
		zap.String("config_id", cfg.ID))
	return plaintext, nil
}

// CreateSecret is not supported: KMS has no named secret paths
func (e *Encryptor) CreateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, encryption.ErrUnsupportedOperation
}

// UpdateSecret is not supported: KMS has no named secret paths
func (e *Encryptor) UpdateSecret(context.Context, string, string, []byte, *models.SecretManagerConfig) (*models.EncryptedRecord, error) {
	return nil, encryption.ErrUnsupportedOperation
}

// DeleteSecret is a no-op; the wrapped data key lives in the stored record
func (e *Encryptor) DeleteSecret(context.Context, string, *models.EncryptedRecord, *models.SecretManagerConfig) error {
	return nil
}

// ValidateReference always reports false; KMS cannot resolve references
func (e *Encryptor) ValidateReference(context.Context, string, string, *models.SecretManagerConfig) (bool, error) {
	return false, nil
}

// ValidateConfig checks that the key exists, is enabled and is usable for encryption
func (e *Encryptor) ValidateConfig(ctx context.Context, _ string, cfg *models.SecretManagerConfig) error {
	client, kmsCfg, err := e.client(ctx, cfg)
	if err != nil {
		return err
	}
	out, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(kmsCfg.KMSArn)})
	if err != nil {
		return fmt.Errorf("failed to describe kms key: %w", err)
	}
	if out.KeyMetadata == nil {
		return fmt.Errorf("kms key %s returned no metadata", kmsCfg.KMSArn)
	}
	if !out.KeyMetadata.Enabled {
		return fmt.Errorf("kms key %s is not enabled", kmsCfg.KMSArn)
	}
	if out.KeyMetadata.KeyUsage != types.KeyUsageTypeEncryptDecrypt {
		return fmt.Errorf("kms key %s has usage %s", kmsCfg.KMSArn, out.KeyMetadata.KeyUsage)
	}
	return nil
}
