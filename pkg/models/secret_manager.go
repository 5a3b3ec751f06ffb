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

package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// EncryptionType identifies the backend kind behind a secret manager config
type EncryptionType string

const (
	EncryptionTypeKMS   EncryptionType = "KMS"
	EncryptionTypeVault EncryptionType = "VAULT"
	EncryptionTypeLocal EncryptionType = "LOCAL"
)

// Valid reports whether the encryption type is one of the supported kinds
func (t EncryptionType) Valid() bool {
	switch t {
	case EncryptionTypeKMS, EncryptionTypeVault, EncryptionTypeLocal:
		return true
	}
	return false
}

const (
	// SecretMask is returned in place of secret-valued connection attributes on listing paths
	SecretMask = "**************"

	// DefaultGlobalAccountID is the tenant-wide fallback account
	DefaultGlobalAccountID = "__GLOBAL_ACCOUNT_ID__"

	// LocalSecretManagerName is the display name of the implicit per-account local config
	LocalSecretManagerName = "Local Secrets Manager"
)

// Attribute names shared by validation, templatization and credential naming.
const (
	AttrAccessKey        = "accessKey"
	AttrSecretKey        = "secretKey"
	AttrKMSArn           = "kmsArn"
	AttrRegion           = "region"
	AttrVaultURL         = "vaultUrl"
	AttrAuthToken        = "authToken"
	AttrSecretEngineName = "secretEngineName"
	AttrBasePath         = "basePath"
	AttrNamespace        = "namespace"
	AttrAppRoleID        = "appRoleId"
	AttrSecretID         = "secretId"
	AttrKeyVersion       = "keyVersion"
)

// KMSConfig holds the connection attributes of a KMS backend.
// AccessKey, SecretKey and KMSArn are secret-valued.
type KMSConfig struct {
	AccessKey string `json:"accessKey,omitempty" yaml:"accessKey"`
	SecretKey string `json:"secretKey,omitempty" yaml:"secretKey"`
	KMSArn    string `json:"kmsArn,omitempty" yaml:"kmsArn"`
	Region    string `json:"region,omitempty" yaml:"region"`
}

// VaultConfig holds the connection attributes of a Vault backend.
// AuthToken and SecretID are secret-valued.
type VaultConfig struct {
	VaultURL         string `json:"vaultUrl,omitempty" yaml:"vaultUrl"`
	AuthToken        string `json:"authToken,omitempty" yaml:"authToken"`
	SecretEngineName string `json:"secretEngineName,omitempty" yaml:"secretEngineName"`
	BasePath         string `json:"basePath,omitempty" yaml:"basePath"`
	Namespace        string `json:"namespace,omitempty" yaml:"namespace"`
	AppRoleID        string `json:"appRoleId,omitempty" yaml:"appRoleId"`
	SecretID         string `json:"secretId,omitempty" yaml:"secretId"`
}

// LocalConfig holds the attributes of a local envelope-encryption backend
type LocalConfig struct {
	// KeyVersion pins the master key version; empty means the primary key
	KeyVersion string `json:"keyVersion,omitempty" yaml:"keyVersion"`
}

// SecretManagerConfig is a configured encryption backend available to an account.
// Exactly one of KMS, Vault or Local is set, matching EncryptionType.
//
// In persisted form the secret-valued attributes hold the id of the EncryptedData
// record that stores the credential, never the credential itself.
type SecretManagerConfig struct {
	ID                string         `json:"id" yaml:"id"`
	AccountID         string         `json:"accountId" yaml:"accountId"`
	Name              string         `json:"name" yaml:"name"`
	Default           bool           `json:"default" yaml:"default"`
	ReadOnly          bool           `json:"readOnly" yaml:"readOnly"`
	EncryptionType    EncryptionType `json:"encryptionType" yaml:"encryptionType"`
	TemplatizedFields []string       `json:"templatizedFields,omitempty" yaml:"templatizedFields"`
	RenewalInterval   time.Duration  `json:"renewalInterval,omitempty" yaml:"renewalInterval"`
	RenewedAt         time.Time      `json:"renewedAt,omitempty" yaml:"-"`

	KMS   *KMSConfig   `json:"kms,omitempty" yaml:"kms"`
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault"`
	Local *LocalConfig `json:"local,omitempty" yaml:"local"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Attribute is a named, addressable connection attribute of a config
type Attribute struct {
	Name     string
	Value    *string
	Secret   bool
	Required bool
}

// Attributes returns the backend-specific connection attributes of the active variant
func (c *SecretManagerConfig) Attributes() []Attribute {
	switch c.EncryptionType {
	case EncryptionTypeKMS:
		if c.KMS == nil {
			c.KMS = &KMSConfig{}
		}
		return []Attribute{
			{Name: AttrAccessKey, Value: &c.KMS.AccessKey, Secret: true, Required: true},
			{Name: AttrSecretKey, Value: &c.KMS.SecretKey, Secret: true, Required: true},
			{Name: AttrKMSArn, Value: &c.KMS.KMSArn, Secret: true, Required: true},
			{Name: AttrRegion, Value: &c.KMS.Region, Required: true},
		}
	case EncryptionTypeVault:
		if c.Vault == nil {
			c.Vault = &VaultConfig{}
		}
		return []Attribute{
			{Name: AttrVaultURL, Value: &c.Vault.VaultURL, Required: true},
			{Name: AttrAuthToken, Value: &c.Vault.AuthToken, Secret: true, Required: c.Vault.AppRoleID == ""},
			{Name: AttrSecretEngineName, Value: &c.Vault.SecretEngineName, Required: true},
			{Name: AttrBasePath, Value: &c.Vault.BasePath},
			{Name: AttrNamespace, Value: &c.Vault.Namespace},
			{Name: AttrAppRoleID, Value: &c.Vault.AppRoleID},
			{Name: AttrSecretID, Value: &c.Vault.SecretID, Secret: true},
		}
	case EncryptionTypeLocal:
		if c.Local == nil {
			c.Local = &LocalConfig{}
		}
		return []Attribute{
			{Name: AttrKeyVersion, Value: &c.Local.KeyVersion},
		}
	}
	return nil
}

// SecretAttributes returns only the secret-valued attributes
func (c *SecretManagerConfig) SecretAttributes() []Attribute {
	var out []Attribute
	for _, a := range c.Attributes() {
		if a.Secret {
			out = append(out, a)
		}
	}
	return out
}

// IsTemplatized reports whether the attribute is resolved per use rather than at save time
func (c *SecretManagerConfig) IsTemplatized(attr string) bool {
	return slices.Contains(c.TemplatizedFields, attr)
}

// CredentialName is the deterministic EncryptedData name for a secret-valued attribute
func (c *SecretManagerConfig) CredentialName(attr string) string {
	return fmt.Sprintf("%s_%s", c.ID, attr)
}

// AllSecretsMasked reports whether every non-templatized secret attribute carries the mask
// sentinel, which marks an update that leaves stored credentials untouched
func (c *SecretManagerConfig) AllSecretsMasked() bool {
	for _, a := range c.SecretAttributes() {
		if c.IsTemplatized(a.Name) || *a.Value == "" {
			continue
		}
		if *a.Value != SecretMask {
			return false
		}
	}
	return true
}

// Clone returns a deep copy
func (c *SecretManagerConfig) Clone() *SecretManagerConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.TemplatizedFields = slices.Clone(c.TemplatizedFields)
	if c.KMS != nil {
		k := *c.KMS
		out.KMS = &k
	}
	if c.Vault != nil {
		v := *c.Vault
		out.Vault = &v
	}
	if c.Local != nil {
		l := *c.Local
		out.Local = &l
	}
	return &out
}

// Masked returns a copy with every populated secret attribute replaced by SecretMask
func (c *SecretManagerConfig) Masked() *SecretManagerConfig {
	out := c.Clone()
	for _, a := range out.SecretAttributes() {
		if *a.Value != "" {
			*a.Value = SecretMask
		}
	}
	return out
}

// ApplyRuntimeParameters fills templatized attributes with per-use values
func (c *SecretManagerConfig) ApplyRuntimeParameters(params map[string]string) error {
	if len(c.TemplatizedFields) == 0 {
		return nil
	}
	var missing []string
	for _, a := range c.Attributes() {
		if !c.IsTemplatized(a.Name) {
			continue
		}
		v, ok := params[a.Name]
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, a.Name)
			continue
		}
		*a.Value = v
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing runtime parameters for templatized fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsGlobal reports whether the config belongs to the tenant-wide fallback account
func (c *SecretManagerConfig) IsGlobal(globalAccountID string) bool {
	return c.AccountID == globalAccountID
}

// NewLocalConfig synthesizes the implicit local secret manager of an account.
// Its id equals the account id.
func NewLocalConfig(accountID string) *SecretManagerConfig {
	return &SecretManagerConfig{
		ID:             accountID,
		AccountID:      accountID,
		Name:           LocalSecretManagerName,
		EncryptionType: EncryptionTypeLocal,
		Local:          &LocalConfig{},
	}
}
