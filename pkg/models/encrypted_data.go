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
	"slices"
	"time"
)

// SecretType is the semantic category of a stored secret
type SecretType string

const (
	SecretTypeText                    SecretType = "SECRET_TEXT"
	SecretTypeFile                    SecretType = "CONFIG_FILE"
	SecretTypeConnectorField          SecretType = "CONNECTOR_FIELD"
	SecretTypeSecretManagerCredential SecretType = "SECRET_MANAGER_CREDENTIAL"
)

// EntityTypeSecretManager is the parent entity type of config credential records
const EntityTypeSecretManager = "SECRET_MANAGER"

// Parent is a consumer entity referencing an EncryptedData record
type Parent struct {
	EntityID   string `json:"entityId" db:"entity_id"`
	EntityType string `json:"entityType" db:"entity_type"`
}

// EncryptedRecord is what a backend hands back after encrypting or writing a secret
type EncryptedRecord struct {
	// EncryptionKey is the backend locator: wrapped data key, key version or vault path
	EncryptionKey string
	// EncryptedValue is the ciphertext; empty for backends that store the value remotely
	EncryptedValue []byte
	// Path is set when the value lives at a named path owned by the caller
	Path string
}

// AppEnvRestriction limits visibility of a secret to one application and a set of environments.
// An empty EnvIDs list allows every environment of the application.
type AppEnvRestriction struct {
	AppID  string   `json:"appId"`
	EnvIDs []string `json:"envIds,omitempty"`
}

// UsageRestrictions is the app/env visibility predicate evaluated by the authorization layer
type UsageRestrictions struct {
	AppEnvRestrictions []AppEnvRestriction `json:"appEnvRestrictions,omitempty"`
}

// Allows reports whether the given app/env pair may use the secret.
// Nil or empty restrictions allow everything.
func (u *UsageRestrictions) Allows(appID, envID string) bool {
	if u == nil || len(u.AppEnvRestrictions) == 0 {
		return true
	}
	for _, r := range u.AppEnvRestrictions {
		if r.AppID != appID {
			continue
		}
		if len(r.EnvIDs) == 0 || slices.Contains(r.EnvIDs, envID) {
			return true
		}
	}
	return false
}

// EncryptedData is a stored ciphertext record plus its metadata and consumer reference set
type EncryptedData struct {
	ID                string             `json:"id"`
	AccountID         string             `json:"accountId"`
	Name              string             `json:"name"`
	EncryptionKey     string             `json:"-"`
	EncryptedValue    []byte             `json:"-"`
	Path              string             `json:"path,omitempty"`
	EncryptionType    EncryptionType     `json:"encryptionType"`
	KmsID             string             `json:"kmsId"`
	Type              SecretType         `json:"type"`
	Enabled           bool               `json:"enabled"`
	ScopedToAccount   bool               `json:"scopedToAccount"`
	UsageRestrictions *UsageRestrictions `json:"usageRestrictions,omitempty"`
	Parents           []Parent           `json:"parents"`
	FileSize          int64              `json:"fileSize,omitempty"`
	// Version increments on every write and guards migration compare-and-swap
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy Actor     `json:"createdBy"`
	UpdatedBy Actor     `json:"updatedBy"`
}

// Record returns the backend view of the stored ciphertext
func (d *EncryptedData) Record() *EncryptedRecord {
	return &EncryptedRecord{
		EncryptionKey:  d.EncryptionKey,
		EncryptedValue: slices.Clone(d.EncryptedValue),
		Path:           d.Path,
	}
}

// ApplyRecord copies backend output onto the stored record
func (d *EncryptedData) ApplyRecord(r *EncryptedRecord) {
	d.EncryptionKey = r.EncryptionKey
	d.EncryptedValue = slices.Clone(r.EncryptedValue)
	d.Path = r.Path
}

// HasParent reports whether the consumer already references the record
func (d *EncryptedData) HasParent(p Parent) bool {
	return slices.Contains(d.Parents, p)
}

// AddParent adds the consumer to the reference set; it returns false if already present
func (d *EncryptedData) AddParent(p Parent) bool {
	if d.HasParent(p) {
		return false
	}
	d.Parents = append(d.Parents, p)
	return true
}

// RemoveParent removes the consumer from the reference set; it returns false if absent
func (d *EncryptedData) RemoveParent(p Parent) bool {
	idx := slices.Index(d.Parents, p)
	if idx < 0 {
		return false
	}
	d.Parents = slices.Delete(d.Parents, idx, idx+1)
	return true
}

// Clone returns a deep copy
func (d *EncryptedData) Clone() *EncryptedData {
	if d == nil {
		return nil
	}
	out := *d
	out.EncryptedValue = slices.Clone(d.EncryptedValue)
	out.Parents = slices.Clone(d.Parents)
	if d.UsageRestrictions != nil {
		u := UsageRestrictions{AppEnvRestrictions: make([]AppEnvRestriction, 0, len(d.UsageRestrictions.AppEnvRestrictions))}
		for _, r := range d.UsageRestrictions.AppEnvRestrictions {
			u.AppEnvRestrictions = append(u.AppEnvRestrictions, AppEnvRestriction{AppID: r.AppID, EnvIDs: slices.Clone(r.EnvIDs)})
		}
		out.UsageRestrictions = &u
	}
	return &out
}
