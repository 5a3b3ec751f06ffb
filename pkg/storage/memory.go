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

package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// MemoryStorage is an in-memory Storage used in memory-only mode and in tests
type MemoryStorage struct {
	mu sync.RWMutex

	seq        int64
	configs    map[string]*memoryConfig
	records    map[string]*memoryRecord
	changeLogs []*models.SecretChangeLog
	usageLogs  []*models.SecretUsageLog
	events     []*models.AuditEvent
}

type memoryConfig struct {
	seq int64
	cfg *models.SecretManagerConfig
}

type memoryRecord struct {
	seq  int64
	data *models.EncryptedData
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		configs: make(map[string]*memoryConfig),
		records: make(map[string]*memoryRecord),
	}
}

func (m *MemoryStorage) nextSeq() int64 {
	m.seq++
	return m.seq
}

// SaveSecretManagerConfig upserts a config and clears other defaults of the account
func (m *MemoryStorage) SaveSecretManagerConfig(_ context.Context, cfg *models.SecretManagerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.configs[cfg.ID]
	if ok && existing.cfg.AccountID != cfg.AccountID {
		return fmt.Errorf("%w: id=%s belongs to another account", ErrConflict, cfg.ID)
	}
	for id, c := range m.configs {
		if id != cfg.ID && c.cfg.AccountID == cfg.AccountID && c.cfg.Name == cfg.Name {
			return fmt.Errorf("%w: secret manager '%s' in account '%s'", ErrConflict, cfg.Name, cfg.AccountID)
		}
	}

	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	if cfg.Default {
		for id, c := range m.configs {
			if id != cfg.ID && c.cfg.AccountID == cfg.AccountID {
				c.cfg.Default = false
			}
		}
	}

	seq := m.nextSeq()
	if ok {
		seq = existing.seq
	}
	m.configs[cfg.ID] = &memoryConfig{seq: seq, cfg: cfg.Clone()}
	return nil
}

// GetSecretManagerConfig retrieves a config by account and id
func (m *MemoryStorage) GetSecretManagerConfig(_ context.Context, accountID, id string) (*models.SecretManagerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.configs[id]
	if !ok || c.cfg.AccountID != accountID {
		return nil, fmt.Errorf("%w: secret manager config id=%s", ErrNotFound, id)
	}
	return c.cfg.Clone(), nil
}

// GetSecretManagerConfigByName retrieves a config by account and display name
func (m *MemoryStorage) GetSecretManagerConfigByName(_ context.Context, accountID, name string) (*models.SecretManagerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.configs {
		if c.cfg.AccountID == accountID && c.cfg.Name == name {
			return c.cfg.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: secret manager config name=%s", ErrNotFound, name)
}

// ListSecretManagerConfigs returns the account's configs, most recently created first
func (m *MemoryStorage) ListSecretManagerConfigs(_ context.Context, accountID string) ([]*models.SecretManagerConfig, error) {
	return m.listConfigs(func(c *models.SecretManagerConfig) bool { return c.AccountID == accountID }), nil
}

// ListRenewableSecretManagerConfigs returns configs of every account with a renewal interval
func (m *MemoryStorage) ListRenewableSecretManagerConfigs(_ context.Context) ([]*models.SecretManagerConfig, error) {
	return m.listConfigs(func(c *models.SecretManagerConfig) bool { return c.RenewalInterval > 0 }), nil
}

func (m *MemoryStorage) listConfigs(match func(*models.SecretManagerConfig) bool) []*models.SecretManagerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*memoryConfig
	for _, c := range m.configs {
		if match(c.cfg) {
			entries = append(entries, c)
		}
	}
	slices.SortFunc(entries, func(a, b *memoryConfig) int { return int(b.seq - a.seq) })

	out := make([]*models.SecretManagerConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.cfg.Clone())
	}
	return out
}

// SetDefaultSecretManagerConfig makes id the only default of the account; an empty id clears it
func (m *MemoryStorage) SetDefaultSecretManagerConfig(_ context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		c, ok := m.configs[id]
		if !ok || c.cfg.AccountID != accountID {
			return fmt.Errorf("%w: secret manager config id=%s", ErrNotFound, id)
		}
	}
	for cid, c := range m.configs {
		if c.cfg.AccountID == accountID {
			c.cfg.Default = cid == id
		}
	}
	return nil
}

// DeleteSecretManagerConfig removes a config
func (m *MemoryStorage) DeleteSecretManagerConfig(_ context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.configs[id]
	if !ok || c.cfg.AccountID != accountID {
		return fmt.Errorf("%w: secret manager config id=%s", ErrNotFound, id)
	}
	delete(m.configs, id)
	return nil
}

// CreateEncryptedData inserts a record with its parents
func (m *MemoryStorage) CreateEncryptedData(_ context.Context, data *models.EncryptedData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[data.ID]; ok {
		return fmt.Errorf("%w: encrypted data id=%s", ErrConflict, data.ID)
	}
	if m.nameTaken(data.AccountID, data.Name, data.ID) {
		return fmt.Errorf("%w: secret '%s' in account '%s'", ErrConflict, data.Name, data.AccountID)
	}

	now := time.Now().UTC()
	data.CreatedAt = now
	data.UpdatedAt = now
	data.Version = 1

	stored := data.Clone()
	stored.Parents = nil
	for _, p := range data.Parents {
		stored.AddParent(p)
	}
	if stored.Parents == nil {
		stored.Parents = []models.Parent{}
	}
	m.records[data.ID] = &memoryRecord{seq: m.nextSeq(), data: stored}
	return nil
}

func (m *MemoryStorage) nameTaken(accountID, name, exceptID string) bool {
	for id, r := range m.records {
		if id != exceptID && r.data.AccountID == accountID && r.data.Name == name {
			return true
		}
	}
	return false
}

// UpdateEncryptedData rewrites the record and bumps Version
func (m *MemoryStorage) UpdateEncryptedData(_ context.Context, data *models.EncryptedData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.record(data.AccountID, data.ID)
	if err != nil {
		return err
	}
	return m.apply(r, data)
}

// CompareAndSwapEncryptedData updates the record only if kms id and version still match
func (m *MemoryStorage) CompareAndSwapEncryptedData(_ context.Context, data *models.EncryptedData, expectedKmsID string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.record(data.AccountID, data.ID)
	if err != nil {
		return err
	}
	if r.data.KmsID != expectedKmsID || r.data.Version != expectedVersion {
		return fmt.Errorf("%w: record %s expected kms %s at version %d",
			ErrVersionMismatch, data.ID, expectedKmsID, expectedVersion)
	}
	return m.apply(r, data)
}

func (m *MemoryStorage) apply(r *memoryRecord, data *models.EncryptedData) error {
	if m.nameTaken(data.AccountID, data.Name, data.ID) {
		return fmt.Errorf("%w: secret '%s' in account '%s'", ErrConflict, data.Name, data.AccountID)
	}
	updated := data.Clone()
	updated.Parents = r.data.Parents
	updated.CreatedAt = r.data.CreatedAt
	updated.CreatedBy = r.data.CreatedBy
	updated.UpdatedAt = time.Now().UTC()
	updated.Version = r.data.Version + 1
	r.data = updated

	data.Version = updated.Version
	data.UpdatedAt = updated.UpdatedAt
	return nil
}

func (m *MemoryStorage) record(accountID, id string) (*memoryRecord, error) {
	r, ok := m.records[id]
	if !ok || r.data.AccountID != accountID {
		return nil, fmt.Errorf("%w: encrypted data id=%s", ErrNotFound, id)
	}
	return r, nil
}

// GetEncryptedData retrieves a record with its parents
func (m *MemoryStorage) GetEncryptedData(_ context.Context, accountID, id string) (*models.EncryptedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.record(accountID, id)
	if err != nil {
		return nil, err
	}
	return r.data.Clone(), nil
}

// GetEncryptedDataByName retrieves a record by account and name
func (m *MemoryStorage) GetEncryptedDataByName(_ context.Context, accountID, name string) (*models.EncryptedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.records {
		if r.data.AccountID == accountID && r.data.Name == name {
			return r.data.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: encrypted data name=%s", ErrNotFound, name)
}

// ListEncryptedData returns the account's records matching the filter, oldest first
func (m *MemoryStorage) ListEncryptedData(_ context.Context, accountID string, filter EncryptedDataFilter) ([]*models.EncryptedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*memoryRecord
	for _, r := range m.records {
		d := r.data
		if d.AccountID != accountID {
			continue
		}
		if filter.KmsID != "" && d.KmsID != filter.KmsID {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, d.Type) {
			continue
		}
		if slices.Contains(filter.ExcludeTypes, d.Type) {
			continue
		}
		entries = append(entries, r)
	}
	slices.SortFunc(entries, func(a, b *memoryRecord) int { return int(a.seq - b.seq) })

	out := make([]*models.EncryptedData, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.data.Clone())
	}
	return out, nil
}

// AddParent adds a consumer reference; it returns false if it was already present
func (m *MemoryStorage) AddParent(_ context.Context, accountID, recordID string, parent models.Parent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.record(accountID, recordID)
	if err != nil {
		return false, err
	}
	return r.data.AddParent(parent), nil
}

// RemoveParent drops a consumer reference; it returns false if it was absent
func (m *MemoryStorage) RemoveParent(_ context.Context, accountID, recordID string, parent models.Parent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.record(accountID, recordID)
	if err != nil {
		return false, err
	}
	return r.data.RemoveParent(parent), nil
}

// DeleteEncryptedData removes a record and its parents
func (m *MemoryStorage) DeleteEncryptedData(_ context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.record(accountID, id); err != nil {
		return err
	}
	delete(m.records, id)
	return nil
}

// AppendChangeLog appends a change log entry
func (m *MemoryStorage) AppendChangeLog(_ context.Context, entry *models.SecretChangeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	m.changeLogs = append(m.changeLogs, &cp)
	return nil
}

// ListChangeLogs returns a record's change log, newest first
func (m *MemoryStorage) ListChangeLogs(_ context.Context, accountID, recordID string) ([]*models.SecretChangeLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.SecretChangeLog{}
	for i := len(m.changeLogs) - 1; i >= 0; i-- {
		e := m.changeLogs[i]
		if e.AccountID == accountID && e.RecordID == recordID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AppendUsageLog appends a usage log entry
func (m *MemoryStorage) AppendUsageLog(_ context.Context, entry *models.SecretUsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	m.usageLogs = append(m.usageLogs, &cp)
	return nil
}

// ListUsageLogs returns a record's usage log newest first
func (m *MemoryStorage) ListUsageLogs(_ context.Context, accountID, recordID, entityType string) ([]*models.SecretUsageLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.SecretUsageLog{}
	for i := len(m.usageLogs) - 1; i >= 0; i-- {
		e := m.usageLogs[i]
		if e.AccountID != accountID || e.RecordID != recordID {
			continue
		}
		if entityType != "" && e.Context.EntityType != entityType {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// SaveAuditEvent persists a config audit event
func (m *MemoryStorage) SaveAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

// ListAuditEvents returns the account's config audit events newest first
func (m *MemoryStorage) ListAuditEvents(_ context.Context, accountID string, limit int) ([]*models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.AuditEvent{}
	for i := len(m.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if m.events[i].AccountID == accountID {
			cp := *m.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store
func (m *MemoryStorage) Close() error {
	return nil
}
