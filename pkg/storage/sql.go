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
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// Supported database/sql driver names
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

//go:embed schema.sqlite.sql
var sqliteSchemaSQL string

//go:embed schema.postgres.sql
var postgresSchemaSQL string

const (
	configColumns = `id, account_id, name, encryption_type, is_default, read_only,
		renewal_interval, configuration, created_at, updated_at`
	encryptedDataColumns = `id, account_id, name, encryption_key, encrypted_value, path,
		encryption_type, kms_id, type, enabled, scoped_to_account, usage_restrictions,
		file_size, version, created_by, updated_by, created_at, updated_at`
)

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
}

// DSN builds a keyword/value connection string
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslMode)
}

// SQLStorage implements Storage on SQLite or PostgreSQL through sqlx
type SQLStorage struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string, logger *zap.Logger) (*SQLStorage, error) {
	// Build connection string with SQLite pragmas for optimal performance
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_cache_size=2000&_foreign_keys=ON", dbPath)

	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// CRITICAL: Prevents "database is locked" errors with concurrent access
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := newSQLStorage(db, DriverSQLite, logger)
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite storage initialized",
		zap.String("database_path", dbPath),
		zap.String("journal_mode", "WAL"))

	return s, nil
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(cfg PostgresConfig, logger *zap.Logger) (*SQLStorage, error) {
	db, err := sqlx.Open(DriverPostgres, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}

	s := newSQLStorage(db, DriverPostgres, logger)
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("PostgreSQL storage initialized",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))

	return s, nil
}

func newSQLStorage(db *sqlx.DB, driver string, logger *zap.Logger) *SQLStorage {
	return &SQLStorage{db: db, driver: driver, logger: logger}
}

// DB exposes the underlying handle so the task queue can share the database
func (s *SQLStorage) DB() *sqlx.DB {
	return s.db
}

// Driver returns the database/sql driver name
func (s *SQLStorage) Driver() string {
	return s.driver
}

// initSchema creates the database schema if it doesn't exist
func (s *SQLStorage) initSchema() error {
	schema := postgresSchemaSQL
	if s.driver == DriverSQLite {
		var version int
		if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
			return fmt.Errorf("failed to query schema version: %w", err)
		}
		if version > 0 {
			s.logger.Info("Database schema already exists", zap.Int("version", version))
			return nil
		}
		schema = sqliteSchemaSQL
	}

	s.logger.Info("Initializing database schema (version 1)", zap.String("driver", s.driver))
	for _, stmt := range splitStatements(schema) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	s.logger.Info("Database schema initialized successfully")
	return nil
}

func splitStatements(schema string) []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

type configRow struct {
	ID              string    `db:"id"`
	AccountID       string    `db:"account_id"`
	Name            string    `db:"name"`
	EncryptionType  string    `db:"encryption_type"`
	IsDefault       bool      `db:"is_default"`
	ReadOnly        bool      `db:"read_only"`
	RenewalInterval int64     `db:"renewal_interval"`
	Configuration   string    `db:"configuration"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *configRow) toModel() (*models.SecretManagerConfig, error) {
	var cfg models.SecretManagerConfig
	if err := json.Unmarshal([]byte(r.Configuration), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration %s: %w", r.ID, err)
	}
	cfg.ID = r.ID
	cfg.AccountID = r.AccountID
	cfg.Name = r.Name
	cfg.EncryptionType = models.EncryptionType(r.EncryptionType)
	cfg.Default = r.IsDefault
	cfg.ReadOnly = r.ReadOnly
	cfg.RenewalInterval = time.Duration(r.RenewalInterval)
	cfg.CreatedAt = r.CreatedAt
	cfg.UpdatedAt = r.UpdatedAt
	return &cfg, nil
}

// SaveSecretManagerConfig upserts a config and, when it is the default, clears every other
// default of the account inside the same transaction
func (s *SQLStorage) SaveSecretManagerConfig(ctx context.Context, cfg *models.SecretManagerConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if cfg.Default {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`UPDATE secret_manager_configs SET is_default = ? WHERE account_id = ? AND id <> ? AND is_default = ?`),
			false, cfg.AccountID, cfg.ID, true); err != nil {
			return fmt.Errorf("failed to clear default flag: %w", err)
		}
	}

	query := `
		INSERT INTO secret_manager_configs (
			id, account_id, name, encryption_type, is_default, read_only,
			renewal_interval, configuration, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			encryption_type = excluded.encryption_type,
			is_default = excluded.is_default,
			read_only = excluded.read_only,
			renewal_interval = excluded.renewal_interval,
			configuration = excluded.configuration,
			updated_at = excluded.updated_at
		WHERE secret_manager_configs.account_id = excluded.account_id
	`
	result, err := tx.ExecContext(ctx, s.db.Rebind(query),
		cfg.ID,
		cfg.AccountID,
		cfg.Name,
		string(cfg.EncryptionType),
		cfg.Default,
		cfg.ReadOnly,
		int64(cfg.RenewalInterval),
		string(configJSON),
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: secret manager '%s' in account '%s'", ErrConflict, cfg.Name, cfg.AccountID)
		}
		return fmt.Errorf("failed to save secret manager config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: id=%s belongs to another account", ErrConflict, cfg.ID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit secret manager config: %w", err)
	}

	s.logger.Debug("Secret manager config saved",
		zap.String("account_id", cfg.AccountID),
		zap.String("config_id", cfg.ID),
		zap.Bool("default", cfg.Default))
	return nil
}

// GetSecretManagerConfig retrieves a config by account and id
func (s *SQLStorage) GetSecretManagerConfig(ctx context.Context, accountID, id string) (*models.SecretManagerConfig, error) {
	return s.getConfig(ctx, `account_id = ? AND id = ?`, accountID, id)
}

// GetSecretManagerConfigByName retrieves a config by account and display name
func (s *SQLStorage) GetSecretManagerConfigByName(ctx context.Context, accountID, name string) (*models.SecretManagerConfig, error) {
	return s.getConfig(ctx, `account_id = ? AND name = ?`, accountID, name)
}

func (s *SQLStorage) getConfig(ctx context.Context, where string, args ...any) (*models.SecretManagerConfig, error) {
	var row configRow
	query := s.db.Rebind(`SELECT ` + configColumns + ` FROM secret_manager_configs WHERE ` + where)
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: secret manager config %v", ErrNotFound, args)
		}
		return nil, fmt.Errorf("failed to query secret manager config: %w", err)
	}
	return row.toModel()
}

// ListSecretManagerConfigs returns the account's configs, most recently created first
func (s *SQLStorage) ListSecretManagerConfigs(ctx context.Context, accountID string) ([]*models.SecretManagerConfig, error) {
	return s.listConfigs(ctx, `WHERE account_id = ?`, accountID)
}

// ListRenewableSecretManagerConfigs returns configs of every account with a renewal interval
func (s *SQLStorage) ListRenewableSecretManagerConfigs(ctx context.Context) ([]*models.SecretManagerConfig, error) {
	return s.listConfigs(ctx, `WHERE renewal_interval > ?`, 0)
}

func (s *SQLStorage) listConfigs(ctx context.Context, where string, args ...any) ([]*models.SecretManagerConfig, error) {
	var rows []configRow
	query := s.db.Rebind(`SELECT ` + configColumns + ` FROM secret_manager_configs ` + where + ` ORDER BY seq DESC`)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query secret manager configs: %w", err)
	}
	out := make([]*models.SecretManagerConfig, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// SetDefaultSecretManagerConfig makes id the only default of the account; an empty id clears it
func (s *SQLStorage) SetDefaultSecretManagerConfig(ctx context.Context, accountID, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`UPDATE secret_manager_configs SET is_default = ? WHERE account_id = ? AND is_default = ?`),
		false, accountID, true); err != nil {
		return fmt.Errorf("failed to clear default flag: %w", err)
	}

	if id != "" {
		result, err := tx.ExecContext(ctx, s.db.Rebind(
			`UPDATE secret_manager_configs SET is_default = ?, updated_at = ? WHERE account_id = ? AND id = ?`),
			true, time.Now().UTC(), accountID, id)
		if err != nil {
			return fmt.Errorf("failed to set default flag: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: secret manager config id=%s", ErrNotFound, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit default switch: %w", err)
	}
	return nil
}

// DeleteSecretManagerConfig removes a config
func (s *SQLStorage) DeleteSecretManagerConfig(ctx context.Context, accountID, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM secret_manager_configs WHERE account_id = ? AND id = ?`), accountID, id)
	if err != nil {
		return fmt.Errorf("failed to delete secret manager config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: secret manager config id=%s", ErrNotFound, id)
	}

	s.logger.Debug("Secret manager config deleted", zap.String("account_id", accountID), zap.String("config_id", id))
	return nil
}

type encryptedDataRow struct {
	ID                string         `db:"id"`
	AccountID         string         `db:"account_id"`
	Name              string         `db:"name"`
	EncryptionKey     string         `db:"encryption_key"`
	EncryptedValue    []byte         `db:"encrypted_value"`
	Path              string         `db:"path"`
	EncryptionType    string         `db:"encryption_type"`
	KmsID             string         `db:"kms_id"`
	Type              string         `db:"type"`
	Enabled           bool           `db:"enabled"`
	ScopedToAccount   bool           `db:"scoped_to_account"`
	UsageRestrictions sql.NullString `db:"usage_restrictions"`
	FileSize          int64          `db:"file_size"`
	Version           int64          `db:"version"`
	CreatedBy         sql.NullString `db:"created_by"`
	UpdatedBy         sql.NullString `db:"updated_by"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *encryptedDataRow) toModel() (*models.EncryptedData, error) {
	d := &models.EncryptedData{
		ID:              r.ID,
		AccountID:       r.AccountID,
		Name:            r.Name,
		EncryptionKey:   r.EncryptionKey,
		EncryptedValue:  r.EncryptedValue,
		Path:            r.Path,
		EncryptionType:  models.EncryptionType(r.EncryptionType),
		KmsID:           r.KmsID,
		Type:            models.SecretType(r.Type),
		Enabled:         r.Enabled,
		ScopedToAccount: r.ScopedToAccount,
		FileSize:        r.FileSize,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Parents:         []models.Parent{},
	}
	if r.UsageRestrictions.Valid && r.UsageRestrictions.String != "" {
		var u models.UsageRestrictions
		if err := json.Unmarshal([]byte(r.UsageRestrictions.String), &u); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage restrictions of %s: %w", r.ID, err)
		}
		d.UsageRestrictions = &u
	}
	if err := unmarshalActor(r.CreatedBy, &d.CreatedBy); err != nil {
		return nil, err
	}
	if err := unmarshalActor(r.UpdatedBy, &d.UpdatedBy); err != nil {
		return nil, err
	}
	return d, nil
}

func unmarshalActor(v sql.NullString, out *models.Actor) error {
	if !v.Valid || v.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(v.String), out); err != nil {
		return fmt.Errorf("failed to unmarshal actor: %w", err)
	}
	return nil
}

func nullJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

type parentRow struct {
	RecordID   string `db:"record_id"`
	EntityID   string `db:"entity_id"`
	EntityType string `db:"entity_type"`
}

// CreateEncryptedData inserts a record with its parents; Version is set to 1
func (s *SQLStorage) CreateEncryptedData(ctx context.Context, data *models.EncryptedData) error {
	now := time.Now().UTC()
	data.CreatedAt = now
	data.UpdatedAt = now
	data.Version = 1

	restrictions, err := s.usageRestrictionsJSON(data)
	if err != nil {
		return err
	}
	createdBy, _ := nullJSON(data.CreatedBy)
	updatedBy, _ := nullJSON(data.UpdatedBy)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO encrypted_data (` + encryptedDataColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, s.db.Rebind(query),
		data.ID, data.AccountID, data.Name, data.EncryptionKey, data.EncryptedValue, data.Path,
		string(data.EncryptionType), data.KmsID, string(data.Type), data.Enabled, data.ScopedToAccount,
		restrictions, data.FileSize, data.Version, createdBy, updatedBy, data.CreatedAt, data.UpdatedAt,
	); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: secret '%s' in account '%s'", ErrConflict, data.Name, data.AccountID)
		}
		return fmt.Errorf("failed to insert encrypted data: %w", err)
	}

	for _, p := range data.Parents {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO encrypted_data_parents (record_id, entity_id, entity_type) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`),
			data.ID, p.EntityID, p.EntityType); err != nil {
			return fmt.Errorf("failed to insert parent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit encrypted data: %w", err)
	}
	return nil
}

func (s *SQLStorage) usageRestrictionsJSON(data *models.EncryptedData) (sql.NullString, error) {
	if data.UsageRestrictions == nil {
		return sql.NullString{}, nil
	}
	v, err := nullJSON(data.UsageRestrictions)
	if err != nil {
		return v, fmt.Errorf("failed to marshal usage restrictions: %w", err)
	}
	return v, nil
}

// UpdateEncryptedData rewrites the record columns and bumps Version
func (s *SQLStorage) UpdateEncryptedData(ctx context.Context, data *models.EncryptedData) error {
	return s.updateEncryptedData(ctx, data, "", 0, false)
}

// CompareAndSwapEncryptedData updates the record only if kms id and version still match
func (s *SQLStorage) CompareAndSwapEncryptedData(ctx context.Context, data *models.EncryptedData, expectedKmsID string, expectedVersion int64) error {
	return s.updateEncryptedData(ctx, data, expectedKmsID, expectedVersion, true)
}

func (s *SQLStorage) updateEncryptedData(ctx context.Context, data *models.EncryptedData, expectedKmsID string, expectedVersion int64, cas bool) error {
	restrictions, err := s.usageRestrictionsJSON(data)
	if err != nil {
		return err
	}
	updatedBy, _ := nullJSON(data.UpdatedBy)
	now := time.Now().UTC()

	query := `
		UPDATE encrypted_data
		SET name = ?, encryption_key = ?, encrypted_value = ?, path = ?, encryption_type = ?,
		    kms_id = ?, type = ?, enabled = ?, scoped_to_account = ?, usage_restrictions = ?,
		    file_size = ?, updated_by = ?, updated_at = ?, version = version + 1
		WHERE account_id = ? AND id = ?`
	args := []any{
		data.Name, data.EncryptionKey, data.EncryptedValue, data.Path, string(data.EncryptionType),
		data.KmsID, string(data.Type), data.Enabled, data.ScopedToAccount, restrictions,
		data.FileSize, updatedBy, now, data.AccountID, data.ID,
	}
	if cas {
		query += ` AND kms_id = ? AND version = ?`
		args = append(args, expectedKmsID, expectedVersion)
	}
	query += ` RETURNING version`

	var version int64
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(query), args...).Scan(&version); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: secret '%s' in account '%s'", ErrConflict, data.Name, data.AccountID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to update encrypted data: %w", err)
		}
		if cas {
			if _, getErr := s.GetEncryptedData(ctx, data.AccountID, data.ID); getErr == nil {
				return fmt.Errorf("%w: record %s expected kms %s at version %d",
					ErrVersionMismatch, data.ID, expectedKmsID, expectedVersion)
			}
		}
		return fmt.Errorf("%w: encrypted data id=%s", ErrNotFound, data.ID)
	}

	data.Version = version
	data.UpdatedAt = now
	return nil
}

// GetEncryptedData retrieves a record with its parents
func (s *SQLStorage) GetEncryptedData(ctx context.Context, accountID, id string) (*models.EncryptedData, error) {
	return s.getEncryptedData(ctx, `account_id = ? AND id = ?`, accountID, id)
}

// GetEncryptedDataByName retrieves a record by account and name
func (s *SQLStorage) GetEncryptedDataByName(ctx context.Context, accountID, name string) (*models.EncryptedData, error) {
	return s.getEncryptedData(ctx, `account_id = ? AND name = ?`, accountID, name)
}

func (s *SQLStorage) getEncryptedData(ctx context.Context, where string, args ...any) (*models.EncryptedData, error) {
	var row encryptedDataRow
	query := s.db.Rebind(`SELECT ` + encryptedDataColumns + ` FROM encrypted_data WHERE ` + where)
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: encrypted data %v", ErrNotFound, args)
		}
		return nil, fmt.Errorf("failed to query encrypted data: %w", err)
	}
	d, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := s.loadParents(ctx, []*models.EncryptedData{d}); err != nil {
		return nil, err
	}
	return d, nil
}

// ListEncryptedData returns the account's records matching the filter, oldest first
func (s *SQLStorage) ListEncryptedData(ctx context.Context, accountID string, filter EncryptedDataFilter) ([]*models.EncryptedData, error) {
	query := `SELECT ` + encryptedDataColumns + ` FROM encrypted_data WHERE account_id = ?`
	args := []any{accountID}
	if filter.KmsID != "" {
		query += ` AND kms_id = ?`
		args = append(args, filter.KmsID)
	}
	if len(filter.Types) > 0 {
		query += ` AND type IN (?)`
		args = append(args, typeStrings(filter.Types))
	}
	if len(filter.ExcludeTypes) > 0 {
		query += ` AND type NOT IN (?)`
		args = append(args, typeStrings(filter.ExcludeTypes))
	}
	query += ` ORDER BY seq ASC`

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand query: %w", err)
	}

	var rows []encryptedDataRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query encrypted data: %w", err)
	}
	out := make([]*models.EncryptedData, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := s.loadParents(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func typeStrings(types []models.SecretType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (s *SQLStorage) loadParents(ctx context.Context, records []*models.EncryptedData) error {
	if len(records) == 0 {
		return nil
	}
	byID := make(map[string]*models.EncryptedData, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	query, args, err := sqlx.In(
		`SELECT record_id, entity_id, entity_type FROM encrypted_data_parents WHERE record_id IN (?) ORDER BY entity_type, entity_id`, ids)
	if err != nil {
		return fmt.Errorf("failed to expand query: %w", err)
	}
	var rows []parentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to query parents: %w", err)
	}
	for _, p := range rows {
		if r, ok := byID[p.RecordID]; ok {
			r.Parents = append(r.Parents, models.Parent{EntityID: p.EntityID, EntityType: p.EntityType})
		}
	}
	return nil
}

// AddParent adds a consumer reference; it returns false if it was already present
func (s *SQLStorage) AddParent(ctx context.Context, accountID, recordID string, parent models.Parent) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureRecord(ctx, tx, accountID, recordID); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO encrypted_data_parents (record_id, entity_id, entity_type) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`),
		recordID, parent.EntityID, parent.EntityType)
	if err != nil {
		return false, fmt.Errorf("failed to insert parent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit parent: %w", err)
	}
	return rows > 0, nil
}

// RemoveParent drops a consumer reference; it returns false if it was absent
func (s *SQLStorage) RemoveParent(ctx context.Context, accountID, recordID string, parent models.Parent) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureRecord(ctx, tx, accountID, recordID); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM encrypted_data_parents WHERE record_id = ? AND entity_id = ? AND entity_type = ?`),
		recordID, parent.EntityID, parent.EntityType)
	if err != nil {
		return false, fmt.Errorf("failed to delete parent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit parent removal: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLStorage) ensureRecord(ctx context.Context, tx *sqlx.Tx, accountID, recordID string) error {
	var n int
	if err := tx.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(1) FROM encrypted_data WHERE account_id = ? AND id = ?`), accountID, recordID); err != nil {
		return fmt.Errorf("failed to query encrypted data: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: encrypted data id=%s", ErrNotFound, recordID)
	}
	return nil
}

// DeleteEncryptedData removes a record and its parents
func (s *SQLStorage) DeleteEncryptedData(ctx context.Context, accountID, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureRecord(ctx, tx, accountID, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM encrypted_data_parents WHERE record_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete parents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM encrypted_data WHERE account_id = ? AND id = ?`), accountID, id); err != nil {
		return fmt.Errorf("failed to delete encrypted data: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit encrypted data deletion: %w", err)
	}

	s.logger.Debug("Encrypted data deleted", zap.String("account_id", accountID), zap.String("secret_id", id))
	return nil
}

type changeLogRow struct {
	ID          string    `db:"id"`
	AccountID   string    `db:"account_id"`
	RecordID    string    `db:"record_id"`
	ActorID     string    `db:"actor_id"`
	ActorName   string    `db:"actor_name"`
	ActorEmail  string    `db:"actor_email"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

// AppendChangeLog appends a change log entry
func (s *SQLStorage) AppendChangeLog(ctx context.Context, entry *models.SecretChangeLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO secret_change_logs (id, account_id, record_id, actor_id, actor_name, actor_email, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.AccountID, entry.RecordID, entry.Actor.ID, entry.Actor.Name, entry.Actor.Email,
		entry.Description, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert change log: %w", err)
	}
	return nil
}

// ListChangeLogs returns a record's change log, newest first
func (s *SQLStorage) ListChangeLogs(ctx context.Context, accountID, recordID string) ([]*models.SecretChangeLog, error) {
	var rows []changeLogRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, account_id, record_id, actor_id, actor_name, actor_email, description, created_at
		FROM secret_change_logs WHERE account_id = ? AND record_id = ? ORDER BY seq DESC`),
		accountID, recordID); err != nil {
		return nil, fmt.Errorf("failed to query change logs: %w", err)
	}
	out := make([]*models.SecretChangeLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.SecretChangeLog{
			ID:          r.ID,
			AccountID:   r.AccountID,
			RecordID:    r.RecordID,
			Actor:       models.Actor{ID: r.ActorID, Name: r.ActorName, Email: r.ActorEmail},
			Description: r.Description,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

type usageLogRow struct {
	ID            string    `db:"id"`
	AccountID     string    `db:"account_id"`
	RecordID      string    `db:"record_id"`
	EntityID      string    `db:"entity_id"`
	EntityType    string    `db:"entity_type"`
	AppID         string    `db:"app_id"`
	EnvID         string    `db:"env_id"`
	ExecutionName string    `db:"execution_name"`
	CreatedAt     time.Time `db:"created_at"`
}

// AppendUsageLog appends a usage log entry
func (s *SQLStorage) AppendUsageLog(ctx context.Context, entry *models.SecretUsageLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	c := entry.Context
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO secret_usage_logs (id, account_id, record_id, entity_id, entity_type, app_id, env_id, execution_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.AccountID, entry.RecordID, c.EntityID, c.EntityType, c.AppID, c.EnvID, c.ExecutionName, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}
	return nil
}

// ListUsageLogs returns a record's usage log newest first
func (s *SQLStorage) ListUsageLogs(ctx context.Context, accountID, recordID, entityType string) ([]*models.SecretUsageLog, error) {
	query := `
		SELECT id, account_id, record_id, entity_id, entity_type, app_id, env_id, execution_name, created_at
		FROM secret_usage_logs WHERE account_id = ? AND record_id = ?`
	args := []any{accountID, recordID}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY seq DESC`

	var rows []usageLogRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	out := make([]*models.SecretUsageLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.SecretUsageLog{
			ID:        r.ID,
			AccountID: r.AccountID,
			RecordID:  r.RecordID,
			Context: models.UsageContext{
				EntityID:      r.EntityID,
				EntityType:    r.EntityType,
				AppID:         r.AppID,
				EnvID:         r.EnvID,
				ExecutionName: r.ExecutionName,
			},
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

type auditEventRow struct {
	ID          string         `db:"id"`
	AccountID   string         `db:"account_id"`
	Operation   string         `db:"operation"`
	ResourceID  string         `db:"resource_id"`
	ActorID     string         `db:"actor_id"`
	ActorName   string         `db:"actor_name"`
	ActorEmail  string         `db:"actor_email"`
	BeforeImage sql.NullString `db:"before_image"`
	AfterImage  sql.NullString `db:"after_image"`
	CreatedAt   time.Time      `db:"created_at"`
}

func nullBytes(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func bytesOf(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

// SaveAuditEvent persists a config audit event
func (s *SQLStorage) SaveAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO config_audit_events (id, account_id, operation, resource_id, actor_id, actor_name, actor_email,
			before_image, after_image, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		event.ID, event.AccountID, string(event.Operation), event.ResourceID,
		event.Actor.ID, event.Actor.Name, event.Actor.Email,
		nullBytes(event.Before), nullBytes(event.After), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the account's config audit events newest first
func (s *SQLStorage) ListAuditEvents(ctx context.Context, accountID string, limit int) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, account_id, operation, resource_id, actor_id, actor_name, actor_email,
			before_image, after_image, created_at
		FROM config_audit_events WHERE account_id = ? ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []auditEventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	out := make([]*models.AuditEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.AuditEvent{
			ID:         r.ID,
			AccountID:  r.AccountID,
			Operation:  models.AuditOperation(r.Operation),
			ResourceID: r.ResourceID,
			Actor:      models.Actor{ID: r.ActorID, Name: r.ActorName, Email: r.ActorEmail},
			Before:     bytesOf(r.BeforeImage),
			After:      bytesOf(r.AfterImage),
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// isUniqueConstraintError checks if the error is a UNIQUE constraint violation on either driver
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
