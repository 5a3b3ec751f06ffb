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
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

func TestNewSQLiteStorage_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	storage, err := NewSQLiteStorage(dbPath, zap.NewNop())
	assert.NilError(t, err)
	defer storage.Close()
	assert.Assert(t, storage.db != nil)
	assert.Equal(t, storage.Driver(), DriverSQLite)
}

func TestNewSQLiteStorage_InvalidPath(t *testing.T) {
	_, err := NewSQLiteStorage("/non/existent/path/test.db", zap.NewNop())
	assert.Assert(t, err != nil)
}

func TestSQLiteStorage_SchemaInitialization(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test_schema.db")

	storage, err := NewSQLiteStorage(dbPath, zap.NewNop())
	assert.NilError(t, err)

	var version int
	err = storage.db.QueryRow("PRAGMA user_version").Scan(&version)
	assert.NilError(t, err)
	assert.Equal(t, version, 1)

	tables := []string{
		"secret_manager_configs",
		"encrypted_data",
		"encrypted_data_parents",
		"secret_change_logs",
		"secret_usage_logs",
		"config_audit_events",
		"migration_tasks",
	}
	for _, table := range tables {
		var name string
		err := storage.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NilError(t, err, "table %s should exist", table)
	}
	assert.NilError(t, storage.Close())

	// reopening an initialized database leaves the schema alone
	reopened, err := NewSQLiteStorage(dbPath, zap.NewNop())
	assert.NilError(t, err)
	assert.NilError(t, reopened.Close())
}

func TestSQLiteStorage_SingleDefaultIndex(t *testing.T) {
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "idx.db"), zap.NewNop())
	assert.NilError(t, err)
	defer storage.Close()

	insert := `INSERT INTO secret_manager_configs (id, account_id, name, encryption_type, is_default, read_only,
		renewal_interval, configuration, created_at, updated_at)
		VALUES (?, 'acc', ?, 'LOCAL', 1, 0, 0, '{}', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	_, err = storage.db.Exec(insert, "a", "a")
	assert.NilError(t, err)

	// a raw second default for the same account is rejected by the partial unique index
	_, err = storage.db.Exec(insert, "b", "b")
	assert.Assert(t, isUniqueConstraintError(err))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a(x);\n")
	assert.Equal(t, len(stmts), 2)
}

func TestPostgresConfigDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, Database: "secrets", User: "sm", Password: "pw"}
	assert.Equal(t, cfg.DSN(), "host=db port=5432 dbname=secrets user=sm password=pw sslmode=disable")
}

func TestSQLStorage_SaveDefaultRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NilError(t, err)
	defer db.Close()

	s := newSQLStorage(sqlx.NewDb(db, "sqlmock"), DriverSQLite, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE secret_manager_configs SET is_default").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO secret_manager_configs").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.SaveSecretManagerConfig(context.Background(), newKMSConfig("acc", "k1", true))
	assert.ErrorContains(t, err, "disk I/O error")
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_SetDefaultRollsBackOnMissingConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NilError(t, err)
	defer db.Close()

	s := newSQLStorage(sqlx.NewDb(db, "sqlmock"), DriverSQLite, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE secret_manager_configs SET is_default").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE secret_manager_configs SET is_default").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.SetDefaultSecretManagerConfig(context.Background(), "acc", "missing")
	assert.Assert(t, IsNotFoundError(err))
	assert.NilError(t, mock.ExpectationsWereMet())
}
