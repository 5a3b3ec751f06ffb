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
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/audit"
	"github.com/wso2/api-platform/secret-manager/pkg/bootstrap"
	"github.com/wso2/api-platform/secret-manager/pkg/config"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption/kms"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption/local"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption/vault"
	"github.com/wso2/api-platform/secret-manager/pkg/features"
	"github.com/wso2/api-platform/secret-manager/pkg/logger"
	"github.com/wso2/api-platform/secret-manager/pkg/metrics"
	"github.com/wso2/api-platform/secret-manager/pkg/migration"
	"github.com/wso2/api-platform/secret-manager/pkg/secretmanager"
	"github.com/wso2/api-platform/secret-manager/pkg/storage"
	"github.com/wso2/api-platform/secret-manager/pkg/taskqueue"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "configs/config.toml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	sm := &cfg.SecretManager

	log, err := logger.NewLogger(logger.Config{
		Level:  sm.Logging.Level,
		Format: sm.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Secret Manager",
		zap.String("config_file", *configPath),
		zap.String("storage_type", sm.Storage.Type),
		zap.Bool("migration_enabled", sm.Migration.Enabled),
		zap.Bool("local_fallback_enabled", sm.Accounts.LocalFallbackEnabled),
	)

	metrics.SetEnabled(sm.Metrics.Enabled)
	var metricsServer *metrics.Server
	if sm.Metrics.Enabled {
		metricsServer = metrics.NewServer(&sm.Metrics, log)
		if err := metricsServer.Start(); err != nil {
			log.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	db, queue, err := openStorage(sm, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer db.Close()

	encryptors, err := newEncryptors(sm, log)
	if err != nil {
		log.Fatal("Failed to initialize encryption backends", zap.Error(err))
	}

	trail := audit.NewTrail(db, log)
	sink := audit.MultiSink{audit.NewStoreSink(db), audit.NewLogSink(log)}
	registry := secretmanager.NewRegistry(db, encryptors, features.FromConfig(&sm.Accounts), sink, trail,
		secretmanager.Options{
			GlobalAccountID:      sm.Accounts.GlobalAccountID,
			LocalFallbackEnabled: sm.Accounts.LocalFallbackEnabled,
		}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if res, err := bootstrap.SeedFile(ctx, registry, sm.Bootstrap.ConfigsPath, log); err != nil {
		log.Error("Failed to seed global secret managers", zap.Error(err))
	} else if res.Created+res.Updated > 0 {
		log.Info("Seeded global secret managers",
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated))
	}

	var worker *migration.Worker
	if sm.Migration.Enabled {
		worker = migration.NewWorker(db, registry, queue, migration.WorkerConfig{
			Workers:        sm.Migration.Workers,
			PollInterval:   sm.Migration.PollInterval,
			BatchSize:      sm.Migration.BatchSize,
			MaxAttempts:    sm.Migration.MaxAttempts,
			InitialBackoff: sm.Migration.InitialBackoff,
			MaxBackoff:     sm.Migration.MaxBackoff,
			LeaseTimeout:   sm.Migration.LeaseTimeout,
		}, log)
		if err := worker.Start(ctx); err != nil {
			log.Fatal("Failed to start migration worker", zap.Error(err))
		}
	} else {
		log.Info("Migration worker is disabled")
	}

	renewalDone := make(chan struct{})
	if sm.Renewal.Enabled {
		go func() {
			defer close(renewalDone)
			runRenewal(ctx, registry, sm.Renewal.Interval, log)
		}()
	} else {
		close(renewalDone)
	}

	<-ctx.Done()
	log.Info("Shutting down Secret Manager")

	if worker != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), sm.Migration.ShutdownTimeout)
		if err := worker.Stop(stopCtx); err != nil {
			log.Error("Migration worker did not stop cleanly", zap.Error(err))
		}
		cancel()
	}
	<-renewalDone

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sm.Server.ShutdownTimeout)
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.Error("Metrics server forced to shutdown", zap.Error(err))
		}
		cancel()
	}

	log.Info("Secret Manager stopped")
}

// openStorage returns the record store and the migration queue living next to it
func openStorage(sm *config.SecretManager, log *zap.Logger) (storage.Storage, taskqueue.Queue, error) {
	switch sm.Storage.Type {
	case "memory":
		log.Info("Running in memory-only mode (no persistent storage)")
		return storage.NewMemoryStorage(), taskqueue.NewMemoryQueue(), nil
	case "sqlite":
		log.Info("Initializing SQLite storage", zap.String("path", sm.Storage.SQLite.Path))
		db, err := storage.NewSQLiteStorage(sm.Storage.SQLite.Path, log)
		if err != nil {
			return nil, nil, err
		}
		return db, taskqueue.NewSQLQueue(db.DB(), log), nil
	case "postgres":
		pg := sm.Storage.Postgres
		log.Info("Initializing PostgreSQL storage",
			zap.String("host", pg.Host),
			zap.Int("port", pg.Port),
			zap.String("database", pg.Database))
		db, err := storage.NewPostgresStorage(storage.PostgresConfig{
			Host:         pg.Host,
			Port:         pg.Port,
			Database:     pg.Database,
			User:         pg.User,
			Password:     pg.Password,
			SSLMode:      pg.SSLMode,
			MaxOpenConns: pg.MaxOpenConns,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return db, taskqueue.NewSQLQueue(db.DB(), log), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", sm.Storage.Type)
	}
}

// newEncryptors builds the guarded backend registry: local envelope encryption, AWS KMS and Vault
func newEncryptors(sm *config.SecretManager, log *zap.Logger) (*encryption.Registry, error) {
	keyConfigs := make([]local.KeyConfig, 0, len(sm.Encryption.Local.Keys))
	for _, k := range sm.Encryption.Local.Keys {
		keyConfigs = append(keyConfigs, local.KeyConfig{Version: k.Version, FilePath: k.FilePath})
	}
	keys, err := local.NewKeyManager(keyConfigs, log)
	if err != nil {
		return nil, err
	}

	guard := encryption.NewGuard(encryption.GuardConfig{
		CallTimeout: sm.Encryption.Backend.CallTimeout,
		MaxFailures: sm.Encryption.Backend.BreakerMaxFailures,
		OpenTimeout: sm.Encryption.Backend.BreakerOpenTimeout,
	}, log)

	return encryption.NewRegistry(guard, log,
		local.NewEncryptor(keys, log),
		kms.NewEncryptor(log),
		vault.NewEncryptor(log),
	)
}

// runRenewal periodically renews the tokens of configs that carry a renewal interval
func runRenewal(ctx context.Context, registry *secretmanager.Registry, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			renewed, err := registry.RenewDue(ctx, now)
			if err != nil && ctx.Err() == nil {
				log.Warn("Secret manager token renewal failed", zap.Error(err))
			}
			if renewed > 0 {
				log.Info("Renewed secret manager tokens", zap.Int("count", renewed))
			}
		}
	}
}
