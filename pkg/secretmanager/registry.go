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

// Package secretmanager is the registry of secret manager configs: it persists configs with
// their credentials, keeps at most one default per account and resolves the config a secret
// operation runs against.
package secretmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/audit"
	"github.com/wso2/api-platform/secret-manager/pkg/encryption"
	"github.com/wso2/api-platform/secret-manager/pkg/features"
	"github.com/wso2/api-platform/secret-manager/pkg/metrics"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secreterrors"
	"github.com/wso2/api-platform/secret-manager/pkg/storage"
)

// Options tunes registry behavior
type Options struct {
	// GlobalAccountID is the tenant-wide fallback account
	GlobalAccountID string
	// LocalFallbackEnabled makes the implicit local config usable when no default exists
	LocalFallbackEnabled bool
}

// Registry manages secret manager configs
type Registry struct {
	store      storage.Storage
	encryptors *encryption.Registry
	features   features.AccountFeatures
	sink       audit.Sink
	trail      *audit.Trail
	locks      *kmutex.Kmutex
	opts       Options
	logger     *zap.Logger
}

// NewRegistry creates a config registry
func NewRegistry(store storage.Storage, encryptors *encryption.Registry, flags features.AccountFeatures,
	sink audit.Sink, trail *audit.Trail, opts Options, logger *zap.Logger) *Registry {
	if opts.GlobalAccountID == "" {
		opts.GlobalAccountID = models.DefaultGlobalAccountID
	}
	return &Registry{
		store:      store,
		encryptors: encryptors,
		features:   flags,
		sink:       sink,
		trail:      trail,
		locks:      kmutex.New(),
		opts:       opts,
		logger:     logger,
	}
}

func actorFrom(ctx context.Context) models.Actor {
	return audit.ActorFromContext(ctx)
}

// GlobalAccountID returns the tenant-wide fallback account id
func (r *Registry) GlobalAccountID() string {
	return r.opts.GlobalAccountID
}

// CheckEntitled fails with an invalid-request error when the account is not onboarded
func (r *Registry) CheckEntitled(ctx context.Context, accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return secreterrors.InvalidRequest(accountID, "", "account id is required")
	}
	enabled, err := r.features.IsSecretManagementEnabled(ctx, accountID)
	if err != nil {
		return secreterrors.SecretManagement(accountID, "", err, "failed to look up account features")
	}
	if !enabled {
		return secreterrors.InvalidRequest(accountID, "", "secret management is not enabled for the account")
	}
	return nil
}

// Save creates or updates a config and returns its masked view. Secret-valued attributes are
// stored as local-encrypted records; masked attributes leave the stored credentials untouched.
// With validateConnection the backend is contacted before anything is written.
func (r *Registry) Save(ctx context.Context, accountID string, in *models.SecretManagerConfig, validateConnection bool) (saved *models.SecretManagerConfig, err error) {
	cfg := in.Clone()
	cfg.AccountID = accountID
	defer func() {
		metrics.ConfigOperationsTotal.WithLabelValues("save", string(cfg.EncryptionType), metrics.Status(err)).Inc()
	}()

	if err := r.CheckEntitled(ctx, accountID); err != nil {
		return nil, err
	}
	if cfg.EncryptionType == models.EncryptionTypeLocal && cfg.ID == accountID {
		return nil, secreterrors.InvalidRequest(accountID, cfg.ID, "the implicit local secret manager cannot be saved")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, secreterrors.InvalidRequest(accountID, cfg.ID, "invalid secret manager config: %v", err)
	}

	r.locks.Lock(accountID)
	defer r.locks.Unlock(accountID)

	var existing *models.SecretManagerConfig
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	} else {
		existing, err = r.store.GetSecretManagerConfig(ctx, accountID, cfg.ID)
		if err != nil && !storage.IsNotFoundError(err) {
			return nil, secreterrors.SecretManagement(accountID, cfg.ID, err, "failed to load secret manager")
		}
		if existing != nil {
			cfg.CreatedAt = existing.CreatedAt
			cfg.RenewedAt = existing.RenewedAt
		}
	}

	if validateConnection && len(cfg.TemplatizedFields) == 0 {
		if err := r.validateConnection(ctx, cfg, existing); err != nil {
			return nil, err
		}
	}

	writes, orphaned, err := r.storeCredentials(ctx, cfg, existing)
	if err != nil {
		r.rollbackCredentials(ctx, accountID, writes)
		if errors.Is(err, errMaskedWithoutValue) {
			return nil, secreterrors.InvalidRequest(accountID, cfg.ID, "%v", err)
		}
		return nil, secreterrors.SecretManagement(accountID, cfg.ID, err, "failed to store secret manager credentials")
	}

	if err := r.store.SaveSecretManagerConfig(ctx, cfg); err != nil {
		r.rollbackCredentials(ctx, accountID, writes)
		if storage.IsConflictError(err) {
			return nil, secreterrors.Conflict(accountID, cfg.ID, "secret manager named %q already exists", cfg.Name)
		}
		return nil, secreterrors.SecretManagement(accountID, cfg.ID, err, "failed to save secret manager")
	}
	r.deleteCredentials(ctx, accountID, orphaned)

	if existing == nil {
		err = r.sink.ReportCreate(ctx, accountID, cfg.Masked())
	} else {
		err = r.sink.ReportUpdate(ctx, accountID, existing.Masked(), cfg.Masked())
	}
	if err != nil {
		r.logger.Error("Failed to report secret manager change",
			zap.String("account_id", accountID),
			zap.String("config_id", cfg.ID),
			zap.Error(err))
		err = nil
	}

	r.logger.Info("Saved secret manager",
		zap.String("account_id", accountID),
		zap.String("config_id", cfg.ID),
		zap.String("encryption_type", string(cfg.EncryptionType)),
		zap.Bool("default", cfg.Default),
		zap.Bool("created", existing == nil))
	return cfg.Masked(), nil
}

func (r *Registry) validateConnection(ctx context.Context, cfg, existing *models.SecretManagerConfig) error {
	var hydratedExisting *models.SecretManagerConfig
	if existing != nil {
		var err error
		if hydratedExisting, err = r.hydrate(ctx, existing); err != nil {
			return secreterrors.SecretManagement(cfg.AccountID, cfg.ID, err, "failed to read stored credentials")
		}
	}
	candidate := mergeForValidation(cfg, hydratedExisting)
	enc, err := r.encryptors.For(candidate)
	if err != nil {
		return secreterrors.SecretManagement(cfg.AccountID, cfg.ID, err, "no backend for %s", cfg.EncryptionType)
	}
	if err := enc.ValidateConfig(ctx, cfg.AccountID, candidate); err != nil {
		return secreterrors.SecretManagement(cfg.AccountID, cfg.ID, err, "connection validation failed")
	}
	return nil
}

// Get returns a config of the account, or of the global account when the account has no config
// with that id. Secret attributes are masked unless unmasked is set.
func (r *Registry) Get(ctx context.Context, accountID, id string, unmasked bool) (*models.SecretManagerConfig, error) {
	cfg, err := r.lookup(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if !unmasked {
		return cfg.Masked(), nil
	}
	hydrated, err := r.hydrate(ctx, cfg)
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, id, err, "failed to read stored credentials")
	}
	return hydrated, nil
}

// lookup returns the persisted form of a config visible to the account
func (r *Registry) lookup(ctx context.Context, accountID, id string) (*models.SecretManagerConfig, error) {
	if id == accountID {
		return models.NewLocalConfig(accountID), nil
	}
	cfg, err := r.store.GetSecretManagerConfig(ctx, accountID, id)
	if storage.IsNotFoundError(err) && accountID != r.opts.GlobalAccountID {
		cfg, err = r.store.GetSecretManagerConfig(ctx, r.opts.GlobalAccountID, id)
	}
	if err != nil {
		if storage.IsNotFoundError(err) {
			return nil, secreterrors.NotFound(accountID, id, "secret manager not found")
		}
		return nil, secreterrors.SecretManagement(accountID, id, err, "failed to load secret manager")
	}
	return cfg, nil
}

// List returns the account's configs newest first followed by the global configs.
// Secret attributes are masked unless unmasked is set.
func (r *Registry) List(ctx context.Context, accountID string, unmasked bool) ([]*models.SecretManagerConfig, error) {
	if err := r.CheckEntitled(ctx, accountID); err != nil {
		return nil, err
	}
	configs, err := r.store.ListSecretManagerConfigs(ctx, accountID)
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, "", err, "failed to list secret managers")
	}
	if accountID != r.opts.GlobalAccountID {
		global, err := r.store.ListSecretManagerConfigs(ctx, r.opts.GlobalAccountID)
		if err != nil {
			return nil, secreterrors.SecretManagement(accountID, "", err, "failed to list global secret managers")
		}
		configs = append(configs, global...)
	}

	out := make([]*models.SecretManagerConfig, 0, len(configs))
	for _, cfg := range configs {
		if !unmasked {
			out = append(out, cfg.Masked())
			continue
		}
		hydrated, err := r.hydrate(ctx, cfg)
		if err != nil {
			return nil, secreterrors.SecretManagement(accountID, cfg.ID, err, "failed to read stored credentials")
		}
		out = append(out, hydrated)
	}
	return out, nil
}

// GetDefault returns the account's default config, else the global default.
// It fails with ErrNoSecretManager when neither exists.
func (r *Registry) GetDefault(ctx context.Context, accountID string) (*models.SecretManagerConfig, error) {
	if err := r.CheckEntitled(ctx, accountID); err != nil {
		return nil, err
	}
	cfg, err := r.defaultOf(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cfg == nil && accountID != r.opts.GlobalAccountID {
		if cfg, err = r.defaultOf(ctx, r.opts.GlobalAccountID); err != nil {
			return nil, err
		}
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w for account %s", secreterrors.ErrNoSecretManager, accountID)
	}
	return cfg.Masked(), nil
}

func (r *Registry) defaultOf(ctx context.Context, accountID string) (*models.SecretManagerConfig, error) {
	configs, err := r.store.ListSecretManagerConfigs(ctx, accountID)
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, "", err, "failed to list secret managers")
	}
	for _, c := range configs {
		if c.Default {
			return c, nil
		}
	}
	return nil, nil
}

// ResolveForUse returns the hydrated config an operation runs against: the named config, else the
// account default, else the global default, else the implicit local config when local fallback is
// enabled. Runtime parameters fill templatized attributes.
func (r *Registry) ResolveForUse(ctx context.Context, accountID, configID string, runtimeParams map[string]string) (*models.SecretManagerConfig, error) {
	if err := r.CheckEntitled(ctx, accountID); err != nil {
		return nil, err
	}

	var cfg *models.SecretManagerConfig
	var err error
	if configID != "" {
		if cfg, err = r.lookup(ctx, accountID, configID); err != nil {
			return nil, err
		}
	} else {
		if cfg, err = r.defaultOf(ctx, accountID); err != nil {
			return nil, err
		}
		if cfg == nil && accountID != r.opts.GlobalAccountID {
			if cfg, err = r.defaultOf(ctx, r.opts.GlobalAccountID); err != nil {
				return nil, err
			}
		}
		if cfg == nil {
			if !r.opts.LocalFallbackEnabled {
				return nil, fmt.Errorf("%w for account %s", secreterrors.ErrNoSecretManager, accountID)
			}
			cfg = models.NewLocalConfig(accountID)
		}
	}

	hydrated, err := r.hydrate(ctx, cfg)
	if err != nil {
		return nil, secreterrors.SecretManagement(accountID, cfg.ID, err, "failed to read stored credentials")
	}
	if err := hydrated.ApplyRuntimeParameters(runtimeParams); err != nil {
		return nil, secreterrors.InvalidRequest(accountID, cfg.ID, "%v", err)
	}
	return hydrated, nil
}

// Encryptor returns the backend serving a config
func (r *Registry) Encryptor(cfg *models.SecretManagerConfig) (encryption.Encryptor, error) {
	enc, err := r.encryptors.For(cfg)
	if err != nil {
		return nil, secreterrors.SecretManagement(cfg.AccountID, cfg.ID, err, "no backend for %s", cfg.EncryptionType)
	}
	return enc, nil
}

// Delete removes a config. It is refused while records still point at the config; callers
// transition those records first. Deleting the default promotes the most recently created
// remaining config, or leaves the global default in effect when that one is newer.
func (r *Registry) Delete(ctx context.Context, accountID, id string) (err error) {
	var kind models.EncryptionType
	defer func() {
		metrics.ConfigOperationsTotal.WithLabelValues("delete", string(kind), metrics.Status(err)).Inc()
	}()

	if err := r.CheckEntitled(ctx, accountID); err != nil {
		return err
	}
	if id == accountID {
		return secreterrors.Conflict(accountID, id, "the implicit local secret manager cannot be deleted")
	}

	r.locks.Lock(accountID)
	defer r.locks.Unlock(accountID)

	cfg, err := r.store.GetSecretManagerConfig(ctx, accountID, id)
	if err != nil {
		if storage.IsNotFoundError(err) {
			if accountID != r.opts.GlobalAccountID {
				if _, gErr := r.store.GetSecretManagerConfig(ctx, r.opts.GlobalAccountID, id); gErr == nil {
					return secreterrors.Conflict(accountID, id, "secret manager belongs to the global account")
				}
			}
			return secreterrors.NotFound(accountID, id, "secret manager not found")
		}
		return secreterrors.SecretManagement(accountID, id, err, "failed to load secret manager")
	}
	kind = cfg.EncryptionType

	dependents, err := r.store.ListEncryptedData(ctx, accountID, storage.EncryptedDataFilter{
		KmsID:        id,
		ExcludeTypes: []models.SecretType{models.SecretTypeSecretManagerCredential},
	})
	if err != nil {
		return secreterrors.SecretManagement(accountID, id, err, "failed to list dependent secrets")
	}
	if len(dependents) > 0 {
		return secreterrors.Conflict(accountID, id,
			"%d secret(s) still use this secret manager, including %q (%s); transition them first",
			len(dependents), dependents[0].Name, dependents[0].ID)
	}

	if err := r.store.DeleteSecretManagerConfig(ctx, accountID, id); err != nil {
		return secreterrors.SecretManagement(accountID, id, err, "failed to delete secret manager")
	}

	var credentialIDs []string
	for _, a := range cfg.SecretAttributes() {
		if *a.Value != "" {
			credentialIDs = append(credentialIDs, *a.Value)
		}
	}
	r.deleteCredentials(ctx, accountID, credentialIDs)
	r.encryptors.Forget(id)

	if cfg.Default {
		if err := r.recomputeDefault(ctx, accountID); err != nil {
			return err
		}
	}

	if err := r.sink.ReportDelete(ctx, accountID, cfg.Masked()); err != nil {
		r.logger.Error("Failed to report secret manager deletion",
			zap.String("account_id", accountID),
			zap.String("config_id", id),
			zap.Error(err))
	}
	r.logger.Info("Deleted secret manager",
		zap.String("account_id", accountID),
		zap.String("config_id", id),
		zap.String("encryption_type", string(kind)))
	return nil
}

// recomputeDefault promotes the most recently created non-templatized config of the account.
// A global default created later than every candidate wins by leaving the account without one.
func (r *Registry) recomputeDefault(ctx context.Context, accountID string) error {
	configs, err := r.store.ListSecretManagerConfigs(ctx, accountID)
	if err != nil {
		return secreterrors.SecretManagement(accountID, "", err, "failed to list secret managers")
	}

	var candidate *models.SecretManagerConfig
	for _, c := range configs {
		if len(c.TemplatizedFields) == 0 {
			candidate = c
			break
		}
	}
	if candidate == nil {
		return nil
	}

	if accountID != r.opts.GlobalAccountID {
		global, err := r.defaultOf(ctx, r.opts.GlobalAccountID)
		if err != nil {
			return err
		}
		if global != nil && global.CreatedAt.After(candidate.CreatedAt) {
			r.logger.Info("Global secret manager is the effective default",
				zap.String("account_id", accountID),
				zap.String("config_id", global.ID))
			return nil
		}
	}

	if err := r.store.SetDefaultSecretManagerConfig(ctx, accountID, candidate.ID); err != nil {
		return secreterrors.SecretManagement(accountID, candidate.ID, err, "failed to promote default secret manager")
	}
	r.logger.Info("Promoted default secret manager",
		zap.String("account_id", accountID),
		zap.String("config_id", candidate.ID))
	return nil
}

// RenewDue renews credentials of every config whose renewal interval has elapsed.
// Failures are logged and counted; the remaining configs are still processed.
func (r *Registry) RenewDue(ctx context.Context, now time.Time) (int, error) {
	configs, err := r.store.ListRenewableSecretManagerConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list renewable secret managers: %w", err)
	}

	renewed := 0
	var result *multierror.Error
	for _, cfg := range configs {
		if ctx.Err() != nil {
			return renewed, ctx.Err()
		}
		if cfg.RenewalInterval <= 0 || len(cfg.TemplatizedFields) > 0 {
			continue
		}
		if !cfg.RenewedAt.IsZero() && now.Before(cfg.RenewedAt.Add(cfg.RenewalInterval)) {
			continue
		}
		ok, err := r.renew(ctx, cfg, now)
		metrics.TokenRenewalsTotal.WithLabelValues(string(cfg.EncryptionType), metrics.Status(err)).Inc()
		if err != nil {
			r.logger.Warn("Failed to renew secret manager credentials",
				zap.String("account_id", cfg.AccountID),
				zap.String("config_id", cfg.ID),
				zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", cfg.ID, err))
			continue
		}
		if ok {
			renewed++
		}
	}
	return renewed, result.ErrorOrNil()
}

func (r *Registry) renew(ctx context.Context, cfg *models.SecretManagerConfig, now time.Time) (bool, error) {
	r.locks.Lock(cfg.AccountID)
	defer r.locks.Unlock(cfg.AccountID)

	hydrated, err := r.hydrate(ctx, cfg)
	if err != nil {
		return false, err
	}
	ok, err := r.encryptors.Renew(ctx, hydrated)
	if err != nil || !ok {
		return false, err
	}

	current, err := r.store.GetSecretManagerConfig(ctx, cfg.AccountID, cfg.ID)
	if err != nil {
		return false, err
	}
	current.RenewedAt = now.UTC()
	if err := r.store.SaveSecretManagerConfig(ctx, current); err != nil {
		return false, err
	}
	return true, nil
}
