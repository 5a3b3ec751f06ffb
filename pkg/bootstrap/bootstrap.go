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

// Package bootstrap seeds the global account with secret manager configs read from a YAML file
// at startup. Entries are matched to existing configs by name, so restarting with the same file
// updates configs in place instead of duplicating them.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secretmanager"
)

// File is the layout of a seed file. Values may reference environment variables as ${VAR}.
type File struct {
	SecretManagers []*models.SecretManagerConfig `yaml:"secretManagers"`
}

// Result summarizes a seeding run
type Result struct {
	Created int
	Updated int
}

// Load reads and parses a seed file, expanding environment variables first
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes seed file content
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap file: %w", err)
	}
	seen := make(map[string]bool, len(f.SecretManagers))
	for i, cfg := range f.SecretManagers {
		if cfg == nil {
			return nil, fmt.Errorf("secretManagers[%d] is empty", i)
		}
		if seen[cfg.Name] {
			return nil, fmt.Errorf("secretManagers[%d]: duplicate name %q", i, cfg.Name)
		}
		seen[cfg.Name] = true
	}
	return &f, nil
}

// Seed upserts every config of the file into the global account. A failing entry does not stop
// the others; all failures are returned together.
func Seed(ctx context.Context, registry *secretmanager.Registry, f *File, logger *zap.Logger) (*Result, error) {
	globalID := registry.GlobalAccountID()
	existing, err := registry.List(ctx, globalID, false)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(existing))
	for _, cfg := range existing {
		byName[cfg.Name] = cfg.ID
	}

	res := &Result{}
	var errs *multierror.Error
	for _, cfg := range f.SecretManagers {
		in := cfg.Clone()
		id, found := byName[in.Name]
		if in.ID == "" && found {
			in.ID = id
		}
		saved, err := registry.Save(ctx, globalID, in, false)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("secret manager %q: %w", in.Name, err))
			continue
		}
		if found {
			res.Updated++
		} else {
			res.Created++
		}
		logger.Info("Seeded global secret manager",
			zap.String("config_id", saved.ID),
			zap.String("name", saved.Name),
			zap.String("encryption_type", string(saved.EncryptionType)),
			zap.Bool("updated", found))
	}
	return res, errs.ErrorOrNil()
}

// SeedFile loads path and seeds its configs. An empty path is a no-op.
func SeedFile(ctx context.Context, registry *secretmanager.Registry, path string, logger *zap.Logger) (*Result, error) {
	if path == "" {
		return &Result{}, nil
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Seed(ctx, registry, f, logger)
}
