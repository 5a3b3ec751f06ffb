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

package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

const appRoleLoginPath = "auth/approle/login"

// Session is an authenticated connection to one Vault KV v2 engine
type Session interface {
	// Read returns the data stored at path; found is false when nothing is stored there
	Read(ctx context.Context, path string) (data map[string]interface{}, found bool, err error)
	// Write stores data at path and returns the new version
	Write(ctx context.Context, path string, data map[string]interface{}) (int, error)
	// Delete removes every version and the metadata at path
	Delete(ctx context.Context, path string) error
	// LookupSelf verifies the session token
	LookupSelf(ctx context.Context) error
	// RenewSelf extends the session token lease
	RenewSelf(ctx context.Context) error
}

// Connector opens a session for the connection attributes of a config
type Connector func(ctx context.Context, cfg *models.VaultConfig) (Session, error)

type apiSession struct {
	client *api.Client
	kv     *api.KVv2
}

// Connect opens an api-backed session, logging in through AppRole when a role id is configured
func Connect(ctx context.Context, cfg *models.VaultConfig) (Session, error) {
	config := api.DefaultConfig()
	config.Address = cfg.VaultURL

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.AppRoleID != "" {
		secret, err := client.Logical().WriteWithContext(ctx, appRoleLoginPath, map[string]interface{}{
			"role_id":   strings.TrimSpace(cfg.AppRoleID),
			"secret_id": strings.TrimSpace(cfg.SecretID),
		})
		if err != nil {
			return nil, fmt.Errorf("approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
			return nil, fmt.Errorf("approle login returned no client token")
		}
		client.SetToken(secret.Auth.ClientToken)
	} else {
		client.SetToken(cfg.AuthToken)
	}

	return &apiSession{client: client, kv: client.KVv2(cfg.SecretEngineName)}, nil
}

func (s *apiSession) Read(ctx context.Context, path string) (map[string]interface{}, bool, error) {
	secret, err := s.kv.Get(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return secret.Data, true, nil
}

func (s *apiSession) Write(ctx context.Context, path string, data map[string]interface{}) (int, error) {
	secret, err := s.kv.Put(ctx, path, data)
	if err != nil {
		return 0, err
	}
	if secret.VersionMetadata == nil {
		return 0, nil
	}
	return secret.VersionMetadata.Version, nil
}

func (s *apiSession) Delete(ctx context.Context, path string) error {
	if err := s.kv.DeleteMetadata(ctx, path); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (s *apiSession) LookupSelf(ctx context.Context) error {
	_, err := s.client.Auth().Token().LookupSelfWithContext(ctx)
	return err
}

func (s *apiSession) RenewSelf(ctx context.Context) error {
	_, err := s.client.Auth().Token().RenewSelfWithContext(ctx, 0)
	return err
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, api.ErrSecretNotFound) {
		return true
	}
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "no secret found")
}
