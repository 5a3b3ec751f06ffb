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

// Package features answers account entitlement questions for the secret manager services.
package features

import (
	"context"
	"sync"

	"github.com/wso2/api-platform/secret-manager/pkg/config"
)

// AccountFeatures reports whether an account is onboarded for secret management
type AccountFeatures interface {
	IsSecretManagementEnabled(ctx context.Context, accountID string) (bool, error)
}

// Static is an in-process feature flag set. The global account is always enabled.
type Static struct {
	mu              sync.RWMutex
	enabledForAll   bool
	globalAccountID string
	accounts        map[string]bool
}

// NewStatic creates a flag set enabling the listed accounts, or every account when enabledForAll
func NewStatic(globalAccountID string, enabledForAll bool, accounts ...string) *Static {
	s := &Static{
		enabledForAll:   enabledForAll,
		globalAccountID: globalAccountID,
		accounts:        make(map[string]bool, len(accounts)),
	}
	for _, a := range accounts {
		s.accounts[a] = true
	}
	return s
}

// FromConfig builds the flag set from the accounts section
func FromConfig(cfg *config.AccountsConfig) *Static {
	return NewStatic(cfg.GlobalAccountID, cfg.SecretManagementEnabledForAll, cfg.EnabledAccounts...)
}

// IsSecretManagementEnabled implements AccountFeatures
func (s *Static) IsSecretManagementEnabled(_ context.Context, accountID string) (bool, error) {
	if accountID == s.globalAccountID {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if enabled, ok := s.accounts[accountID]; ok {
		return enabled, nil
	}
	return s.enabledForAll, nil
}

// Set overrides the flag of one account
func (s *Static) Set(accountID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID] = enabled
}
