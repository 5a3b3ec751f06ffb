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

package secreterrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := Conflict("acc-1", "rec-1", "secret is referenced by %d entities", 2)

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindConflict, KindOf(err))

	wrapped := fmt.Errorf("delete failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestErrorMessageCarriesContext(t *testing.T) {
	err := NotFound("acc-1", "cfg-9", "secret manager config not found")

	assert.Contains(t, err.Error(), "not found")
	assert.Contains(t, err.Error(), "account=acc-1")
	assert.Contains(t, err.Error(), "resource=cfg-9")
}

func TestSecretManagementInheritsRetryable(t *testing.T) {
	cause := Retryable(context.DeadlineExceeded)
	err := SecretManagement("acc-1", "cfg-1", cause, "backend call failed")

	assert.True(t, err.Retryable)
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	plain := SecretManagement("acc-1", "cfg-1", errors.New("bad key"), "backend call failed")
	assert.False(t, IsRetryable(plain))
}

func TestRetryableOnClassifiedError(t *testing.T) {
	orig := InvalidRequest("acc", "", "bad")
	err := Retryable(orig)

	assert.True(t, IsRetryable(err))
	assert.False(t, orig.Retryable)
	assert.Nil(t, Retryable(nil))
}

func TestNoSecretManagerIsDistinct(t *testing.T) {
	err := &Error{Kind: KindSecretManagement, AccountID: "acc", Message: "no default", Cause: ErrNoSecretManager}

	assert.True(t, errors.Is(err, ErrNoSecretManager))
	assert.False(t, errors.Is(err, ErrInvalidRequest))
}
