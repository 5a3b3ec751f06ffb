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

// Package secreterrors defines the error taxonomy shared by the secret manager services.
package secreterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for callers
type Kind string

const (
	// KindInvalidRequest is a malformed request or an account that is not entitled
	KindInvalidRequest Kind = "INVALID_REQUEST"
	// KindSecretManagement is a backend rejection: read-only violation, invalid reference, unreachable backend
	KindSecretManagement Kind = "SECRET_MANAGEMENT"
	// KindNotFound is an unknown record or config id
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict is an operation blocked by an existing reference
	KindConflict Kind = "CONFLICT"
)

// Sentinels for errors.Is matching on kind alone
var (
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrSecretManagement = &Error{Kind: KindSecretManagement}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}

	// ErrNoSecretManager means the account has no usable secret manager, as opposed to
	// the account not being entitled to secret management at all
	ErrNoSecretManager = errors.New("no secret manager available")
)

// Error is a classified failure carrying enough context to act on without logs
type Error struct {
	Kind       Kind
	AccountID  string
	ResourceID string
	Message    string
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " ")))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.AccountID != "" || e.ResourceID != "" {
		fmt.Fprintf(&b, " (account=%s, resource=%s)", e.AccountID, e.ResourceID)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind when the target carries no message,
// so the package sentinels compare by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.AccountID == "" && t.ResourceID == "" && t.Cause == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

// InvalidRequest builds an invalid-request error
func InvalidRequest(accountID, resourceID, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, AccountID: accountID, ResourceID: resourceID, Message: fmt.Sprintf(format, args...)}
}

// SecretManagement builds a secret-management error wrapping an optional cause
func SecretManagement(accountID, resourceID string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:       KindSecretManagement,
		AccountID:  accountID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf(format, args...),
		Retryable:  IsRetryable(cause),
		Cause:      cause,
	}
}

// NotFound builds a not-found error
func NotFound(accountID, resourceID, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, AccountID: accountID, ResourceID: resourceID, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error naming the blocking reference in its message
func Conflict(accountID, resourceID, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, AccountID: accountID, ResourceID: resourceID, Message: fmt.Sprintf(format, args...)}
}

// Retryable marks err as retryable, wrapping it when it is not already classified
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Retryable = true
		return &cp
	}
	return &retryableError{err: err}
}

type retryableError struct {
	err error
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// IsRetryable reports whether any error in the chain is marked retryable
func IsRetryable(err error) bool {
	for err != nil {
		switch e := err.(type) {
		case *retryableError:
			return true
		case *Error:
			if e.Retryable {
				return true
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}

// KindOf returns the kind of the first classified error in the chain, or "" when unclassified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
