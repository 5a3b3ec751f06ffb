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

import "errors"

// Common storage errors - implementation agnostic
var (
	// ErrNotFound is returned when a config, record or task is not found
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a config or record with the same name already exists
	ErrConflict = errors.New("already exists")

	// ErrVersionMismatch is returned when a compare-and-swap write lost against a concurrent writer
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrDatabaseUnavailable is returned when the database storage is unavailable
	ErrDatabaseUnavailable = errors.New("database storage is unavailable")
)

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsVersionMismatchError checks if an error is a lost compare-and-swap
func IsVersionMismatchError(err error) bool {
	return errors.Is(err, ErrVersionMismatch)
}

func IsDatabaseUnavailableError(err error) bool {
	return errors.Is(err, ErrDatabaseUnavailable)
}
