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

package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/config"
)

func reset(enabled bool) {
	once = sync.Once{}
	registry = nil
	Enabled = enabled
}

func TestInitDisabled(t *testing.T) {
	reset(false)

	reg := Init()
	require.NotNil(t, reg)

	// collectors are usable even though nothing is registered
	SecretOperationsTotal.WithLabelValues("save", "success").Inc()
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestInitEnabled(t *testing.T) {
	reset(true)

	reg := Init()
	require.NotNil(t, reg)
	assert.Equal(t, float64(1), testutil.ToFloat64(Up))

	before := testutil.ToFloat64(MigrationTasksProcessedTotal.WithLabelValues("applied"))
	MigrationTasksProcessedTotal.WithLabelValues("applied").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MigrationTasksProcessedTotal.WithLabelValues("applied")))

	count, err := testutil.GatherAndCount(reg, "secret_manager_migration_tasks_processed_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}

func TestGetRegistry(t *testing.T) {
	reset(true)

	reg := GetRegistry()
	require.NotNil(t, reg)
	assert.Same(t, reg, GetRegistry())
}

func TestSetEnabled(t *testing.T) {
	reset(false)

	SetEnabled(true)
	assert.True(t, IsEnabled())
	SetEnabled(false)
	assert.False(t, IsEnabled())
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "success", Status(nil))
	assert.Equal(t, "error", Status(errors.New("boom")))
}

func TestServerEndpoints(t *testing.T) {
	reset(true)
	s := NewServer(&config.MetricsConfig{Enabled: true, Port: 0}, zap.NewNop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "secret_manager_up"))
}

func TestServerStartStop(t *testing.T) {
	reset(true)
	s := NewServer(&config.MetricsConfig{Enabled: true, Port: 0}, zap.NewNop())
	assert.Empty(t, s.Addr())

	require.NoError(t, s.Start())
	require.Error(t, s.Start())
	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)

	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, float64(0), testutil.ToFloat64(Up))

	_, err = http.Get("http://127.0.0.1:" + port + "/health")
	assert.Error(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
