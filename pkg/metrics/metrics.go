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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "secret_manager"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	// Enabled controls whether collectors are registered with the exported registry.
	// Collectors are always usable; when disabled they are simply never scraped.
	Enabled bool
)

var (
	SecretOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secret_operations_total",
			Help:      "Total number of secret record operations",
		},
		[]string{"operation", "status"},
	)

	SecretOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "secret_operation_duration_seconds",
			Help:      "Duration of secret record operations in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"operation"},
	)

	ConfigOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_operations_total",
			Help:      "Total number of secret manager config operations",
		},
		[]string{"operation", "encryption_type", "status"},
	)

	EncryptorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encryptor_calls_total",
			Help:      "Total number of encryption backend calls",
		},
		[]string{"encryption_type", "operation", "status"},
	)

	EncryptorCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encryptor_call_duration_seconds",
			Help:      "Duration of encryption backend calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"encryption_type", "operation"},
	)

	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of backend circuit breaker state changes",
		},
		[]string{"encryption_type", "to"},
	)

	AuditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_writes_total",
			Help:      "Total number of audit trail entries written",
		},
		[]string{"log", "status"},
	)

	MigrationTasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_tasks_enqueued_total",
			Help:      "Total number of migration tasks enqueued",
		},
	)

	MigrationTasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_tasks_processed_total",
			Help:      "Total number of migration task outcomes",
		},
		[]string{"result"},
	)

	MigrationTaskDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_task_duration_seconds",
			Help:      "Duration of a single migration task in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	MigrationQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_queue_depth",
			Help:      "Number of migration tasks per state",
		},
		[]string{"state"},
	)

	TokenRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_renewals_total",
			Help:      "Total number of backend credential renewals",
		},
		[]string{"encryption_type", "status"},
	)

	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Total number of storage errors",
		},
		[]string{"operation"},
	)

	Up = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Whether the secret manager is up",
		},
	)
)

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		SecretOperationsTotal,
		SecretOperationDurationSeconds,
		ConfigOperationsTotal,
		EncryptorCallsTotal,
		EncryptorCallDurationSeconds,
		CircuitBreakerTransitionsTotal,
		AuditWritesTotal,
		MigrationTasksEnqueuedTotal,
		MigrationTasksProcessedTotal,
		MigrationTaskDurationSeconds,
		MigrationQueueDepth,
		TokenRenewalsTotal,
		StorageErrorsTotal,
		Up,
	)

	Up.Set(1)
}

// Init initializes the metrics registry with all collectors.
// This must be called after SetEnabled() has been called.
func Init() *prometheus.Registry {
	once.Do(func() {
		if !Enabled {
			registry = prometheus.NewRegistry()
			return
		}
		initRegistry()
	})

	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// SetEnabled toggles registration; it only has effect before Init
func SetEnabled(enabled bool) {
	Enabled = enabled
}

// IsEnabled reports whether metrics are exported
func IsEnabled() bool {
	return Enabled
}

// Status maps an error to the status label used across counters
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
