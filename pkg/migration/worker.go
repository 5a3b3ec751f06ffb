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

package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wso2/api-platform/secret-manager/pkg/metrics"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secretmanager"
	"github.com/wso2/api-platform/secret-manager/pkg/storage"
	"github.com/wso2/api-platform/secret-manager/pkg/taskqueue"
)

// Task outcomes, also used as metric label values
const (
	resultApplied    = "applied"
	resultNoop       = "noop"
	resultDropped    = "dropped"
	resultRetry      = "retry"
	resultDeadLetter = "dead_letter"
	resultReleased   = "released"
)

// WorkerConfig tunes the migration worker pool
type WorkerConfig struct {
	Workers        int
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// LeaseTimeout is how long a claimed task may stay in flight before another worker takes it over
	LeaseTimeout time.Duration
}

// DefaultWorkerConfig returns sensible defaults
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:        1,
		PollInterval:   2 * time.Second,
		BatchSize:      20,
		MaxAttempts:    5,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		LeaseTimeout:   2 * time.Minute,
	}
}

// Worker consumes transition tasks. It is started and stopped explicitly; Stop lets tasks
// already being processed finish and hands claimed but unstarted tasks back to the queue.
type Worker struct {
	store    storage.Storage
	registry *secretmanager.Registry
	queue    taskqueue.Queue
	cfg      WorkerConfig
	logger   *zap.Logger
	id       string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewWorker creates a stopped worker
func NewWorker(store storage.Storage, registry *secretmanager.Registry, queue taskqueue.Queue, cfg WorkerConfig, logger *zap.Logger) *Worker {
	def := DefaultWorkerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = def.LeaseTimeout
	}
	return &Worker{
		store:    store,
		registry: registry,
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		id:       "migration-" + uuid.New().String()[:8],
	}
}

// Start launches the worker pool and the lease recovery loop
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("migration worker already running")
	}

	if _, err := w.queue.RecoverExpiredLeases(ctx, time.Now().Add(-w.cfg.LeaseTimeout)); err != nil {
		w.logger.Warn("Failed to recover expired migration leases", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < w.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", w.id, i)
		g.Go(func() error {
			return w.loop(gctx, workerID)
		})
	}
	g.Go(func() error {
		return w.maintain(gctx)
	})

	done := make(chan struct{})
	go func() {
		err := g.Wait()
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(done)
	}()

	w.running = true
	w.cancel = cancel
	w.done = done
	w.err = nil

	w.logger.Info("Migration worker started",
		zap.String("worker_id", w.id),
		zap.Int("workers", w.cfg.Workers),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("max_attempts", w.cfg.MaxAttempts))
	return nil
}

// Stop signals the pool to finish and waits until in-flight tasks are done or ctx expires
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	w.logger.Info("Stopping migration worker", zap.String("worker_id", w.id))
	cancel()

	select {
	case <-done:
		w.mu.Lock()
		err := w.err
		w.mu.Unlock()
		w.logger.Info("Migration worker stopped", zap.String("worker_id", w.id))
		return err
	case <-ctx.Done():
		return fmt.Errorf("migration worker did not drain in time: %w", ctx.Err())
	}
}

func (w *Worker) loop(ctx context.Context, workerID string) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		n, err := w.runBatch(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("Migration batch failed", zap.String("worker_id", workerID), zap.Error(err))
		}
		if n > 0 {
			timer.Reset(0)
		} else {
			timer.Reset(w.cfg.PollInterval)
		}
	}
}

// maintain requeues tasks of crashed workers and publishes queue depth
func (w *Worker) maintain(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := w.queue.RecoverExpiredLeases(ctx, time.Now().Add(-w.cfg.LeaseTimeout)); err != nil && ctx.Err() == nil {
			w.logger.Warn("Failed to recover expired migration leases", zap.Error(err))
		}
		w.publishDepth(ctx)
	}
}

func (w *Worker) publishDepth(ctx context.Context) {
	counts, err := w.queue.Counts(ctx, "", "")
	if err != nil {
		return
	}
	for _, state := range []models.TaskState{models.TaskQueued, models.TaskInFlight, models.TaskFailed, models.TaskDeadLetter} {
		metrics.MigrationQueueDepth.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// RunOnce claims and processes one batch on the caller's goroutine
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	return w.runBatch(ctx, w.id)
}

func (w *Worker) runBatch(ctx context.Context, workerID string) (int, error) {
	tasks, err := w.queue.Claim(ctx, workerID, w.cfg.BatchSize, time.Now())
	if err != nil {
		return 0, err
	}
	// a claimed task is finished even when stop is requested halfway through it
	taskCtx := context.WithoutCancel(ctx)
	for i, t := range tasks {
		if ctx.Err() != nil {
			w.release(taskCtx, tasks[i:])
			return i, nil
		}
		w.process(taskCtx, t)
	}
	return len(tasks), nil
}

// release hands claimed tasks back to the queue without waiting for a backoff
func (w *Worker) release(ctx context.Context, tasks []*models.MigrationTask) {
	now := time.Now()
	for _, t := range tasks {
		if err := w.queue.Fail(ctx, t.ID, "released on worker shutdown", now); err != nil {
			w.logger.Warn("Failed to release migration task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		metrics.MigrationTasksProcessedTotal.WithLabelValues(resultReleased).Inc()
	}
}

func (w *Worker) process(ctx context.Context, t *models.MigrationTask) {
	start := time.Now()
	result, err := w.apply(ctx, t)
	metrics.MigrationTaskDurationSeconds.Observe(time.Since(start).Seconds())

	logger := w.logger.With(
		zap.String("task_id", t.ID),
		zap.String("account_id", t.AccountID),
		zap.String("secret_id", t.RecordID),
		zap.Int("attempt", t.Attempts))

	switch {
	case err == nil && result == resultDropped:
		if qErr := w.queue.Drop(ctx, t.ID, "secret no longer exists"); qErr != nil {
			logger.Error("Failed to drop migration task", zap.Error(qErr))
			return
		}
		logger.Warn("Dropped migration task, secret no longer exists")
	case err == nil:
		if qErr := w.queue.Complete(ctx, t.ID); qErr != nil {
			logger.Error("Failed to complete migration task", zap.Error(qErr))
			return
		}
		logger.Debug("Migration task done", zap.String("result", result))
	case t.Attempts >= w.cfg.MaxAttempts:
		result = resultDeadLetter
		if qErr := w.queue.DeadLetter(ctx, t.ID, err.Error()); qErr != nil {
			logger.Error("Failed to dead-letter migration task", zap.Error(qErr))
			return
		}
		logger.Error("Migration task exhausted its attempts", zap.Error(err))
	default:
		result = resultRetry
		retryAt := time.Now().Add(w.retryDelay(t.Attempts))
		if qErr := w.queue.Fail(ctx, t.ID, err.Error(), retryAt); qErr != nil {
			logger.Error("Failed to reschedule migration task", zap.Error(qErr))
			return
		}
		logger.Warn("Migration task failed, will retry", zap.Time("retry_at", retryAt), zap.Error(err))
	}
	metrics.MigrationTasksProcessedTotal.WithLabelValues(result).Inc()
}

// retryDelay is the exponential backoff after the given number of attempts
func (w *Worker) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// apply re-encrypts one record under the destination config. The record is written with a
// compare-and-swap on its source pointer and version, so a concurrent direct update makes the
// task retry against the new value instead of being overwritten.
func (w *Worker) apply(ctx context.Context, t *models.MigrationTask) (string, error) {
	data, err := w.store.GetEncryptedData(ctx, t.AccountID, t.RecordID)
	if storage.IsNotFoundError(err) {
		return resultDropped, nil
	}
	if err != nil {
		return "", fmt.Errorf("load secret: %w", err)
	}
	if data.KmsID == t.ToConfigID {
		return resultNoop, nil
	}
	if data.KmsID != t.FromConfigID {
		w.logger.Warn("Secret moved to another secret manager, skipping",
			zap.String("task_id", t.ID),
			zap.String("secret_id", data.ID),
			zap.String("config_id", data.KmsID))
		return resultNoop, nil
	}

	src, err := w.registry.ResolveForUse(ctx, t.AccountID, t.FromConfigID, nil)
	if err != nil {
		return "", fmt.Errorf("resolve source: %w", err)
	}
	dst, err := w.registry.ResolveForUse(ctx, t.AccountID, t.ToConfigID, nil)
	if err != nil {
		return "", fmt.Errorf("resolve destination: %w", err)
	}
	if src.ReadOnly {
		return "", fmt.Errorf("source secret manager %s is read-only", src.ID)
	}
	if dst.ReadOnly {
		return "", fmt.Errorf("destination secret manager %s is read-only", dst.ID)
	}
	srcEnc, err := w.registry.Encryptor(src)
	if err != nil {
		return "", err
	}
	dstEnc, err := w.registry.Encryptor(dst)
	if err != nil {
		return "", err
	}

	plaintext, err := srcEnc.FetchSecretValue(ctx, t.AccountID, data.Name, data.Record(), src)
	if err != nil {
		return "", fmt.Errorf("decrypt with %s: %w", src.ID, err)
	}
	record, err := dstEnc.EncryptSecret(ctx, t.AccountID, data.Name, plaintext, dst)
	memguard.WipeBytes(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt with %s: %w", dst.ID, err)
	}

	old := data.Record()
	shared := sharesLocation(src, dst, old, record)
	updated := data.Clone()
	updated.ApplyRecord(record)
	updated.KmsID = dst.ID
	updated.EncryptionType = dst.EncryptionType
	updated.UpdatedBy = models.Actor{ID: w.id, Name: "migration"}

	if err := w.store.CompareAndSwapEncryptedData(ctx, updated, t.FromConfigID, data.Version); err != nil {
		// a shared location was overwritten in place and still backs the source record
		if !shared {
			if dErr := dstEnc.DeleteSecret(ctx, t.AccountID, record, dst); dErr != nil {
				w.logger.Warn("Failed to discard destination secret after lost write",
					zap.String("task_id", t.ID), zap.Error(dErr))
			}
		}
		if errors.Is(err, storage.ErrVersionMismatch) {
			return "", fmt.Errorf("secret changed during transition: %w", err)
		}
		if storage.IsNotFoundError(err) {
			return resultDropped, nil
		}
		return "", fmt.Errorf("write secret: %w", err)
	}

	if shared {
		w.logger.Debug("Source and destination share the secret location, keeping it",
			zap.String("task_id", t.ID),
			zap.String("secret_id", data.ID))
		return resultApplied, nil
	}
	if err := srcEnc.DeleteSecret(ctx, t.AccountID, old, src); err != nil {
		w.logger.Warn("Failed to remove secret from source secret manager",
			zap.String("task_id", t.ID),
			zap.String("secret_id", data.ID),
			zap.String("config_id", src.ID),
			zap.Error(err))
	}
	return resultApplied, nil
}

// sharesLocation reports whether the source and destination records address the same stored
// value, which happens when two vault configs point at one engine
func sharesLocation(src, dst *models.SecretManagerConfig, old, updated *models.EncryptedRecord) bool {
	if old.EncryptionKey == "" || old.EncryptionKey != updated.EncryptionKey {
		return false
	}
	if src.EncryptionType != models.EncryptionTypeVault || dst.EncryptionType != models.EncryptionTypeVault {
		return false
	}
	if src.Vault == nil || dst.Vault == nil {
		return false
	}
	return strings.TrimRight(src.Vault.VaultURL, "/") == strings.TrimRight(dst.Vault.VaultURL, "/") &&
		src.Vault.Namespace == dst.Vault.Namespace &&
		src.Vault.SecretEngineName == dst.Vault.SecretEngineName
}
