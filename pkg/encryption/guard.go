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

package encryption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/metrics"
	"github.com/wso2/api-platform/secret-manager/pkg/models"
	"github.com/wso2/api-platform/secret-manager/pkg/secreterrors"
)

// GuardConfig bounds calls to external backends
type GuardConfig struct {
	// CallTimeout caps every backend call
	CallTimeout time.Duration
	// MaxFailures consecutive failures open the circuit of a config
	MaxFailures uint32
	// OpenTimeout is how long an open circuit rejects calls before probing again
	OpenTimeout time.Duration
}

// Guard applies a call timeout and a per-config circuit breaker to backend calls.
// Timeouts and open circuits surface as retryable errors.
type Guard struct {
	cfg    GuardConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewGuard creates a guard
func NewGuard(cfg GuardConfig, logger *zap.Logger) *Guard {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Guard{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (g *Guard) breaker(kind models.EncryptionType, cfg *models.SecretManagerConfig) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[cfg.ID]; ok {
		return cb
	}
	maxFailures := g.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("%s:%s", kind, cfg.ID),
		MaxRequests: 1,
		Timeout:     g.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnsupportedOperation) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("Encryption backend circuit changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerTransitionsTotal.WithLabelValues(string(kind), to.String()).Inc()
		},
	})
	g.breakers[cfg.ID] = cb
	return cb
}

// Forget drops the breaker of a deleted config
func (g *Guard) Forget(configID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, configID)
}

// State returns the breaker state of a config; configs never called are closed
func (g *Guard) State(configID string) gobreaker.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[configID]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

type callResult[T any] struct {
	value T
	err   error
}

// guardedCall runs fn under the guard of cfg. fn runs on its own goroutine so a backend that
// ignores its context still cannot hold the caller past the timeout.
func guardedCall[T any](ctx context.Context, g *Guard, kind models.EncryptionType, cfg *models.SecretManagerConfig,
	op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	res, err := g.breaker(kind, cfg).Execute(func() (interface{}, error) {
		ch := make(chan callResult[T], 1)
		go func() {
			v, err := fn(callCtx)
			ch <- callResult[T]{value: v, err: err}
		}()
		select {
		case r := <-ch:
			return r.value, r.err
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	})

	metrics.EncryptorCallDurationSeconds.WithLabelValues(string(kind), op).Observe(time.Since(start).Seconds())
	metrics.EncryptorCallsTotal.WithLabelValues(string(kind), op, callStatus(err)).Inc()

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
			errors.Is(err, context.DeadlineExceeded) {
			return zero, secreterrors.Retryable(fmt.Errorf("%s backend %s call for config %s: %w", kind, op, cfg.ID, err))
		}
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
