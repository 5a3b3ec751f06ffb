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
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wso2/api-platform/secret-manager/pkg/config"
)

// Server exposes the secret manager collectors for scraping. /health answers 503 once
// shutdown has begun so scrapers stop treating a draining process as live.
type Server struct {
	port       int
	httpServer *http.Server
	log        *zap.Logger

	draining atomic.Bool
	addr     atomic.Value // bound address, set by Start
	done     chan struct{}
}

// NewServer builds the scrape endpoint for the collectors registered by Init
func NewServer(cfg *config.MetricsConfig, log *zap.Logger) *Server {
	s := &Server{
		port: cfg.Port,
		log:  log.With(zap.String("component", "metrics")),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Init(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          zap.NewStdLog(s.log),
	}))
	mux.HandleFunc("/health", s.health)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Handler returns the scrape and health routes
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr is the address the server listens on, empty before Start
func (s *Server) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// Start binds the configured port and serves in the background. Bind errors are returned
// so a port clash fails startup instead of leaving the process unscrapeable.
func (s *Server) Start() error {
	if s.done != nil {
		return errors.New("metrics server already started")
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind metrics port %d: %w", s.port, err)
	}
	s.addr.Store(ln.Addr().String())
	s.done = make(chan struct{})
	s.log.Info("Serving secret manager metrics", zap.String("address", s.Addr()))

	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics endpoint stopped unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

// Stop reports the process as draining, then shuts the listener down and waits for the
// serve loop to return or ctx to expire
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)
	Up.Set(0)
	if s.done == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	s.log.Info("Metrics endpoint stopped")
	return err
}
