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

// Package vaulttest serves an in-memory Vault KV v2 engine over HTTP so the real vault
// client can be exercised without a Vault server.
package vaulttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

type entry struct {
	data    map[string]interface{}
	version int
}

// Server is a KV v2 engine mounted at every path prefix. Values go through JSON exactly as
// they do against a real server.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	entries map[string]*entry
	writes  int
}

// NewServer starts a server; callers Close it
func NewServer() *Server {
	s := &Server{entries: make(map[string]*entry)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Get returns the data stored at mount/path
func (s *Server) Get(mount, path string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[mount+"/"+path]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Paths lists every stored mount/path
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// Writes counts successful writes
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch p {
	case "auth/token/lookup-self", "auth/token/renew-self":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"id": r.Header.Get("X-Vault-Token")},
			"auth": map[string]interface{}{"client_token": r.Header.Get("X-Vault-Token"), "renewable": true},
		})
		return
	}

	mount, rest, ok := strings.Cut(p, "/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	kind, secretPath, ok := strings.Cut(rest, "/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	key := mount + "/" + secretPath

	switch {
	case kind == "data" && r.Method == http.MethodGet:
		s.read(w, key)
	case kind == "data" && (r.Method == http.MethodPut || r.Method == http.MethodPost):
		s.write(w, r, key)
	case kind == "metadata" && r.Method == http.MethodDelete:
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) read(w http.ResponseWriter, key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"data":     e.data,
			"metadata": versionMetadata(e.version),
		},
	})
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, key string) {
	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{err.Error()}})
		return
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.data = body.Data
	e.version++
	version := e.version
	s.writes++
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": versionMetadata(version)})
}

func versionMetadata(version int) map[string]interface{} {
	return map[string]interface{}{
		"version":       version,
		"created_time":  time.Now().UTC().Format(time.RFC3339Nano),
		"deletion_time": "",
		"destroyed":     false,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
