// Package testutil provides testing utilities for the SP-API order sync.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// TokenPath is the path the mock serves OAuth token exchanges on.
const TokenPath = "/auth/o2/token"

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSPAPI is a configurable mock SP-API and token server for testing.
type MockSPAPI struct {
	server    *httptest.Server
	mu        sync.RWMutex
	handlers  map[string]func(w http.ResponseWriter, r *http.Request)
	sequences map[string][]MockResponse

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	TokenRequests     int
	LastRequestHeader http.Header
	Requests          []*http.Request
}

// NewMockSPAPI creates a new mock server with a working token endpoint
// that issues "Atza|mock-token" valid for one hour.
func NewMockSPAPI() *MockSPAPI {
	mock := &MockSPAPI{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		sequences:  make(map[string][]MockResponse),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		if r.URL.Path == TokenPath {
			mock.TokenRequests++
		} else {
			mock.RequestCount++
			mock.PathCounts[r.URL.Path]++
			mock.LastRequestHeader = r.Header.Clone()
			mock.Requests = append(mock.Requests, r.Clone(r.Context()))
		}

		if seq := mock.sequences[r.URL.Path]; len(seq) > 0 {
			resp := seq[0]
			if len(seq) > 1 {
				mock.sequences[r.URL.Path] = seq[1:]
			}
			mock.mu.Unlock()
			writeResponse(w, resp)
			return
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockSPAPI) URL() string {
	return m.server.URL
}

// TokenURL returns the mock OAuth token endpoint.
func (m *MockSPAPI) TokenURL() string {
	return m.server.URL + TokenPath
}

// Close shuts down the mock server.
func (m *MockSPAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSPAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.TokenRequests = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
	m.Requests = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockSPAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockSPAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetJSON configures a 200 response with v marshalled as JSON.
func (m *MockSPAPI) SetJSON(path string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal %s: %v", path, err))
	}
	m.SetResponse(path, MockResponse{StatusCode: http.StatusOK, Body: string(body)})
}

// SetSequence queues responses for path. Each request consumes one; the
// last one repeats.
func (m *MockSPAPI) SetSequence(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = responses
}

// GetRequestCount returns the number of API requests, excluding token exchanges.
func (m *MockSPAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockSPAPI) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetTokenRequests returns the number of token exchanges.
func (m *MockSPAPI) GetTokenRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TokenRequests
}

// RequestsTo returns the recorded requests for path.
func (m *MockSPAPI) RequestsTo(path string) []*http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*http.Request
	for _, r := range m.Requests {
		if r.URL.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// defaultHandler serves the token endpoint and answers 404 otherwise.
func (m *MockSPAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == TokenPath {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_request"}`))
			return
		}
		w.Write([]byte(`{"access_token":"Atza|mock-token","token_type":"bearer","expires_in":3600}`))
		return
	}

	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, `{"errors":[{"code":"NotFound","message":"no mock for %s"}]}`, r.URL.Path)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}
