// Package testutil provides a scripted upstream server for tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines one scripted response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request as received by the mock server.
type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// MockServer is an httptest server answering from per-route response queues.
type MockServer struct {
	server *httptest.Server

	mu       sync.Mutex
	queues   map[string][]MockResponse
	handlers map[string]http.HandlerFunc
	requests []RecordedRequest
}

// NewMockServer starts a mock server. Close it when done.
func NewMockServer() *MockServer {
	m := &MockServer{
		queues:   make(map[string][]MockResponse),
		handlers: make(map[string]http.HandlerFunc),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

func route(method, path string) string {
	return method + " " + path
}

func (m *MockServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	})

	key := route(r.Method, r.URL.Path)
	handler, hasHandler := m.handlers[key]

	var resp MockResponse
	queue, scripted := m.queues[key]
	if !hasHandler && scripted && len(queue) > 0 {
		resp = queue[0]
		// The last scripted response repeats
		if len(queue) > 1 {
			m.queues[key] = queue[1:]
		}
	}
	m.mu.Unlock()

	if hasHandler {
		handler(w, r)
		return
	}

	if !scripted {
		resp = JSONResponse(http.StatusNotFound, fmt.Sprintf(`{"message":"no mock for %s"}`, key))
	}
	write(w, resp)
}

func write(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL.
func (m *MockServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	m.server.Close()
}

// Client returns an HTTP client for the mock server.
func (m *MockServer) Client() *http.Client {
	return m.server.Client()
}

// Script queues responses for method and path, served in order.
func (m *MockServer) Script(method, path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[route(method, path)] = append(m.queues[route(method, path)], responses...)
}

// SetHandler routes method and path to a custom handler, taking precedence
// over scripted responses.
func (m *MockServer) SetHandler(method, path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[route(method, path)] = handler
}

// RequestCount returns the number of requests received.
func (m *MockServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// RequestCountFor returns the number of requests received for method and path.
func (m *MockServer) RequestCountFor(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// Requests returns a copy of all recorded requests.
func (m *MockServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// LastRequest returns the most recent request.
func (m *MockServer) LastRequest() (RecordedRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return RecordedRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// Reset clears scripts, handlers and recorded requests.
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string][]MockResponse)
	m.handlers = make(map[string]http.HandlerFunc)
	m.requests = nil
}

// JSONResponse creates a response with a JSON content type.
func JSONResponse(status int, body string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewOKResponse creates a 200 OK JSON response.
func NewOKResponse(body string) MockResponse {
	return JSONResponse(http.StatusOK, body)
}

// NewNoContentResponse creates a 204 No Content response.
func NewNoContentResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusNoContent}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	resp := JSONResponse(http.StatusTooManyRequests, `{"message": "Rate limit exceeded"}`)
	resp.Headers["Retry-After"] = "1"
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return JSONResponse(http.StatusInternalServerError, `{"error": "Internal server error"}`)
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return JSONResponse(http.StatusNotFound, `{"message": "Not found", "resource": "item"}`)
}

// WithRateLimitHeaders adds X-RateLimit-Remaining and X-RateLimit-Reset.
func WithRateLimitHeaders(resp MockResponse, remaining, resetSeconds int) MockResponse {
	headers := make(map[string]string, len(resp.Headers)+2)
	for k, v := range resp.Headers {
		headers[k] = v
	}
	headers["X-RateLimit-Remaining"] = fmt.Sprint(remaining)
	headers["X-RateLimit-Reset"] = fmt.Sprint(resetSeconds)
	resp.Headers = headers
	return resp
}
