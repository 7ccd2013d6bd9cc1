// Package integration provides integration testing utilities for rangefeed.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t            *testing.T
	origin       *httptest.Server
	rangefeedCmd *exec.Cmd
	statusPort   int
	tempDir      string
	cancel       context.CancelFunc
	exited       chan struct{}
	exitErr      error

	mu       sync.Mutex
	files    map[string][]byte
	requests []OriginRequest

	// failRange, when set, makes the origin answer matching ranges with 503
	failRange func(rangeHeader string) bool
}

// OriginRequest is one request seen by the origin server.
type OriginRequest struct {
	Path  string
	Range string
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:          t,
		statusPort: findAvailablePort(t),
		tempDir:    t.TempDir(),
		files:      make(map[string][]byte),
	}
}

// StartOriginServer starts an HTTP server serving the given files with byte
// range support. Paths are relative to the server root.
func (h *TestHarness) StartOriginServer(files map[string][]byte) {
	h.t.Helper()

	for name, data := range files {
		h.files["/"+strings.TrimPrefix(name, "/")] = data
	}

	h.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")

		h.mu.Lock()
		h.requests = append(h.requests, OriginRequest{Path: r.URL.Path, Range: rangeHeader})
		data, ok := h.files[r.URL.Path]
		fail := h.failRange != nil && rangeHeader != "" && h.failRange(rangeHeader)
		h.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, filepath.Base(r.URL.Path), time.Time{}, bytes.NewReader(data))
	}))

	h.t.Logf("Origin server started at %s", h.origin.URL)
}

// FailRanges makes the origin answer every range request matching fail
// with 503 Service Unavailable.
func (h *TestHarness) FailRanges(fail func(rangeHeader string) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failRange = fail
}

// URL returns the origin URL of name.
func (h *TestHarness) URL(name string) string {
	return h.origin.URL + "/" + strings.TrimPrefix(name, "/")
}

// RangeRequests returns the Range headers the origin received, in order.
func (h *TestHarness) RangeRequests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ranges []string
	for _, r := range h.requests {
		if r.Range != "" {
			ranges = append(ranges, r.Range)
		}
	}
	return ranges
}

// Requests returns every request the origin received.
func (h *TestHarness) Requests() []OriginRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]OriginRequest(nil), h.requests...)
}

// OutputPath returns a path in the harness temp directory.
func (h *TestHarness) OutputPath(name string) string {
	return filepath.Join(h.tempDir, name)
}

// StatusPort returns the port reserved for the status server.
func (h *TestHarness) StatusPort() int {
	return h.statusPort
}

// StartRangefeed starts the rangefeed binary with args followed by the
// resource locator.
func (h *TestHarness) StartRangefeed(locator string, args ...string) {
	h.t.Helper()

	// Find rangefeed binary
	binaryPath := h.findRangefeedBinary()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.rangefeedCmd = exec.CommandContext(ctx, binaryPath, append(args, locator)...)

	// Capture output for debugging
	h.rangefeedCmd.Stdout = os.Stdout
	h.rangefeedCmd.Stderr = os.Stderr

	if err := h.rangefeedCmd.Start(); err != nil {
		h.t.Fatalf("failed to start rangefeed: %v", err)
	}

	h.exited = make(chan struct{})
	go func() {
		h.exitErr = h.rangefeedCmd.Wait()
		close(h.exited)
	}()
}

// Wait waits for rangefeed to exit and returns its exit code.
func (h *TestHarness) Wait(timeout time.Duration) int {
	h.t.Helper()

	select {
	case <-h.exited:
	case <-time.After(timeout):
		h.t.Fatalf("rangefeed did not exit within %v", timeout)
	}

	if h.exitErr == nil {
		return 0
	}
	if exitErr, ok := h.exitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	h.t.Fatalf("rangefeed wait failed: %v", h.exitErr)
	return -1
}

// WaitForStatusServer waits until the status server answers.
func (h *TestHarness) WaitForStatusServer(timeout time.Duration) {
	h.t.Helper()
	h.waitForServer(fmt.Sprintf("http://localhost:%d/health", h.statusPort), timeout)
}

// FetchHealth fetches the health endpoint and returns the JSON response.
func (h *TestHarness) FetchHealth() string {
	h.t.Helper()
	return h.fetch("/health")
}

// FetchMetrics fetches the Prometheus exposition.
func (h *TestHarness) FetchMetrics() string {
	h.t.Helper()
	return h.fetch("/metrics")
}

func (h *TestHarness) fetch(path string) string {
	h.t.Helper()

	url := fmt.Sprintf("http://localhost:%d%s", h.statusPort, path)
	resp, err := http.Get(url)
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s body: %v", path, err)
	}

	return string(body)
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	// Stop rangefeed
	if h.cancel != nil {
		h.cancel()
	}
	if h.exited != nil {
		<-h.exited
	}

	// Stop origin server
	if h.origin != nil {
		h.origin.Close()
	}
}

// findRangefeedBinary locates the rangefeed binary.
func (h *TestHarness) findRangefeedBinary() string {
	h.t.Helper()

	// Try several possible locations
	candidates := []string{
		"../../rangefeed",           // From test/integration
		"./rangefeed",               // From project root
		"../rangefeed",              // From test directory
		"./cmd/rangefeed/rangefeed", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			h.t.Logf("Found rangefeed binary at: %s", absPath)
			return absPath
		}
	}

	h.t.Fatal("rangefeed binary not found. Run 'go build -o rangefeed ./cmd/rangefeed' first")
	return ""
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		<-ticker.C
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}
