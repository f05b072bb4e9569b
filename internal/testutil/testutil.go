// Package testutil provides shared test helpers and fixtures for the
// receiver packages.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/banshee-data/kinect.receiver/internal/monitoring"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// PatternFrame returns an n-byte frame whose byte i is (seed+i) mod 251.
// Consecutive seeds give distinct frames of the same size.
func PatternFrame(n int, seed int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((seed + i) % 251)
	}
	return b
}

// MuteLogs silences monitoring.Logf for the duration of the test.
func MuteLogs(t testing.TB) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
}

// LogRecorder captures monitoring.Logf output.
type LogRecorder struct {
	mu    sync.Mutex
	lines []string
}

// RecordLogs routes monitoring.Logf into a LogRecorder until the test ends.
func RecordLogs(t testing.TB) *LogRecorder {
	t.Helper()
	rec := &LogRecorder{}
	monitoring.SetLogger(func(format string, v ...interface{}) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.lines = append(rec.lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return rec
}

// Lines returns the captured lines.
func (r *LogRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
