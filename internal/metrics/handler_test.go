package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func TestHandler(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	counter := promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "driftvault_test_events_total",
		Help: "Test counter",
	})
	counter.Add(7)

	handler := Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "application/openmetrics-text") {
		t.Errorf("Unexpected content type: %s", contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if !strings.Contains(string(body), "driftvault_test_events_total 7") {
		t.Errorf("Expected counter in output, got:\n%s", body)
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	defer func() { Registry = oldRegistry }()

	handler := Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Result().StatusCode)
	}
}
