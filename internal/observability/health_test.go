package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" || status.Service != "narrator" {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestReadinessHandler_AllHealthy(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	handler := ReadinessHandler(map[string]HealthCheckFunc{"gemini": ok, "deepgram": ok})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}

	var status HealthStatus
	json.NewDecoder(rec.Body).Decode(&status)
	if len(status.Dependencies) != 2 {
		t.Errorf("Expected 2 dependencies, got %d", len(status.Dependencies))
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	bad := func(ctx context.Context) (bool, error) { return false, errors.New("missing api key") }
	handler := ReadinessHandler(map[string]HealthCheckFunc{"gemini": ok, "cartesia": bad})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}

	var status HealthStatus
	json.NewDecoder(rec.Body).Decode(&status)
	if status.Status != "not_ready" {
		t.Errorf("Expected not_ready, got %s", status.Status)
	}
	if dep := status.Dependencies["cartesia"]; dep.Message != "missing api key" {
		t.Errorf("Expected cartesia message 'missing api key', got '%s'", dep.Message)
	}
}
