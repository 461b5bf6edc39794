package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"condenser/pkg/pipeline"
)

func testRouter(ready bool) *mux.Router {
	r := mux.NewRouter()
	Register(r, "test", func() Status {
		return Status{
			State:       "running",
			Version:     "test",
			Ready:       ready,
			Concurrency: 2,
			BatchSize:   4,
			Progress:    pipeline.Progress{Submitted: 10, Succeeded: 9, Failed: 1},
		}
	})
	return r
}

func TestHealthzAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}
}

func TestReadyzReflectsReadiness(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready readyz = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	testRouter(false).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unready readyz = %d, want 503", rec.Code)
	}
}

func TestStatuszPayload(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("statusz = %d, want 200", rec.Code)
	}
	var s Status
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode statusz: %v", err)
	}
	if s.State != "running" || s.Progress.Succeeded != 9 {
		t.Fatalf("unexpected status payload: %+v", s)
	}
}

func TestMetricsMounted(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", rec.Code)
	}
}
