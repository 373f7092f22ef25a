package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReadyz_ReportsFailingDependency(t *testing.T) {
	mux := NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("no brokers") }},
		ReadyCheck{Name: "skipped"},
	)

	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rw.Code)
	}

	report := RunReadyChecks(context.Background(), time.Second,
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
	)
	if report.Status != "ok" || len(report.Failures) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG").String() != "DEBUG" {
		t.Fatalf("expected debug level")
	}
	if ParseLevel("").String() != "INFO" {
		t.Fatalf("expected info default")
	}
}
