package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecovererReturns500(t *testing.T) {
	h := Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestLoggerRecordsStatus(t *testing.T) {
	var inner *responseWriter
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		inner = w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if inner.status != http.StatusTeapot || rec.Code != http.StatusTeapot {
		t.Fatalf("status not recorded: %d / %d", inner.status, rec.Code)
	}
	if inner.Unwrap() != rec {
		t.Fatal("Unwrap must return the underlying writer")
	}
}
