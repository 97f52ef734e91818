package status

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tableshift/tableshift/internal/migrate"
	"github.com/tableshift/tableshift/internal/session"
)

func testServer() (*Server, *migrate.Progress) {
	progress := migrate.NewProgress()
	sess := session.New(session.Config{Host: "localhost", User: "root", Database: "app"})
	return NewServer(0, sess, progress), progress
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "ok" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestStatusReportsProgressAndSession(t *testing.T) {
	srv, progress := testServer()
	progress.SetPhase(migrate.PhaseCopy)
	progress.SetTotalRows(1000)
	progress.AddCopied(250)
	progress.SetBacklog(12)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var payload statusPayload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Migration.Phase != migrate.PhaseCopy {
		t.Errorf("phase = %s", payload.Migration.Phase)
	}
	if payload.Migration.RowsCopied != 250 || payload.Migration.TotalRows != 1000 {
		t.Errorf("unexpected counters: %+v", payload.Migration)
	}
	if payload.Migration.AuditBacklog != 12 {
		t.Errorf("backlog = %d", payload.Migration.AuditBacklog)
	}
	if payload.Session.State != "disconnected" {
		t.Errorf("session state = %q", payload.Session.State)
	}
}

func TestMetricsExposesCounters(t *testing.T) {
	srv, progress := testServer()
	progress.SetTotalRows(500)
	progress.AddCopied(100)
	progress.AddCopied(50)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"tableshift_rows_copied 150",
		"tableshift_rows_total 500",
		"tableshift_chunks_total 2",
		"tableshift_session_ready 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
