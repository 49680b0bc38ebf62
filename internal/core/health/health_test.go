package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type reporter bool

func (r reporter) Readiness() (bool, []int32) { return bool(r), nil }

func TestReadiness_AllChecksMustPass(t *testing.T) {
	ok := func(context.Context) error { return nil }
	h := Readiness(time.Second, map[string]Check{"redis": ok, "kafka": FromReporter(reporter(true))})
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"ready"`) {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body)
	}

	h = Readiness(time.Second, map[string]Check{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
		"kafka": FromReporter(reporter(false)),
	})
	rr = httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "refused") || !strings.Contains(body, "no partitions assigned") {
		t.Fatalf("body=%s", body)
	}
}
